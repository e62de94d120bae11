package server

import (
	"encoding/json"
	"time"

	"github.com/zulandar/pkgyard/internal/install"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/uninstall"
)

type failureView struct {
	Kind             session.FailureKind `json:"kind"`
	Message          string              `json:"message,omitempty"`
	OtherPackageName string              `json:"other_package_name,omitempty"`
	StoragePath      string              `json:"storage_path,omitempty"`
}

type progressView struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

type sessionView struct {
	ID           string               `json:"id"`
	Operation    session.Operation    `json:"operation"`
	State        string               `json:"state"`
	Failure      *failureView         `json:"failure,omitempty"`
	Confirmation session.Confirmation `json:"confirmation,omitempty"`
	Name         string               `json:"name,omitempty"`
	Progress     *progressView        `json:"progress,omitempty"`
	CreatedAt    *time.Time           `json:"created_at,omitempty"`
	UpdatedAt    *time.Time           `json:"updated_at,omitempty"`
}

func stateFields(v *sessionView, st session.State) {
	v.State = st.Kind.String()
	if f := st.Failure; f != nil {
		v.Failure = &failureView{
			Kind:             f.Kind,
			Message:          f.Message,
			OtherPackageName: f.OtherPackageName,
			StoragePath:      f.StoragePath,
		}
	}
}

func liveView(s session.Completable) sessionView {
	v := sessionView{
		ID:           s.ID().String(),
		Operation:    s.Operation(),
		Confirmation: s.Confirmation(),
		Name:         s.Name(),
	}
	stateFields(&v, s.State())
	if ps, ok := s.(session.ProgressSession); ok && !s.State().IsTerminal() {
		p := ps.Progress()
		v.Progress = &progressView{Current: p.Current, Max: p.Max}
	}
	return v
}

func summaryView(sum session.Summary) sessionView {
	v := sessionView{
		ID:           sum.ID.String(),
		Operation:    sum.Operation,
		Confirmation: sum.Confirmation,
		Name:         sum.Name,
		CreatedAt:    &sum.CreatedAt,
		UpdatedAt:    &sum.UpdatedAt,
	}
	stateFields(&v, sum.State)
	if sum.Progress != nil {
		v.Progress = &progressView{Current: sum.Progress.Current, Max: sum.Progress.Max}
	}
	return v
}

type notificationRequest struct {
	Title session.NotificationString `json:"title"`
	Text  session.NotificationString `json:"text"`
	Icon  string                     `json:"icon"`
}

func (n *notificationRequest) data() session.NotificationData {
	if n == nil {
		return session.NotificationData{}
	}
	return session.NotificationData{Title: n.Title, Text: n.Text, Icon: n.Icon}
}

type constraintsRequest struct {
	platform.Constraints
	TimeoutStrategy string `json:"timeout_strategy"`
}

type preapprovalRequest struct {
	platform.PreapprovalDetails
	FallbackToOnDemand bool `json:"fallback_to_on_demand"`
}

type installRequest struct {
	URIs              []string                   `json:"uris" binding:"required"`
	Type              install.InstallerType      `json:"type"`
	Confirmation      session.Confirmation       `json:"confirmation"`
	Notification      *notificationRequest       `json:"notification"`
	Name              string                     `json:"name"`
	RequireUserAction bool                       `json:"require_user_action"`
	Constraints       *constraintsRequest        `json:"constraints"`
	Preapproval       *preapprovalRequest        `json:"preapproval"`
	Plugins           map[string]json.RawMessage `json:"plugins"`
}

func (r installRequest) parameters() (install.Parameters, error) {
	p := install.Parameters{
		URIs:              r.URIs,
		Type:              r.Type,
		Confirmation:      r.Confirmation,
		Notification:      r.Notification.data(),
		Name:              r.Name,
		RequireUserAction: r.RequireUserAction,
		Plugins:           r.Plugins,
	}
	if r.Constraints != nil {
		strategy, err := install.ParseTimeoutStrategy(r.Constraints.TimeoutStrategy)
		if err != nil {
			return install.Parameters{}, err
		}
		p.Constraints = &install.Constraints{Constraints: r.Constraints.Constraints, TimeoutStrategy: strategy}
	}
	if r.Preapproval != nil {
		p.Preapproval = &install.Preapproval{
			PreapprovalDetails: r.Preapproval.PreapprovalDetails,
			FallbackToOnDemand: r.Preapproval.FallbackToOnDemand,
		}
	}
	return p, nil
}

type uninstallRequest struct {
	PackageName  string                     `json:"package_name" binding:"required"`
	Confirmation session.Confirmation       `json:"confirmation"`
	Notification *notificationRequest       `json:"notification"`
	Name         string                     `json:"name"`
	Plugins      map[string]json.RawMessage `json:"plugins"`
}

func (r uninstallRequest) parameters() uninstall.Parameters {
	return uninstall.Parameters{
		PackageName:  r.PackageName,
		Confirmation: r.Confirmation,
		Notification: r.Notification.data(),
		Name:         r.Name,
		Plugins:      r.Plugins,
	}
}
