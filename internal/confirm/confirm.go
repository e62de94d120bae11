// Package confirm routes user-confirmation requests either to an interactive
// presenter or to notification sinks the user opens later.
package confirm

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/pkgyard/internal/session"
)

// ErrNoPresenter is returned when an immediate confirmation has nowhere to go.
var ErrNoPresenter = errors.New("confirm: no presenter for immediate confirmation")

// Request asks the user to confirm one session's operation.
type Request struct {
	SessionID    session.ID
	Operation    session.Operation
	Confirmation session.Confirmation
	Notification session.NotificationData
	Name         string
	// Token is the platform's handle for the confirmation prompt.
	Token string
}

// Presenter shows a confirmation to the user.
type Presenter interface {
	Present(ctx context.Context, req Request) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, req Request) error

func (f PresenterFunc) Present(ctx context.Context, req Request) error { return f(ctx, req) }

// Notice is a rendered notification.
type Notice struct {
	Title  string
	Text   string
	Icon   string
	Color  string
	Fields []Field
}

// Field is a key-value pair shown with a notice.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier posts a notice to a sink.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nf := range m {
		if err := nf.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Switch picks the confirmation path from the session's strategy:
// immediate goes to UI, deferred goes to Notifier.
type Switch struct {
	UI       Presenter
	Notifier Notifier
	Resolver session.Resolver
}

// Present implements Presenter.
func (s *Switch) Present(ctx context.Context, req Request) error {
	if req.Confirmation == session.ConfirmDeferred {
		if s.Notifier == nil {
			return fmt.Errorf("confirm: no notifier for deferred confirmation of %s", req.SessionID)
		}
		if err := s.Notifier.Notify(ctx, Render(req, s.Resolver)); err != nil {
			return fmt.Errorf("confirm: notify %s: %w", req.SessionID, err)
		}
		return nil
	}
	if s.UI == nil {
		return ErrNoPresenter
	}
	return s.UI.Present(ctx, req)
}

// Render turns a request into a notice, filling in default texts.
func Render(req Request, r session.Resolver) Notice {
	data := req.Notification
	def := session.DefaultNotification(req.Operation)
	if data.Title.IsEmpty() {
		data.Title = def.Title
	}
	if data.Text.IsEmpty() {
		data.Text = def.Text
	}
	if data.Icon == "" {
		data.Icon = def.Icon
	}
	n := Notice{
		Title: data.Title.Resolve(r),
		Text:  data.Text.Resolve(r),
		Icon:  data.Icon,
		Color: "#439fe0",
		Fields: []Field{
			{Name: "Session", Value: req.SessionID.String(), Short: true},
			{Name: "Operation", Value: string(req.Operation), Short: true},
		},
	}
	if req.Name != "" {
		n.Fields = append(n.Fields, Field{Name: "Name", Value: req.Name, Short: true})
	}
	if req.Token != "" {
		n.Fields = append(n.Fields, Field{Name: "Token", Value: req.Token})
	}
	return n
}
