// Package platform defines the contract with the host package service that
// actually stages, commits and removes packages.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/pkgyard/internal/session"
)

var (
	// ErrInvalidState is the platform's conflict signal: the native session
	// is not in a state that allows the call.
	ErrInvalidState = errors.New("platform: invalid native session state")
	// ErrConstraintsDenied means the caller may not commit with install
	// constraints. The commit should be retried without them.
	ErrConstraintsDenied = errors.New("platform: install constraints not permitted")
	// ErrUnknownSession means the native session does not exist.
	ErrUnknownSession = errors.New("platform: unknown native session")
)

// NoNativeID marks a session that has not opened a native session yet.
const NoNativeID = -1

// Constraints gate a commit until the device is in a quiet state.
type Constraints struct {
	AppNotForeground  bool          `json:"app_not_foreground,omitempty"`
	AppNotInteracting bool          `json:"app_not_interacting,omitempty"`
	AppNotTopVisible  bool          `json:"app_not_top_visible,omitempty"`
	DeviceIdle        bool          `json:"device_idle,omitempty"`
	NotInCall         bool          `json:"not_in_call,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`
}

// IsZero reports whether no constraint is set.
func (c Constraints) IsZero() bool { return c == Constraints{} }

// PreapprovalDetails describe the package shown in a preapproval prompt.
type PreapprovalDetails struct {
	PackageName string `json:"package_name"`
	Label       string `json:"label"`
	Locale      string `json:"locale"`
	Icon        string `json:"icon,omitempty"`
}

// CommitRequest hands a staged native session to the platform.
type CommitRequest struct {
	SessionID         session.ID
	NativeID          int
	Constraints       *Constraints
	Preapproved       bool
	RequireUserAction bool
}

// Service is the host package service. Results of Commit, Uninstall and
// RequestPreapproval arrive later as Events.
type Service interface {
	OpenSession(ctx context.Context, id session.ID) (int, error)
	Stage(ctx context.Context, nativeID int, uris []string, progress func(session.Progress)) error
	RequestPreapproval(ctx context.Context, id session.ID, nativeID int, d PreapprovalDetails) error
	Commit(ctx context.Context, req CommitRequest) error
	Abandon(ctx context.Context, nativeID int) error
	Uninstall(ctx context.Context, id session.ID, packageName string) error
}

// Event is a status report from the platform about one session.
type Event struct {
	SessionID         session.ID     `json:"session_id"`
	Status            session.Status `json:"status"`
	Message           string         `json:"message,omitempty"`
	OtherPackageName  string         `json:"other_package_name,omitempty"`
	StoragePath       string         `json:"storage_path,omitempty"`
	Preapproval       bool           `json:"preapproval,omitempty"`
	RequireUserAction bool           `json:"require_user_action,omitempty"`
	ConfirmationToken string         `json:"confirmation_token,omitempty"`
}

// Details returns the failure details carried by e.
func (e Event) Details() session.StatusDetails {
	return session.StatusDetails{
		Message:          e.Message,
		OtherPackageName: e.OtherPackageName,
		StoragePath:      e.StoragePath,
	}
}

// Emitter accepts platform events, typically the status router.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}
