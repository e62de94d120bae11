// Package uninstall implements uninstall sessions.
package uninstall

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/pkgyard/internal/session"
)

// Parameters describe an uninstall session.
type Parameters struct {
	PackageName  string
	Confirmation session.Confirmation
	Notification session.NotificationData
	Name         string
	Plugins      map[string]json.RawMessage
}

// WithDefaults fills in the confirmation and notification.
func (p Parameters) WithDefaults() Parameters {
	if p.Confirmation == "" {
		p.Confirmation = session.ConfirmImmediate
	}
	if p.Notification.Title.IsEmpty() && p.Notification.Text.IsEmpty() && p.Notification.Icon == "" {
		p.Notification = session.DefaultNotification(session.Uninstall)
	}
	return p
}

// Validate reports every problem with p.
func (p Parameters) Validate() error {
	var errs []error
	if p.PackageName == "" {
		errs = append(errs, errors.New("uninstall: package name is required"))
	}
	if p.Confirmation != "" && !p.Confirmation.Valid() {
		errs = append(errs, fmt.Errorf("uninstall: unknown confirmation %q", p.Confirmation))
	}
	return errors.Join(errs...)
}
