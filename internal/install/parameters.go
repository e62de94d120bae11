// Package install implements install sessions: staging package files with
// progress, the optional preapproval handshake, constrained commits and
// commit retries after a timeout.
package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/session"
)

// InstallerType selects the platform installer backing a session.
type InstallerType string

const (
	SessionBased InstallerType = "session_based"
	IntentBased  InstallerType = "intent_based"
)

// TimeoutStrategy decides what happens when a constrained commit times out.
type TimeoutStrategy struct {
	Kind    TimeoutKind
	Retries int
}

// TimeoutKind names a timeout strategy.
type TimeoutKind string

const (
	// TimeoutFail fails the session with a Timeout failure.
	TimeoutFail TimeoutKind = "fail"
	// TimeoutCommitEagerly commits once more without constraints.
	TimeoutCommitEagerly TimeoutKind = "commit_eagerly"
	// TimeoutRetry commits again with constraints up to Retries times.
	TimeoutRetry TimeoutKind = "retry"
)

// Fail, CommitEagerly and Retry build the strategies.
func Fail() TimeoutStrategy          { return TimeoutStrategy{Kind: TimeoutFail} }
func CommitEagerly() TimeoutStrategy { return TimeoutStrategy{Kind: TimeoutCommitEagerly} }
func Retry(n int) TimeoutStrategy    { return TimeoutStrategy{Kind: TimeoutRetry, Retries: n} }

// String renders the strategy as stored: "fail", "commit_eagerly" or
// "retry(n)".
func (t TimeoutStrategy) String() string {
	if t.Kind == TimeoutRetry {
		return fmt.Sprintf("retry(%d)", t.Retries)
	}
	if t.Kind == "" {
		return string(TimeoutFail)
	}
	return string(t.Kind)
}

// ParseTimeoutStrategy parses the String form.
func ParseTimeoutStrategy(s string) (TimeoutStrategy, error) {
	switch s {
	case "", string(TimeoutFail):
		return Fail(), nil
	case string(TimeoutCommitEagerly):
		return CommitEagerly(), nil
	}
	if rest, ok := strings.CutPrefix(s, "retry("); ok {
		if num, ok := strings.CutSuffix(rest, ")"); ok {
			n, err := strconv.Atoi(num)
			if err == nil && n >= 0 {
				return Retry(n), nil
			}
		}
	}
	return TimeoutStrategy{}, fmt.Errorf("install: unknown timeout strategy %q", s)
}

// Constraints gate the commit and say what to do when they time out.
type Constraints struct {
	platform.Constraints
	TimeoutStrategy TimeoutStrategy
}

// Preapproval asks the user to approve the install before staging.
type Preapproval struct {
	platform.PreapprovalDetails
	// FallbackToOnDemand stages and commits normally when preapproval is
	// refused or unavailable.
	FallbackToOnDemand bool
}

// Parameters describe an install session.
type Parameters struct {
	URIs              []string
	Type              InstallerType
	Confirmation      session.Confirmation
	Notification      session.NotificationData
	Name              string
	RequireUserAction bool
	Constraints       *Constraints
	Preapproval       *Preapproval
	// Plugins maps a plugin identifier to its parameters.
	Plugins map[string]json.RawMessage
}

// WithDefaults fills in the installer type, confirmation and notification.
func (p Parameters) WithDefaults() Parameters {
	if p.Type == "" {
		p.Type = SessionBased
	}
	if p.Confirmation == "" {
		p.Confirmation = session.ConfirmImmediate
	}
	if p.Notification.Title.IsEmpty() && p.Notification.Text.IsEmpty() && p.Notification.Icon == "" {
		p.Notification = session.DefaultNotification(session.Install)
	}
	return p
}

// Validate reports every problem with p.
func (p Parameters) Validate() error {
	var errs []error
	if len(p.URIs) == 0 {
		errs = append(errs, errors.New("install: at least one uri is required"))
	}
	for i, u := range p.URIs {
		if strings.TrimSpace(u) == "" {
			errs = append(errs, fmt.Errorf("install: uri %d is empty", i))
		}
	}
	switch p.Type {
	case "", SessionBased, IntentBased:
	default:
		errs = append(errs, fmt.Errorf("install: unknown installer type %q", p.Type))
	}
	if p.Type == IntentBased && len(p.URIs) > 1 {
		errs = append(errs, errors.New("install: intent-based installer takes a single uri"))
	}
	if p.Confirmation != "" && !p.Confirmation.Valid() {
		errs = append(errs, fmt.Errorf("install: unknown confirmation %q", p.Confirmation))
	}
	if c := p.Constraints; c != nil {
		if c.Timeout < 0 {
			errs = append(errs, errors.New("install: constraint timeout must not be negative"))
		}
		if c.TimeoutStrategy.Kind == TimeoutRetry && c.TimeoutStrategy.Retries < 0 {
			errs = append(errs, errors.New("install: retry count must not be negative"))
		}
	}
	if pa := p.Preapproval; pa != nil {
		if p.Type == IntentBased {
			errs = append(errs, errors.New("install: preapproval needs the session-based installer"))
		}
		if pa.PackageName == "" || pa.Label == "" {
			errs = append(errs, errors.New("install: preapproval needs package name and label"))
		}
	}
	return errors.Join(errs...)
}
