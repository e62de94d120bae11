package session

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ID identifies a session. It is a 128-bit ULID and never changes.
type ID ulid.ULID

// NewID returns a fresh, globally unique session ID.
func NewID() ID { return ID(ulid.Make()) }

// ParseID parses the canonical string form of an ID.
func ParseID(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, fmt.Errorf("session: parse id %q: %w", s, err)
	}
	return ID(u), nil
}

func (id ID) String() string { return ulid.ULID(id).String() }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return ulid.ULID(id).IsZero() }

// Operation is the kind of package operation a session performs.
type Operation string

const (
	Install   Operation = "install"
	Uninstall Operation = "uninstall"
)

// Confirmation selects how user confirmation is requested.
type Confirmation string

const (
	// ConfirmImmediate launches the confirmation UI as soon as it is needed.
	ConfirmImmediate Confirmation = "immediate"
	// ConfirmDeferred posts a notification the user opens later.
	ConfirmDeferred Confirmation = "deferred"
)

// Valid reports whether c is a known strategy.
func (c Confirmation) Valid() bool {
	return c == ConfirmImmediate || c == ConfirmDeferred
}

// NotificationString is either a literal value or a resource key with
// arguments that the presentation layer resolves.
type NotificationString struct {
	Value       string   `json:"value,omitempty"`
	ResourceKey string   `json:"resource_key,omitempty"`
	Args        []string `json:"args,omitempty"`
}

// Literal returns a NotificationString holding s verbatim.
func Literal(s string) NotificationString { return NotificationString{Value: s} }

// Resource returns a NotificationString resolved from key and args.
func Resource(key string, args ...string) NotificationString {
	return NotificationString{ResourceKey: key, Args: args}
}

// Resolver looks up a resource key.
type Resolver func(key string, args ...string) string

// Resolve renders the string. A nil resolver renders resource keys as-is.
func (n NotificationString) Resolve(r Resolver) string {
	if n.ResourceKey == "" {
		return n.Value
	}
	if r == nil {
		return n.ResourceKey
	}
	return r(n.ResourceKey, n.Args...)
}

// IsEmpty reports whether neither a value nor a key is set.
func (n NotificationString) IsEmpty() bool {
	return n.Value == "" && n.ResourceKey == ""
}

// NotificationData is the payload shown when confirmation is deferred.
type NotificationData struct {
	Title NotificationString
	Text  NotificationString
	Icon  string
}

// DefaultNotification returns the notification used when none is given.
func DefaultNotification(op Operation) NotificationData {
	switch op {
	case Uninstall:
		return NotificationData{
			Title: Resource("notification.uninstall.title"),
			Text:  Resource("notification.uninstall.text"),
			Icon:  "uninstall",
		}
	default:
		return NotificationData{
			Title: Resource("notification.install.title"),
			Text:  Resource("notification.install.text"),
			Icon:  "install",
		}
	}
}

// DefaultProgressMax is the Max of a freshly created Progress.
const DefaultProgressMax = 100

// Progress is a (Current, Max) measurement.
type Progress struct {
	Current int
	Max     int
}

// DefaultProgress returns (0, 100).
func DefaultProgress() Progress { return Progress{Current: 0, Max: DefaultProgressMax} }

// Valid reports whether Current >= 0 and Max > 0.
func (p Progress) Valid() bool { return p.Current >= 0 && p.Max > 0 }

func (p Progress) String() string { return fmt.Sprintf("%d/%d", p.Current, p.Max) }

// MarshalText encodes the ID in its canonical string form.
func (id ID) MarshalText() ([]byte, error) { return ulid.ULID(id).MarshalText() }

// UnmarshalText decodes the canonical string form.
func (id *ID) UnmarshalText(b []byte) error { return (*ulid.ULID)(id).UnmarshalText(b) }
