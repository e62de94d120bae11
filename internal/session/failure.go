package session

import (
	"errors"
	"fmt"
	"slices"
)

// FailureKind classifies why a session failed.
type FailureKind string

const (
	FailureExceptional  FailureKind = "exceptional"
	FailureGeneric      FailureKind = "generic"
	FailureAborted      FailureKind = "aborted"
	FailureBlocked      FailureKind = "blocked"
	FailureConflict     FailureKind = "conflict"
	FailureIncompatible FailureKind = "incompatible"
	FailureInvalid      FailureKind = "invalid"
	FailureStorage      FailureKind = "storage"
	FailureTimeout      FailureKind = "timeout"
)

var (
	installFailureKinds = []FailureKind{
		FailureExceptional, FailureGeneric, FailureAborted, FailureBlocked, FailureConflict,
		FailureIncompatible, FailureInvalid, FailureStorage, FailureTimeout,
	}
	uninstallFailureKinds = []FailureKind{FailureExceptional, FailureGeneric, FailureAborted}
)

// AllowedFor reports whether the failure kind belongs to the closed set of
// failures an operation can report.
func (k FailureKind) AllowedFor(op Operation) bool {
	switch op {
	case Install:
		return slices.Contains(installFailureKinds, k)
	case Uninstall:
		return slices.Contains(uninstallFailureKinds, k)
	}
	return false
}

// Failure is the payload of a Failed state.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message,omitempty"`
	// OtherPackageName names the conflicting or blocking package, if known.
	OtherPackageName string `json:"other_package_name,omitempty"`
	// StoragePath names the storage location for Storage failures, if known.
	StoragePath string `json:"storage_path,omitempty"`
	// Cause is the error behind an Exceptional failure. Only its text
	// survives persistence.
	Cause error `json:"-"`
}

// Exceptional wraps an unexpected error as a failure.
func Exceptional(err error) *Failure {
	f := &Failure{Kind: FailureExceptional, Cause: err}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("%s failure", f.Kind)
	}
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
}

// Unwrap returns the cause of an Exceptional failure.
func (f *Failure) Unwrap() error { return f.Cause }

// Status codes reported by the platform package service. The values mirror
// the platform's own numbering.
type Status int

const (
	StatusPendingUserAction Status = -1
	StatusSuccess           Status = 0
	StatusFailure           Status = 1
	StatusFailureBlocked    Status = 2
	StatusFailureAborted    Status = 3
	StatusFailureInvalid    Status = 4
	StatusFailureConflict   Status = 5
	StatusFailureStorage    Status = 6
	StatusFailureIncompat   Status = 7
	StatusFailureTimeout    Status = 8
	// StatusPreapprovalNotAvailable is the platform-internal status reported
	// when user preapproval cannot be requested right now.
	StatusPreapprovalNotAvailable Status = -129
)

var statusNames = map[Status]string{
	StatusPendingUserAction:       "pending_user_action",
	StatusSuccess:                 "success",
	StatusFailure:                 "failure",
	StatusFailureBlocked:          "failure_blocked",
	StatusFailureAborted:          "failure_aborted",
	StatusFailureInvalid:          "failure_invalid",
	StatusFailureConflict:         "failure_conflict",
	StatusFailureStorage:          "failure_storage",
	StatusFailureIncompat:         "failure_incompatible",
	StatusFailureTimeout:          "failure_timeout",
	StatusPreapprovalNotAvailable: "preapproval_not_available",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus maps a status name back to its code.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("session: unknown status %q", name)
}

// StatusDetails carries the optional fields of a failure status report.
type StatusDetails struct {
	Message          string
	OtherPackageName string
	StoragePath      string
}

// FailureFromStatus maps a platform status code to the failure of op.
// Kinds outside the operation's closed set collapse to Generic.
func FailureFromStatus(op Operation, status Status, d StatusDetails) *Failure {
	f := &Failure{Message: d.Message}
	switch status {
	case StatusFailure:
		f.Kind = FailureGeneric
	case StatusFailureAborted:
		f.Kind = FailureAborted
	case StatusFailureBlocked:
		f.Kind = FailureBlocked
		f.OtherPackageName = d.OtherPackageName
	case StatusFailureConflict:
		f.Kind = FailureConflict
		f.OtherPackageName = d.OtherPackageName
	case StatusFailureIncompat:
		f.Kind = FailureIncompatible
	case StatusFailureInvalid:
		f.Kind = FailureInvalid
	case StatusFailureStorage:
		f.Kind = FailureStorage
		f.StoragePath = d.StoragePath
	case StatusFailureTimeout:
		f.Kind = FailureTimeout
	default:
		return &Failure{Kind: FailureGeneric, Message: d.Message}
	}
	if !f.Kind.AllowedFor(op) {
		return &Failure{Kind: FailureGeneric, Message: d.Message}
	}
	return f
}

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")
