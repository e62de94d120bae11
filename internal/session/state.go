package session

import "fmt"

// StateKind enumerates the session lifecycle states.
type StateKind int

const (
	Pending StateKind = iota
	Active
	Awaiting
	Committed
	Cancelled
	Succeeded
	Failed
)

var stateNames = [...]string{
	Pending:   "PENDING",
	Active:    "ACTIVE",
	Awaiting:  "AWAITING",
	Committed: "COMMITTED",
	Cancelled: "CANCELLED",
	Succeeded: "SUCCEEDED",
	Failed:    "FAILED",
}

// String returns the persisted name of the state kind.
func (k StateKind) String() string {
	if k < 0 || int(k) >= len(stateNames) {
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
	return stateNames[k]
}

// IsTerminal reports whether no transition may leave this kind.
func (k StateKind) IsTerminal() bool {
	return k == Cancelled || k == Succeeded || k == Failed
}

// ParseStateKind maps a persisted state name back to its kind.
func ParseStateKind(s string) (StateKind, error) {
	for i, name := range stateNames {
		if name == s {
			return StateKind(i), nil
		}
	}
	return 0, fmt.Errorf("session: unknown state %q", s)
}

// TerminalStateNames lists the persisted names of terminal states.
func TerminalStateNames() []string {
	return []string{Cancelled.String(), Succeeded.String(), Failed.String()}
}

// State is a session state. Failure is set only when Kind is Failed.
type State struct {
	Kind    StateKind
	Failure *Failure
}

// Common non-failure states.
var (
	StatePending   = State{Kind: Pending}
	StateActive    = State{Kind: Active}
	StateAwaiting  = State{Kind: Awaiting}
	StateCommitted = State{Kind: Committed}
	StateCancelled = State{Kind: Cancelled}
	StateSucceeded = State{Kind: Succeeded}
)

// FailedWith returns a Failed state carrying f.
func FailedWith(f *Failure) State {
	return State{Kind: Failed, Failure: f}
}

// IsTerminal reports whether the state is Succeeded, Failed or Cancelled.
func (s State) IsTerminal() bool { return s.Kind.IsTerminal() }

func (s State) String() string {
	if s.Kind == Failed && s.Failure != nil {
		return fmt.Sprintf("FAILED(%s)", s.Failure.Kind)
	}
	return s.Kind.String()
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
//
//	Pending -> Active -> Awaiting -> Committed
//	any non-terminal -> Cancelled | Succeeded | Failed
func CanTransition(from, to StateKind) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	switch from {
	case Pending:
		return to == Active
	case Active:
		return to == Awaiting
	case Awaiting:
		return to == Committed
	}
	return false
}
