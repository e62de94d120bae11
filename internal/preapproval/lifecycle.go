// Package preapproval implements the user-preapproval sub-protocol of an
// install session: at most one request in flight, resumable after a restart,
// and every durable write applied at most once.
package preapproval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/session"
)

// State is the durable shadow of a lifecycle.
type State int

const (
	StateIdle State = iota
	StateActivating
	StateActive
	StatePreapproved
)

// FromFlags maps the persisted columns to a durable state.
func FromFlags(activating, active, preapproved bool) State {
	switch {
	case preapproved:
		return StatePreapproved
	case active:
		return StateActive
	case activating:
		return StateActivating
	}
	return StateIdle
}

// Phase is the in-memory state. Activating rows restored from disk start as
// PhaseActivatingClaimable and are adopted without a second claim write.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseActivatingClaimable
	PhaseActivatingOwned
	PhaseActive
	PhaseConsuming
	PhasePreapproved
	PhaseResetting
)

var phaseNames = [...]string{
	PhaseIdle:                "idle",
	PhaseActivatingClaimable: "activating_claimable",
	PhaseActivatingOwned:     "activating_owned",
	PhaseActive:              "active",
	PhaseConsuming:           "consuming",
	PhasePreapproved:         "preapproved",
	PhaseResetting:           "resetting",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (s State) phase() Phase {
	switch s {
	case StateActivating:
		return PhaseActivatingClaimable
	case StateActive:
		return PhaseActive
	case StatePreapproved:
		return PhasePreapproved
	}
	return PhaseIdle
}

// AcquireResult is the outcome of Begin.
type AcquireResult int

const (
	NotAcquired AcquireResult = iota
	AcquiredFresh
	AcquiredRestored
)

func (r AcquireResult) String() string {
	switch r {
	case AcquiredFresh:
		return "acquired_fresh"
	case AcquiredRestored:
		return "acquired_restored"
	}
	return "not_acquired"
}

// Store performs the guarded durable writes. Each returns the number of rows
// it changed; zero means the guard did not hold.
type Store interface {
	// SetActivating claims an idle row.
	SetActivating(ctx context.Context, id session.ID) (int64, error)
	// SetActive promotes an activating row.
	SetActive(ctx context.Context, id session.ID) (int64, error)
	// ConsumeActive clears an activating or active row, marking it
	// preapproved when asked.
	ConsumeActive(ctx context.Context, id session.ID, preapproved bool) (int64, error)
	ResetPreapproval(ctx context.Context, id session.ID) error
}

// Listener receives preapproval results for a session.
type Listener interface {
	OnPreapprovalSucceeded(ctx context.Context)
	OnPreapprovalFailed(ctx context.Context, status session.Status, f *session.Failure)
}

// NewWriteSemaphore returns the binary semaphore every lifecycle sharing a
// store must use.
func NewWriteSemaphore() *semaphore.Weighted { return semaphore.NewWeighted(1) }

// Lifecycle is the compare-and-swap state machine for one session.
type Lifecycle struct {
	id    session.ID
	store Store
	sem   *semaphore.Weighted
	phase atomic.Int32
}

// New restores a lifecycle from its durable state.
func New(id session.ID, initial State, store Store, sem *semaphore.Weighted) *Lifecycle {
	l := &Lifecycle{id: id, store: store, sem: sem}
	l.phase.Store(int32(initial.phase()))
	return l
}

// Phase returns the current in-memory phase.
func (l *Lifecycle) Phase() Phase { return Phase(l.phase.Load()) }

// IsPreapproved reports whether the user has preapproved the install.
func (l *Lifecycle) IsPreapproved() bool { return l.Phase() == PhasePreapproved }

// IsActive reports whether a request is claimed or in flight.
func (l *Lifecycle) IsActive() bool {
	switch l.Phase() {
	case PhaseActive, PhaseActivatingClaimable, PhaseActivatingOwned:
		return true
	}
	return false
}

func (l *Lifecycle) cas(from, to Phase) bool {
	return l.phase.CompareAndSwap(int32(from), int32(to))
}

func (l *Lifecycle) write(ctx context.Context, fn func() (int64, error)) (int64, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("preapproval: acquire write permit: %w", err)
	}
	defer l.sem.Release(1)
	return fn()
}

// Begin claims the right to issue a request. An idle lifecycle claims its
// row durably; a restored activating one is adopted without a write.
func (l *Lifecycle) Begin(ctx context.Context) (AcquireResult, error) {
	for {
		switch l.Phase() {
		case PhaseIdle:
			if !l.cas(PhaseIdle, PhaseActivatingOwned) {
				continue
			}
			n, err := l.write(ctx, func() (int64, error) { return l.store.SetActivating(ctx, l.id) })
			if err != nil {
				l.cas(PhaseActivatingOwned, PhaseIdle)
				return NotAcquired, fmt.Errorf("preapproval: claim %s: %w", l.id, err)
			}
			if n == 0 {
				l.cas(PhaseActivatingOwned, PhaseIdle)
				return NotAcquired, nil
			}
			return AcquiredFresh, nil
		case PhaseActivatingClaimable:
			if !l.cas(PhaseActivatingClaimable, PhaseActivatingOwned) {
				continue
			}
			return AcquiredRestored, nil
		default:
			return NotAcquired, nil
		}
	}
}

// Activate promotes an owned claim to Active once the request was issued.
func (l *Lifecycle) Activate(ctx context.Context) error {
	n, err := l.write(ctx, func() (int64, error) { return l.store.SetActive(ctx, l.id) })
	if err != nil {
		return fmt.Errorf("preapproval: activate %s: %w", l.id, err)
	}
	if n == 0 {
		l.cas(PhaseActivatingOwned, PhaseIdle)
		return nil
	}
	l.cas(PhaseActivatingOwned, PhaseActive)
	return nil
}

// Abort releases a claim after a failed request.
func (l *Lifecycle) Abort(ctx context.Context) error {
	ok, err := l.ConsumeActive(ctx, false)
	if err != nil {
		return err
	}
	if !ok {
		l.cas(PhaseActivatingOwned, PhaseIdle)
	}
	return nil
}

// ConsumeActive ends an activating or active request, recording whether the
// user preapproved. Only the first caller consumes; later calls return false
// and write nothing.
func (l *Lifecycle) ConsumeActive(ctx context.Context, preapproved bool) (bool, error) {
	var prev Phase
	for {
		cur := l.Phase()
		if cur != PhaseActive && cur != PhaseActivatingClaimable && cur != PhaseActivatingOwned {
			return false, nil
		}
		if l.cas(cur, PhaseConsuming) {
			prev = cur
			break
		}
	}
	n, err := l.write(ctx, func() (int64, error) { return l.store.ConsumeActive(ctx, l.id, preapproved) })
	if err != nil {
		l.cas(PhaseConsuming, prev)
		return false, fmt.Errorf("preapproval: consume %s: %w", l.id, err)
	}
	if n == 0 {
		l.cas(PhaseConsuming, PhaseIdle)
		return false, nil
	}
	next := PhaseIdle
	if preapproved {
		next = PhasePreapproved
	}
	return l.cas(PhaseConsuming, next), nil
}

// Reset clears every flag. A concurrent Reset already in progress wins.
func (l *Lifecycle) Reset(ctx context.Context) error {
	for {
		cur := l.Phase()
		if cur == PhaseResetting {
			return nil
		}
		if !l.cas(cur, PhaseResetting) {
			continue
		}
		_, err := l.write(ctx, func() (int64, error) { return 0, l.store.ResetPreapproval(ctx, l.id) })
		if err != nil {
			l.cas(PhaseResetting, cur)
			return fmt.Errorf("preapproval: reset %s: %w", l.id, err)
		}
		l.phase.Store(int32(PhaseIdle))
		return nil
	}
}

// RunRequest issues request under a claim. It returns false without calling
// request when no claim could be acquired.
//
// platform.ErrInvalidState on a restored claim means the platform already
// holds the request from the previous process; it is treated as a
// re-request and the claim is activated. Any other error aborts the claim.
func (l *Lifecycle) RunRequest(ctx context.Context, request func(context.Context) error) (bool, error) {
	acquired, err := l.Begin(ctx)
	if err != nil || acquired == NotAcquired {
		return false, err
	}
	if err := l.guarded(ctx, request); err != nil {
		if acquired == AcquiredFresh || !errors.Is(err, platform.ErrInvalidState) {
			if abortErr := l.Abort(ctx); abortErr != nil {
				return false, errors.Join(err, abortErr)
			}
			return false, err
		}
	}
	if err := l.Activate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// guarded runs request, releasing the claim before re-raising a panic.
func (l *Lifecycle) guarded(ctx context.Context, request func(context.Context) error) error {
	defer func() {
		if r := recover(); r != nil {
			_ = l.Abort(context.WithoutCancel(ctx))
			panic(r)
		}
	}()
	return request(ctx)
}
