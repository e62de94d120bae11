package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/preapproval"
	"github.com/zulandar/pkgyard/internal/session"
)

// Store is the durable surface an install session writes through.
type Store interface {
	session.Persister
	preapproval.Store
	SetNativeID(ctx context.Context, id session.ID, nativeID int) error
	SetCommitAttempts(ctx context.Context, id session.ID, n int) error
}

// Deps are the collaborators shared by every install session.
type Deps struct {
	Store   Store
	Service platform.Service
	// Semaphore serializes preapproval writes. It must be shared by every
	// session using Store.
	Semaphore *semaphore.Weighted
	Writer    session.Executor
	Delivery  session.Executor
	Work      session.Executor
	Logger    *slog.Logger
	Observer  session.Observer
}

// Snapshot is the restorable runtime state of a session.
type Snapshot struct {
	State          session.State
	Progress       session.Progress
	NativeID       int
	CommitAttempts int
	Preapproval    preapproval.State
}

// NewSnapshot is the state of a freshly created session.
func NewSnapshot() Snapshot {
	return Snapshot{
		State:    session.StatePending,
		Progress: session.DefaultProgress(),
		NativeID: platform.NoNativeID,
	}
}

// Session is an install session.
type Session struct {
	*session.ProgressCore

	params Parameters
	store  Store
	svc    platform.Service
	pre    *preapproval.Lifecycle

	mu       sync.Mutex
	nativeID int
	attempts int
}

// New builds an install session from its parameters and snapshot.
func New(id session.ID, p Parameters, snap Snapshot, d Deps) *Session {
	p = p.WithDefaults()
	s := &Session{
		params:   p,
		store:    d.Store,
		svc:      d.Service,
		nativeID: snap.NativeID,
		attempts: snap.CommitAttempts,
	}
	s.ProgressCore = session.NewProgressCore(session.Config{
		ID:           id,
		Operation:    session.Install,
		Initial:      snap.State,
		Confirmation: p.Confirmation,
		Notification: p.Notification,
		Name:         p.Name,
		Persister:    d.Store,
		Writer:       d.Writer,
		Delivery:     d.Delivery,
		Work:         d.Work,
		Logger:       d.Logger,
		Observer:     d.Observer,
	}, snap.Progress)
	if p.Preapproval != nil {
		sem := d.Semaphore
		if sem == nil {
			sem = preapproval.NewWriteSemaphore()
		}
		s.pre = preapproval.New(id, snap.Preapproval, d.Store, sem)
	}
	s.Bind(hooks{s})
	return s
}

// Parameters returns the parameters the session was created with.
func (s *Session) Parameters() Parameters { return s.params }

// Preapproval returns the preapproval lifecycle, or nil when the session
// does not request preapproval.
func (s *Session) Preapproval() *preapproval.Lifecycle { return s.pre }

// NativeID returns the platform session number, or platform.NoNativeID.
func (s *Session) NativeID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeID
}

// CommitAttempts returns how many commits were issued.
func (s *Session) CommitAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// OnPreapprovalSucceeded consumes the preapproval and stages the packages.
func (s *Session) OnPreapprovalSucceeded(context.Context) {
	if s.pre == nil {
		return
	}
	s.Schedule("preapproval succeeded", func(ctx context.Context) error {
		consumed, err := s.pre.ConsumeActive(ctx, true)
		if err != nil {
			return err
		}
		if !consumed {
			s.Logger().Debug("preapproval result already consumed")
			return nil
		}
		return s.stage(ctx)
	})
}

// OnPreapprovalFailed consumes the request. The session falls back to a
// normal install when allowed or when preapproval is unavailable, and
// fails with f otherwise.
func (s *Session) OnPreapprovalFailed(_ context.Context, status session.Status, f *session.Failure) {
	if s.pre == nil {
		return
	}
	s.Schedule("preapproval failed", func(ctx context.Context) error {
		consumed, err := s.pre.ConsumeActive(ctx, false)
		if err != nil {
			return err
		}
		if !consumed {
			s.Logger().Debug("preapproval result already consumed")
			return nil
		}
		if s.params.Preapproval.FallbackToOnDemand || status == session.StatusPreapprovalNotAvailable {
			s.Logger().Info("preapproval not granted, installing on demand", "status", int(status))
			return s.stage(ctx)
		}
		s.Complete(session.FailedWith(f))
		return nil
	})
}

func (s *Session) openNative(ctx context.Context) (int, error) {
	if n := s.NativeID(); n != platform.NoNativeID {
		return n, nil
	}
	n, err := s.svc.OpenSession(ctx, s.ID())
	if err != nil {
		return platform.NoNativeID, fmt.Errorf("install: open native session: %w", err)
	}
	s.mu.Lock()
	s.nativeID = n
	s.mu.Unlock()
	s.Writer().Execute(func() {
		if err := s.store.SetNativeID(context.Background(), s.ID(), n); err != nil {
			s.Logger().Error("persist native session id", "native_id", n, "error", err)
		}
	})
	return n, nil
}

func (s *Session) requestPreapproval(ctx context.Context, native int) error {
	if s.pre.Phase() == preapproval.PhaseActive {
		s.Logger().Debug("preapproval request already in flight")
		return nil
	}
	issued, err := s.pre.RunRequest(ctx, func(ctx context.Context) error {
		return s.svc.RequestPreapproval(ctx, s.ID(), native, s.params.Preapproval.PreapprovalDetails)
	})
	if err != nil {
		if s.params.Preapproval.FallbackToOnDemand && !errors.Is(err, context.Canceled) {
			s.Logger().Warn("preapproval request failed, installing on demand", "error", err)
			return s.stage(ctx)
		}
		return fmt.Errorf("install: request preapproval: %w", err)
	}
	if !issued {
		s.Logger().Debug("preapproval not acquired", "phase", s.pre.Phase().String())
	}
	return nil
}

func (s *Session) stage(ctx context.Context) error {
	err := s.svc.Stage(ctx, s.NativeID(), s.params.URIs, func(p session.Progress) {
		s.SetProgress(p)
	})
	if err != nil {
		return fmt.Errorf("install: stage: %w", err)
	}
	s.NotifyAwaiting()
	return nil
}

// commit issues a platform commit. eager drops the install constraints.
func (s *Session) commit(ctx context.Context, eager bool) error {
	req := platform.CommitRequest{
		SessionID:         s.ID(),
		NativeID:          s.NativeID(),
		Preapproved:       s.pre != nil && s.pre.IsPreapproved(),
		RequireUserAction: s.params.RequireUserAction,
	}
	c := s.params.Constraints
	if c != nil && !eager && !c.Constraints.IsZero() {
		cons := c.Constraints
		req.Constraints = &cons
	}

	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.mu.Unlock()
	if c != nil {
		s.Writer().Execute(func() {
			if err := s.store.SetCommitAttempts(context.Background(), s.ID(), n); err != nil {
				s.Logger().Error("persist commit attempts", "attempts", n, "error", err)
			}
		})
	}

	err := s.svc.Commit(ctx, req)
	if errors.Is(err, platform.ErrConstraintsDenied) && req.Constraints != nil {
		s.Logger().Warn("install constraints denied, committing without them")
		req.Constraints = nil
		err = s.svc.Commit(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("install: commit: %w", err)
	}
	return nil
}

// retryOnTimeout reschedules the commit when the timeout strategy allows
// another attempt. The session stays Committed while it retries.
func (s *Session) retryOnTimeout(st session.State) bool {
	if st.Kind != session.Failed || st.Failure == nil || st.Failure.Kind != session.FailureTimeout {
		return false
	}
	c := s.params.Constraints
	if c == nil || s.State().Kind != session.Committed {
		return false
	}
	attempts := s.CommitAttempts()
	switch c.TimeoutStrategy.Kind {
	case TimeoutCommitEagerly:
		if attempts != 1 {
			return false
		}
		s.Schedule("commit eagerly", func(ctx context.Context) error { return s.commit(ctx, true) })
		return true
	case TimeoutRetry:
		if attempts > c.TimeoutStrategy.Retries {
			return false
		}
		s.Logger().Info("commit timed out, retrying", "attempt", attempts, "retries", c.TimeoutStrategy.Retries)
		s.Schedule("retry commit", func(ctx context.Context) error { return s.commit(ctx, false) })
		return true
	}
	return false
}

func (s *Session) abandon(ctx context.Context) {
	s.mu.Lock()
	n := s.nativeID
	s.nativeID = platform.NoNativeID
	s.mu.Unlock()
	if n == platform.NoNativeID {
		return
	}
	if err := s.svc.Abandon(ctx, n); err != nil && !errors.Is(err, platform.ErrUnknownSession) {
		s.Logger().Warn("abandon native session", "native_id", n, "error", err)
	}
}

// hooks binds the lifecycle callbacks without clashing with the public
// Commit method of the session.
type hooks struct{ s *Session }

func (h hooks) Prepare(ctx context.Context) error {
	s := h.s
	native, err := s.openNative(ctx)
	if err != nil {
		return err
	}
	if s.pre != nil && !s.pre.IsPreapproved() {
		return s.requestPreapproval(ctx, native)
	}
	return s.stage(ctx)
}

func (h hooks) Commit(ctx context.Context) error { return h.s.commit(ctx, false) }

func (h hooks) Abort(ctx context.Context) {
	s := h.s
	if s.pre != nil && s.pre.IsActive() {
		if err := s.pre.Abort(ctx); err != nil {
			s.Logger().Warn("release preapproval claim", "error", err)
		}
	}
	s.abandon(ctx)
}

func (h hooks) InterceptCompletion(st session.State) bool { return h.s.retryOnTimeout(st) }

// Cleanup drops the native session and the preapproval flags of a session
// that did not succeed.
func (h hooks) Cleanup() {
	s := h.s
	if s.State().Kind == session.Succeeded {
		return
	}
	ctx := context.Background()
	if s.pre != nil {
		if err := s.pre.Reset(ctx); err != nil {
			s.Logger().Warn("reset preapproval", "error", err)
		}
	}
	s.abandon(ctx)
}
