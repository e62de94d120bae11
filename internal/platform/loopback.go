package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/pkgyard/internal/session"
)

// Script decides how the loopback service answers.
type Script struct {
	// StageSteps is how many progress updates Stage reports per URI.
	StageSteps int
	// Delay is waited before each emitted event.
	Delay time.Duration
	// RequireConfirmation emits PendingUserAction before a commit or
	// uninstall result.
	RequireConfirmation bool
	// AutoConfirm answers confirmation requests by itself. Otherwise the
	// result waits for Confirm.
	AutoConfirm bool
	// CommitStatus is the final status of commits. Zero means success.
	CommitStatus session.Status
	// UninstallStatus is the final status of uninstalls.
	UninstallStatus session.Status
	// PreapprovalStatus answers RequestPreapproval.
	PreapprovalStatus session.Status
	// DenyConstraints rejects constrained commits.
	DenyConstraints bool
	// TimeoutCommits makes the first n constrained commits time out.
	TimeoutCommits int
}

type nativeSession struct {
	id                 session.ID
	preapprovalPending bool
	committed          bool
}

type pendingResult struct {
	id     session.ID
	status session.Status
}

// Loopback is an in-process Service that reports results through an
// Emitter. It backs the simulate command and end-to-end tests.
type Loopback struct {
	emitter Emitter
	log     *slog.Logger

	mu       sync.Mutex
	script   Script
	nextID   int
	natives  map[int]*nativeSession
	pending  map[string]pendingResult
	timeouts int
	commits  []CommitRequest
	wg       sync.WaitGroup
}

// NewLoopback returns a loopback service emitting into e.
func NewLoopback(e Emitter, script Script, log *slog.Logger) *Loopback {
	if log == nil {
		log = slog.Default()
	}
	return &Loopback{
		emitter: e,
		log:     log,
		script:  script,
		nextID:  1,
		natives: make(map[int]*nativeSession),
		pending: make(map[string]pendingResult),
	}
}

// SetScript replaces the script for later calls.
func (l *Loopback) SetScript(s Script) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.script = s
}

// Commits returns every commit request received so far.
func (l *Loopback) Commits() []CommitRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CommitRequest(nil), l.commits...)
}

// Wait blocks until every scheduled event has been emitted.
func (l *Loopback) Wait() { l.wg.Wait() }

func (l *Loopback) OpenSession(_ context.Context, id session.ID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.nextID
	l.nextID++
	l.natives[n] = &nativeSession{id: id}
	return n, nil
}

func (l *Loopback) Stage(ctx context.Context, nativeID int, uris []string, progress func(session.Progress)) error {
	l.mu.Lock()
	_, ok := l.natives[nativeID]
	steps := l.script.StageSteps
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("stage %d: %w", nativeID, ErrUnknownSession)
	}
	if steps <= 0 {
		steps = 1
	}
	total := len(uris) * steps
	if total == 0 {
		return nil
	}
	done := 0
	for range uris {
		for i := 0; i < steps; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			done++
			if progress != nil {
				progress(session.Progress{Current: done * session.DefaultProgressMax / total, Max: session.DefaultProgressMax})
			}
		}
	}
	return nil
}

func (l *Loopback) RequestPreapproval(ctx context.Context, id session.ID, nativeID int, _ PreapprovalDetails) error {
	l.mu.Lock()
	ns, ok := l.natives[nativeID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("request preapproval %d: %w", nativeID, ErrUnknownSession)
	}
	if ns.preapprovalPending {
		l.mu.Unlock()
		return fmt.Errorf("request preapproval %d: %w", nativeID, ErrInvalidState)
	}
	ns.preapprovalPending = true
	status := l.script.PreapprovalStatus
	l.mu.Unlock()

	l.emitLater(ctx, Event{SessionID: id, Status: status, Preapproval: true}, func() {
		l.mu.Lock()
		ns.preapprovalPending = false
		l.mu.Unlock()
	})
	return nil
}

func (l *Loopback) Commit(ctx context.Context, req CommitRequest) error {
	l.mu.Lock()
	ns, ok := l.natives[req.NativeID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("commit %d: %w", req.NativeID, ErrUnknownSession)
	}
	if req.Constraints != nil && l.script.DenyConstraints {
		l.mu.Unlock()
		return fmt.Errorf("commit %d: %w", req.NativeID, ErrConstraintsDenied)
	}
	l.commits = append(l.commits, req)
	ns.committed = true
	status := l.script.CommitStatus
	if req.Constraints != nil && l.timeouts < l.script.TimeoutCommits {
		l.timeouts++
		status = session.StatusFailureTimeout
	}
	confirm := l.script.RequireConfirmation && !req.Preapproved && status != session.StatusFailureTimeout
	l.mu.Unlock()

	l.finish(ctx, req.SessionID, status, confirm, req.RequireUserAction)
	return nil
}

func (l *Loopback) Abandon(_ context.Context, nativeID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.natives[nativeID]; !ok {
		return fmt.Errorf("abandon %d: %w", nativeID, ErrUnknownSession)
	}
	delete(l.natives, nativeID)
	return nil
}

func (l *Loopback) Uninstall(ctx context.Context, id session.ID, packageName string) error {
	if packageName == "" {
		return fmt.Errorf("uninstall: empty package name")
	}
	l.mu.Lock()
	status := l.script.UninstallStatus
	confirm := l.script.RequireConfirmation
	l.mu.Unlock()
	l.finish(ctx, id, status, confirm, true)
	return nil
}

// Confirm answers a confirmation request issued for token. Rejecting it
// reports an aborted result.
func (l *Loopback) Confirm(ctx context.Context, token string, accept bool) error {
	l.mu.Lock()
	p, ok := l.pending[token]
	delete(l.pending, token)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("confirm %q: %w", token, ErrUnknownSession)
	}
	status := p.status
	if !accept {
		status = session.StatusFailureAborted
	}
	l.emitLater(ctx, Event{SessionID: p.id, Status: status}, nil)
	return nil
}

func (l *Loopback) finish(ctx context.Context, id session.ID, status session.Status, confirm, requireUserAction bool) {
	if !confirm {
		l.emitLater(ctx, resultEvent(id, status), nil)
		return
	}
	token := "loopback-" + id.String()
	l.mu.Lock()
	l.pending[token] = pendingResult{id: id, status: status}
	auto := l.script.AutoConfirm
	l.mu.Unlock()
	l.emitLater(ctx, Event{
		SessionID:         id,
		Status:            session.StatusPendingUserAction,
		RequireUserAction: requireUserAction,
		ConfirmationToken: token,
	}, func() {
		if auto {
			if err := l.Confirm(ctx, token, true); err != nil {
				l.log.Warn("loopback auto-confirm", "session", id.String(), "error", err)
			}
		}
	})
}

func resultEvent(id session.ID, status session.Status) Event {
	e := Event{SessionID: id, Status: status}
	switch status {
	case session.StatusFailureConflict, session.StatusFailureBlocked:
		e.OtherPackageName = "com.example.other"
	case session.StatusFailureStorage:
		e.StoragePath = "/data/app"
	}
	if status != session.StatusSuccess {
		e.Message = fmt.Sprintf("loopback status %d", int(status))
	}
	return e
}

func (l *Loopback) emitLater(ctx context.Context, e Event, after func()) {
	l.mu.Lock()
	delay := l.script.Delay
	l.mu.Unlock()
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		l.emitter.Emit(ctx, e)
		if after != nil {
			after()
		}
	}()
}
