package session

import (
	"context"
	"time"
)

// Session is a durable, observable package operation.
type Session interface {
	ID() ID
	Operation() Operation
	State() State

	// Launch starts preparation. Legal only from Pending.
	Launch() bool
	// Commit hands the prepared operation to the platform. Legal only from
	// Awaiting.
	Commit() bool
	// Cancel moves any non-terminal session to Cancelled.
	Cancel()

	AddStateListener(l StateListener) Subscription
	RemoveStateListener(l StateListener)
}

// Completable is the internal surface the router and repository drive.
type Completable interface {
	Session
	Confirmation() Confirmation
	Notification() NotificationData
	Name() string

	Complete(s State) bool
	CompleteExceptionally(err error) bool
	// Resume restarts preparation for a session restored in Active.
	Resume() bool
}

// ProgressSession is a session that also reports progress.
type ProgressSession interface {
	Session
	Progress() Progress
	AddProgressListener(l ProgressListener) Subscription
	RemoveProgressListener(l ProgressListener)
}

// StateListener observes state transitions. Implementations must be
// comparable, typically pointers.
type StateListener interface {
	OnStateChanged(id ID, s State)
}

// ProgressListener observes progress updates.
type ProgressListener interface {
	OnProgressChanged(id ID, p Progress)
}

// StateFunc adapts a function to StateListener. Each call returns a distinct
// listener.
func StateFunc(fn func(ID, State)) StateListener { return &stateFunc{fn: fn} }

type stateFunc struct{ fn func(ID, State) }

func (f *stateFunc) OnStateChanged(id ID, s State) { f.fn(id, s) }

// ProgressFunc adapts a function to ProgressListener.
func ProgressFunc(fn func(ID, Progress)) ProgressListener { return &progressFunc{fn: fn} }

type progressFunc struct{ fn func(ID, Progress) }

func (f *progressFunc) OnProgressChanged(id ID, p Progress) { f.fn(id, p) }

// Executor runs tasks asynchronously. Execute must not block.
type Executor interface {
	Execute(task func())
}

// Persister is the durable side of a session. Implementations are only
// called from the writer executor.
type Persister interface {
	// UpdateState records s. A Failed state writes its failure in the same
	// transaction; Active and terminal states stamp the last activity time.
	UpdateState(ctx context.Context, id ID, op Operation, s State) error
	UpdateProgress(ctx context.Context, id ID, p Progress) error
}

// Hooks is implemented by session specializations. Every hook runs on the
// session's work executor.
type Hooks interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context)
}

// CompletionInterceptor may swallow a completion, for example to retry a
// commit that timed out. Returning true drops the completion.
type CompletionInterceptor interface {
	InterceptCompletion(s State) bool
}

// Cleaner releases resources once the session is terminal.
type Cleaner interface {
	Cleanup()
}

// Observer receives lifecycle telemetry. All methods must be cheap.
type Observer interface {
	Transitioned(op Operation, from, to State)
	PersistFailed(op Operation, err error)
	ListenerPanicked(op Operation)
}

type nopObserver struct{}

func (nopObserver) Transitioned(Operation, State, State) {}
func (nopObserver) PersistFailed(Operation, error)       {}
func (nopObserver) ListenerPanicked(Operation)           {}

// Summary is a persisted view of a session used for listings.
type Summary struct {
	ID           ID
	Operation    Operation
	State        State
	Confirmation Confirmation
	Name         string
	Progress     *Progress
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLaunchAt time.Time
}
