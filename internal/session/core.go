package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config describes a session to NewCore.
type Config struct {
	ID           ID
	Operation    Operation
	Initial      State
	Confirmation Confirmation
	Notification NotificationData
	Name         string

	Persister Persister
	// Writer is the store-wide single-writer executor.
	Writer Executor
	// Delivery is the process-wide listener executor.
	Delivery Executor
	// Work is this session's own serial executor.
	Work Executor

	Logger   *slog.Logger
	Observer Observer
	// Retry builds the backoff used for each durable write. Defaults to
	// three exponential retries starting at 20ms.
	Retry func() backoff.BackOff
}

// Core is the session state machine shared by every specialization.
//
// Every transition flips the in-memory state under mu, persists it on the
// writer executor and only then posts notifications to the delivery
// executor. Deliveries carry a per-session sequence number so a registration
// never sees the same transition twice.
type Core struct {
	id           ID
	op           Operation
	confirmation Confirmation
	notification NotificationData
	name         string

	persister Persister
	writer    Executor
	delivery  Executor
	work      Executor
	log       *slog.Logger
	observer  Observer
	retry     func() backoff.BackOff

	hooks       Hooks
	interceptor CompletionInterceptor
	cleaner     Cleaner
	cleanup     sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	durable   State
	seq       uint64
	listeners *ListenerRegistry[StateListener]
}

// NewCore builds a state machine. Bind must be called before use.
func NewCore(cfg Config) *Core {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = defaultRetry
	}
	if cfg.Confirmation == "" {
		cfg.Confirmation = ConfirmImmediate
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		id:           cfg.ID,
		op:           cfg.Operation,
		confirmation: cfg.Confirmation,
		notification: cfg.Notification,
		name:         cfg.Name,
		persister:    cfg.Persister,
		writer:       cfg.Writer,
		delivery:     cfg.Delivery,
		work:         cfg.Work,
		log:          log.With("session", cfg.ID.String(), "op", string(cfg.Operation)),
		observer:     obs,
		retry:        retry,
		ctx:          ctx,
		cancel:       cancel,
		state:        cfg.Initial,
		durable:      cfg.Initial,
		listeners:    NewListenerRegistry[StateListener](),
	}
	if cfg.Initial.IsTerminal() {
		cancel()
	}
	return c
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.WithMaxRetries(b, 3)
}

// Bind attaches the specialization. h may also implement
// CompletionInterceptor and Cleaner.
func (c *Core) Bind(h Hooks) {
	c.hooks = h
	if i, ok := h.(CompletionInterceptor); ok {
		c.interceptor = i
	}
	if cl, ok := h.(Cleaner); ok {
		c.cleaner = cl
	}
}

func (c *Core) ID() ID                         { return c.id }
func (c *Core) Operation() Operation           { return c.op }
func (c *Core) Confirmation() Confirmation     { return c.confirmation }
func (c *Core) Notification() NotificationData { return c.notification }
func (c *Core) Name() string                   { return c.name }

// Logger returns the session-scoped logger.
func (c *Core) Logger() *slog.Logger { return c.log }

// Context is cancelled when the session is cancelled or completes.
func (c *Core) Context() context.Context { return c.ctx }

// Writer returns the executor durable writes must go through.
func (c *Core) Writer() Executor { return c.writer }

// State returns the in-memory state, which may be ahead of the durable one.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Launch moves Pending to Active and schedules Prepare.
func (c *Core) Launch() bool {
	c.mu.Lock()
	ok := c.state.Kind == Pending && c.transitionLocked(StateActive)
	c.mu.Unlock()
	if ok {
		c.schedule("prepare", c.hooks.Prepare)
	}
	return ok
}

// Resume reschedules Prepare for a session restored in Active.
func (c *Core) Resume() bool {
	if c.State().Kind != Active {
		return false
	}
	c.schedule("prepare", c.hooks.Prepare)
	return true
}

// NotifyAwaiting moves Active to Awaiting once preparation is done.
func (c *Core) NotifyAwaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Kind == Active && c.transitionLocked(StateAwaiting)
}

// Commit moves Awaiting to Committed and schedules the platform commit.
func (c *Core) Commit() bool {
	c.mu.Lock()
	ok := c.state.Kind == Awaiting && c.transitionLocked(StateCommitted)
	c.mu.Unlock()
	if ok {
		c.schedule("commit", c.hooks.Commit)
	}
	return ok
}

// Cancel moves any non-terminal session to Cancelled and schedules Abort.
// Calling it again, or on a terminal session, does nothing.
func (c *Core) Cancel() {
	c.mu.Lock()
	ok := c.transitionLocked(StateCancelled)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	c.work.Execute(func() {
		c.guard("abort", func() error {
			c.hooks.Abort(context.Background())
			return nil
		})
	})
}

// Complete records a terminal state. Non-terminal states are rejected.
func (c *Core) Complete(s State) bool {
	if !s.IsTerminal() {
		return false
	}
	if s.Kind == Failed {
		s.Failure = c.normalizeFailure(s.Failure)
	}
	if c.State().IsTerminal() {
		return false
	}
	if c.interceptor != nil && c.interceptor.InterceptCompletion(s) {
		c.log.Info("completion intercepted", "state", s.String())
		return false
	}
	c.mu.Lock()
	ok := c.transitionLocked(s)
	c.mu.Unlock()
	if ok {
		c.cancel()
	}
	return ok
}

// CompleteExceptionally fails the session with an Exceptional failure.
func (c *Core) CompleteExceptionally(err error) bool {
	return c.Complete(FailedWith(Exceptional(err)))
}

func (c *Core) normalizeFailure(f *Failure) *Failure {
	if f == nil {
		return &Failure{Kind: FailureGeneric}
	}
	if !f.Kind.AllowedFor(c.op) {
		return &Failure{Kind: FailureGeneric, Message: f.Message}
	}
	return f
}

// AddStateListener registers l and replays the current durable state to it.
// A listener that is already registered gets a disposed subscription.
func (c *Core) AddStateListener(l StateListener) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.listeners.Add(l)
	if r == nil {
		return DisposedSubscription()
	}
	c.postLocked(r, c.durable, c.seq)
	return c.listeners.Subscribe(r)
}

// RemoveStateListener unregisters l. Pending deliveries to it are dropped.
func (c *Core) RemoveStateListener(l StateListener) {
	c.listeners.Remove(l)
}

// transitionLocked flips the in-memory state and enqueues the durable write.
// c.mu must be held, which also fixes the write order to the flip order.
func (c *Core) transitionLocked(to State) bool {
	from := c.state
	if !CanTransition(from.Kind, to.Kind) {
		return false
	}
	c.state = to
	c.writer.Execute(func() { c.persist(from, to) })
	return true
}

func (c *Core) persist(from, to State) {
	err := backoff.Retry(func() error {
		return c.persister.UpdateState(context.Background(), c.id, c.op, to)
	}, c.retry())
	if err != nil {
		// The in-memory state stays authoritative; listeners still hear
		// about it so nobody waits forever on a lost write.
		c.log.Error("persist state", "state", to.String(), "error", err)
		c.observer.PersistFailed(c.op, err)
	}

	c.mu.Lock()
	c.seq++
	c.durable = to
	seq := c.seq
	c.listeners.ForEach(func(r *Registration[StateListener]) {
		c.postLocked(r, to, seq)
	})
	c.mu.Unlock()

	c.observer.Transitioned(c.op, from, to)
	if to.IsTerminal() {
		c.runCleanup()
	}
}

// postLocked enqueues one delivery. Enqueuing under c.mu keeps the delivery
// queue in sequence order for every registration.
func (c *Core) postLocked(r *Registration[StateListener], s State, seq uint64) {
	c.delivery.Execute(func() {
		if !c.listeners.IsValid(r) || !r.accept(seq) {
			return
		}
		c.notify(func() { r.Listener().OnStateChanged(c.id, s) })
	})
}

// notify runs a listener callback, recovering and logging panics.
func (c *Core) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("listener panic", "panic", r, "stack", string(debug.Stack()))
			c.observer.ListenerPanicked(c.op)
		}
	}()
	fn()
}

func (c *Core) runCleanup() {
	if c.cleaner == nil {
		return
	}
	c.cleanup.Do(func() {
		c.work.Execute(func() {
			c.guard("cleanup", func() error {
				c.cleaner.Cleanup()
				return nil
			})
		})
	})
}

// Schedule runs fn on the session's work executor with the same failure
// handling as the lifecycle hooks.
func (c *Core) Schedule(name string, fn func(context.Context) error) {
	c.schedule(name, fn)
}

// schedule runs a hook on the work executor. A hook error fails the session
// unless it came from the session being cancelled.
func (c *Core) schedule(name string, fn func(context.Context) error) {
	c.work.Execute(func() {
		if c.ctx.Err() != nil {
			return
		}
		err := c.guard(name, func() error { return fn(c.ctx) })
		if err == nil {
			return
		}
		if c.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			c.log.Debug("hook cancelled", "hook", name)
			return
		}
		c.log.Error("hook failed", "hook", name, "error", err)
		c.CompleteExceptionally(err)
	})
}

// guard turns a panic in fn into an error.
func (c *Core) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("hook panic", "hook", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session: %s panicked: %v", name, r)
		}
	}()
	return fn()
}
