package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/pkgyard/internal/executor"
)

// memPersister records writes in order and can be told to fail.
type memPersister struct {
	mu       sync.Mutex
	states   []State
	progress []Progress
	failNext int
	failAll  bool
}

func (m *memPersister) UpdateState(_ context.Context, _ ID, _ Operation, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("disk full")
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("busy")
	}
	m.states = append(m.states, s)
	return nil
}

func (m *memPersister) UpdateProgress(_ context.Context, _ ID, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, p)
	return nil
}

func (m *memPersister) stateKinds() []StateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateKind, len(m.states))
	for i, s := range m.states {
		out[i] = s.Kind
	}
	return out
}

func (m *memPersister) wrote(k StateKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s.Kind == k {
			return true
		}
	}
	return false
}

// recorder is a StateListener that keeps every delivery. When persisted is
// set it also checks that the delivered state was written first.
type recorder struct {
	mu        sync.Mutex
	states    []State
	persisted *memPersister
	early     atomic.Int32
}

func (r *recorder) OnStateChanged(_ ID, s State) {
	if r.persisted != nil && s.Kind != Pending {
		if !r.persisted.wrote(s.Kind) {
			r.early.Add(1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) kinds() []StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateKind, len(r.states))
	for i, s := range r.states {
		out[i] = s.Kind
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// testHooks is a minimal specialization: Prepare goes straight to Awaiting.
type testHooks struct {
	core      *Core
	prepare   func(ctx context.Context) error
	commit    func(ctx context.Context) error
	aborts    atomic.Int32
	cleanups  atomic.Int32
	intercept func(State) bool
}

func (h *testHooks) Prepare(ctx context.Context) error {
	if h.prepare != nil {
		return h.prepare(ctx)
	}
	h.core.NotifyAwaiting()
	return nil
}

func (h *testHooks) Commit(ctx context.Context) error {
	if h.commit != nil {
		return h.commit(ctx)
	}
	return nil
}

func (h *testHooks) Abort(context.Context) { h.aborts.Add(1) }

func (h *testHooks) Cleanup() { h.cleanups.Add(1) }

func (h *testHooks) InterceptCompletion(s State) bool {
	if h.intercept != nil {
		return h.intercept(s)
	}
	return false
}

type fixture struct {
	pool      *executor.Pool
	persister *memPersister
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := executor.New(8, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Release(ctx)
	})
	return &fixture{pool: pool, persister: &memPersister{}}
}

func (f *fixture) config(op Operation, initial State) Config {
	return Config{
		ID:        NewID(),
		Operation: op,
		Initial:   initial,
		Persister: f.persister,
		Writer:    f.pool.Writer(),
		Delivery:  f.pool.Delivery(),
		Work:      f.pool.NewSerial("work"),
		Retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	}
}

func (f *fixture) newCore(op Operation, initial State) (*Core, *testHooks) {
	c := NewCore(f.config(op, initial))
	h := &testHooks{core: c}
	c.Bind(h)
	return c, h
}

// settle waits until every queued write and delivery has run.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.pool.Writer().Flush(ctx))
		require.NoError(t, f.pool.Delivery().Flush(ctx))
	}
}

func TestCore_EndToEndInstall(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)
	rec := &recorder{persisted: f.persister}
	c.AddStateListener(rec)

	require.True(t, c.Launch())
	require.Eventually(t, func() bool { return c.State().Kind == Awaiting }, 2*time.Second, time.Millisecond)
	require.True(t, c.Commit())
	require.True(t, c.Complete(StateSucceeded))
	f.settle(t)

	want := []StateKind{Pending, Active, Awaiting, Committed, Succeeded}
	assert.Equal(t, want, rec.kinds())
	assert.Equal(t, want[1:], f.persister.stateKinds())
	assert.Zero(t, rec.early.Load(), "listener saw a state before it was persisted")
}

func TestCore_TerminalIsSticky(t *testing.T) {
	for _, terminal := range []State{StateSucceeded, StateCancelled, FailedWith(&Failure{Kind: FailureGeneric})} {
		t.Run(terminal.String(), func(t *testing.T) {
			f := newFixture(t)
			c, _ := f.newCore(Install, StatePending)
			require.True(t, c.Complete(terminal))
			f.settle(t)
			writes := len(f.persister.stateKinds())

			assert.False(t, c.Launch())
			assert.False(t, c.Commit())
			c.Cancel()
			assert.False(t, c.Complete(StateSucceeded))
			assert.False(t, c.CompleteExceptionally(errors.New("late")))
			f.settle(t)

			assert.Equal(t, terminal.Kind, c.State().Kind)
			assert.Len(t, f.persister.stateKinds(), writes)
		})
	}
}

func TestCore_LateListenerGetsTerminalOnce(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)
	c.Complete(FailedWith(&Failure{Kind: FailureConflict, OtherPackageName: "com.example"}))
	f.settle(t)

	rec := &recorder{}
	c.AddStateListener(rec)
	f.settle(t)

	require.Equal(t, 1, rec.count())
	got := rec.states[0]
	assert.Equal(t, Failed, got.Kind)
	assert.Equal(t, FailureConflict, got.Failure.Kind)
	assert.Equal(t, "com.example", got.Failure.OtherPackageName)
}

func TestCore_ListenerAddedDuringTransitionSeesEachStateOnce(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)

	block := make(chan struct{})
	f.pool.Writer().Execute(func() { <-block })
	c.Launch()
	rec := &recorder{}
	c.AddStateListener(rec)
	close(block)
	require.Eventually(t, func() bool { return c.State().Kind == Awaiting }, 2*time.Second, time.Millisecond)
	f.settle(t)

	assert.Equal(t, []StateKind{Pending, Active, Awaiting}, rec.kinds())
}

func TestCore_CancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c, h := f.newCore(Uninstall, StatePending)
	rec := &recorder{}
	c.AddStateListener(rec)

	c.Cancel()
	c.Cancel()
	f.settle(t)
	require.Eventually(t, func() bool { return h.aborts.Load() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, []StateKind{Cancelled}, f.persister.stateKinds())
	assert.Equal(t, []StateKind{Pending, Cancelled}, rec.kinds())
	assert.Equal(t, int32(1), h.aborts.Load())
}

func TestCore_CancelBeforeLaunch(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)

	c.Cancel()
	assert.False(t, c.Launch())
	f.settle(t)

	assert.Equal(t, Cancelled, c.State().Kind)
	assert.Equal(t, []StateKind{Cancelled}, f.persister.stateKinds())
	assert.Error(t, c.Context().Err())
}

func TestCore_OperationsOutsideLegalStateAreNoops(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)

	assert.False(t, c.Commit(), "commit from Pending")
	assert.False(t, c.NotifyAwaiting(), "awaiting from Pending")
	assert.False(t, c.Complete(StateActive), "complete with non-terminal")
	f.settle(t)
	assert.Empty(t, f.persister.stateKinds())
}

func TestCore_DuplicateListenerGetsDisposedSubscription(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)
	rec := &recorder{}

	first := c.AddStateListener(rec)
	second := c.AddStateListener(rec)
	f.settle(t)

	assert.False(t, first.IsDisposed())
	assert.True(t, second.IsDisposed())
	assert.Equal(t, 1, rec.count())
}

func TestCore_DisposedListenerStopsReceiving(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)
	rec := &recorder{}
	sub := c.AddStateListener(rec)
	f.settle(t)

	sub.Dispose()
	c.Cancel()
	f.settle(t)

	assert.Equal(t, []StateKind{Pending}, rec.kinds())
}

type panickyListener struct{}

func (*panickyListener) OnStateChanged(ID, State) { panic("listener bug") }

func TestCore_ListenerPanicIsContained(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StatePending)
	c.AddStateListener(&panickyListener{})
	rec := &recorder{}
	c.AddStateListener(rec)

	c.Cancel()
	f.settle(t)

	assert.Equal(t, []StateKind{Pending, Cancelled}, rec.kinds())
}

func TestCore_PersistRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.persister.failNext = 2
	c, _ := f.newCore(Install, StatePending)

	c.Cancel()
	f.settle(t)

	assert.Equal(t, []StateKind{Cancelled}, f.persister.stateKinds())
}

func TestCore_PersistFailureStillNotifies(t *testing.T) {
	f := newFixture(t)
	f.persister.failAll = true
	c, _ := f.newCore(Install, StatePending)
	rec := &recorder{}
	c.AddStateListener(rec)

	c.Cancel()
	f.settle(t)

	assert.Equal(t, []StateKind{Pending, Cancelled}, rec.kinds())
}

func TestCore_PrepareErrorFailsExceptionally(t *testing.T) {
	f := newFixture(t)
	c, h := f.newCore(Install, StatePending)
	h.prepare = func(context.Context) error { return errors.New("staging broke") }

	c.Launch()
	require.Eventually(t, func() bool { return c.State().IsTerminal() }, 2*time.Second, time.Millisecond)

	s := c.State()
	assert.Equal(t, Failed, s.Kind)
	assert.Equal(t, FailureExceptional, s.Failure.Kind)
	assert.Contains(t, s.Failure.Message, "staging broke")
}

func TestCore_PreparePanicFailsExceptionally(t *testing.T) {
	f := newFixture(t)
	c, h := f.newCore(Install, StatePending)
	h.prepare = func(context.Context) error { panic("nil apk") }

	c.Launch()
	require.Eventually(t, func() bool { return c.State().IsTerminal() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, FailureExceptional, c.State().Failure.Kind)
}

func TestCore_CancelledPrepareIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	c, h := f.newCore(Install, StatePending)
	started := make(chan struct{})
	h.prepare = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	c.Launch()
	<-started
	c.Cancel()
	f.settle(t)
	require.Eventually(t, func() bool { return h.aborts.Load() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, Cancelled, c.State().Kind)
	assert.Equal(t, []StateKind{Active, Cancelled}, f.persister.stateKinds())
}

func TestCore_CleanupRunsOnce(t *testing.T) {
	f := newFixture(t)
	c, h := f.newCore(Install, StatePending)

	c.Complete(StateSucceeded)
	c.Cancel()
	f.settle(t)

	require.Eventually(t, func() bool { return h.cleanups.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), h.cleanups.Load())
}

func TestCore_InterceptorSwallowsCompletion(t *testing.T) {
	f := newFixture(t)
	c, h := f.newCore(Install, StateCommitted)
	var seen atomic.Int32
	h.intercept = func(s State) bool {
		seen.Add(1)
		return s.Kind == Failed && s.Failure.Kind == FailureTimeout
	}

	assert.False(t, c.Complete(FailedWith(&Failure{Kind: FailureTimeout})))
	assert.Equal(t, Committed, c.State().Kind)
	assert.True(t, c.Complete(StateSucceeded))
	assert.Equal(t, int32(2), seen.Load())
}

func TestCore_UninstallFailureCollapsesToGeneric(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Uninstall, StateCommitted)

	c.Complete(FailedWith(&Failure{Kind: FailureStorage, Message: "no space"}))

	s := c.State()
	assert.Equal(t, FailureGeneric, s.Failure.Kind)
	assert.Equal(t, "no space", s.Failure.Message)
}

func TestCore_ResumeOnlyFromActive(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StateActive)
	assert.True(t, c.Resume())
	require.Eventually(t, func() bool { return c.State().Kind == Awaiting }, 2*time.Second, time.Millisecond)

	other, _ := f.newCore(Install, StatePending)
	assert.False(t, other.Resume())
}

func TestCore_ConcurrentCallsLeaveOneTerminal(t *testing.T) {
	f := newFixture(t)
	c, _ := f.newCore(Install, StateAwaiting)
	rec := &recorder{}
	c.AddStateListener(rec)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); c.Commit() }()
		go func() { defer wg.Done(); c.Cancel() }()
		go func() { defer wg.Done(); c.Complete(StateSucceeded) }()
	}
	wg.Wait()
	f.settle(t)

	kinds := rec.kinds()
	terminals := 0
	for _, k := range kinds {
		if k.IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals, "states delivered: %v", kinds)
	assert.True(t, kinds[len(kinds)-1].IsTerminal())
}
