// Package router turns platform status events into session state machine
// calls.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zulandar/pkgyard/internal/confirm"
	"github.com/zulandar/pkgyard/internal/metrics"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/preapproval"
	"github.com/zulandar/pkgyard/internal/session"
)

// ErrNoToken is the failure cause when the platform asks for confirmation
// without saying how to reach its prompt.
var ErrNoToken = errors.New("router: confirmation requested without a token")

// Sessions resolves the live session an event targets, loading it from
// the store when it is not cached.
type Sessions interface {
	Get(ctx context.Context, id session.ID) (session.Completable, error)
}

// ConfirmationRecorder remembers that the platform launched its own
// confirmation prompt.
type ConfirmationRecorder interface {
	SetConfirmationLaunched(ctx context.Context, id session.ID) error
}

// Metrics counts routed events.
type Metrics interface {
	RouterEvent(status session.Status, preapproval bool, outcome string, took time.Duration)
}

// Runner runs handling off the caller's goroutine.
type Runner interface {
	Go(task func())
}

// Delivery is the acknowledgement handle of one inbound event.
type Delivery interface {
	Finish()
}

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc func()

func (f DeliveryFunc) Finish() { f() }

// Envelope pairs an event with its acknowledgement.
type Envelope struct {
	Event    platform.Event
	Delivery Delivery
}

// Options configure a Router. Sessions and Presenter are required.
type Options struct {
	Sessions  Sessions
	Recorder  ConfirmationRecorder
	Presenter confirm.Presenter
	Runner    Runner
	Logger    *slog.Logger
	Metrics   Metrics
	Tracer    trace.Tracer
	// Retry bounds how long resolution retries transient store errors.
	Retry func() backoff.BackOff
}

// Router dispatches platform events. It implements platform.Emitter.
type Router struct {
	sessions  Sessions
	recorder  ConfirmationRecorder
	presenter confirm.Presenter
	runner    Runner
	log       *slog.Logger
	metrics   Metrics
	tracer    trace.Tracer
	retry     func() backoff.BackOff
}

type goRunner struct{}

func (goRunner) Go(task func()) { go task() }

type nopMetrics struct{}

func (nopMetrics) RouterEvent(session.Status, bool, string, time.Duration) {}

// New builds a router.
func New(o Options) *Router {
	r := &Router{
		sessions:  o.Sessions,
		recorder:  o.Recorder,
		presenter: o.Presenter,
		runner:    o.Runner,
		log:       o.Logger,
		metrics:   o.Metrics,
		tracer:    o.Tracer,
		retry:     o.Retry,
	}
	if r.runner == nil {
		r.runner = goRunner{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = nopMetrics{}
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/zulandar/pkgyard/internal/router")
	}
	if r.retry == nil {
		r.retry = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			return backoff.WithMaxRetries(b, 4)
		}
	}
	return r
}

// Emit handles e asynchronously with no acknowledgement.
func (r *Router) Emit(ctx context.Context, e platform.Event) {
	r.Handle(ctx, e, nil)
}

// Handle processes e off the calling goroutine. d is finished exactly once
// however handling ends.
func (r *Router) Handle(ctx context.Context, e platform.Event, d Delivery) {
	var once sync.Once
	finish := func() {
		once.Do(func() {
			if d != nil {
				d.Finish()
			}
		})
	}
	ctx = context.WithoutCancel(ctx)
	task := func() {
		defer finish()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("router task panic", "session", e.SessionID.String(), "panic", p, "stack", string(debug.Stack()))
			}
		}()
		if err := r.Process(ctx, e); err != nil {
			level := slog.LevelError
			if errors.Is(err, session.ErrNotFound) {
				level = slog.LevelWarn
			}
			r.log.Log(ctx, level, "route event", "session", e.SessionID.String(), "status", e.Status.String(), "error", err)
		}
	}
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("router submit panic", "panic", p)
				finish()
			}
		}()
		r.runner.Go(task)
	}()
}

// Consume handles every envelope from in until it is closed or ctx ends.
func (r *Router) Consume(ctx context.Context, in <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, env.Event, env.Delivery)
		}
	}
}

// Process handles e synchronously. A missing session yields an error
// wrapping session.ErrNotFound and changes nothing. Any other failure
// while handling fails the session exceptionally.
func (r *Router) Process(ctx context.Context, e platform.Event) (err error) {
	start := time.Now()
	outcome := metrics.OutcomeHandled
	ctx, span := r.tracer.Start(ctx, "router.process", trace.WithAttributes(
		attribute.String("session.id", e.SessionID.String()),
		attribute.String("status", e.Status.String()),
		attribute.Bool("preapproval", e.Preapproval),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.RouterEvent(e.Status, e.Preapproval, outcome, time.Since(start))
	}()

	s, err := r.resolve(ctx, e.SessionID)
	if err != nil {
		outcome = metrics.OutcomeError
		if errors.Is(err, session.ErrNotFound) {
			outcome = metrics.OutcomeNotFound
		}
		return err
	}
	span.SetAttributes(attribute.String("session.operation", string(s.Operation())))

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("route event panic", "session", e.SessionID.String(), "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("router: handling %s panicked: %v", e.Status, p)
			s.CompleteExceptionally(err)
			outcome = metrics.OutcomeError
		}
	}()
	if err := r.dispatch(ctx, s, e); err != nil {
		outcome = metrics.OutcomeError
		s.CompleteExceptionally(err)
		return err
	}
	return nil
}

func (r *Router) resolve(ctx context.Context, id session.ID) (session.Completable, error) {
	var s session.Completable
	err := backoff.Retry(func() error {
		var err error
		s, err = r.sessions.Get(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(r.retry(), ctx))
	if err != nil {
		return nil, fmt.Errorf("router: resolve %s: %w", id, err)
	}
	return s, nil
}

func (r *Router) dispatch(ctx context.Context, s session.Completable, e platform.Event) error {
	switch {
	case e.Preapproval:
		l, ok := s.(preapproval.Listener)
		if !ok {
			r.log.Warn("preapproval event for a session without preapproval", "session", s.ID().String())
			return nil
		}
		if e.Status == session.StatusSuccess {
			l.OnPreapprovalSucceeded(ctx)
			return nil
		}
		l.OnPreapprovalFailed(ctx, e.Status, session.FailureFromStatus(s.Operation(), e.Status, e.Details()))
		return nil
	case e.Status == session.StatusPendingUserAction:
		return r.confirm(ctx, s, e)
	case e.Status == session.StatusSuccess:
		s.Complete(session.StateSucceeded)
		return nil
	}
	s.Complete(session.FailedWith(session.FailureFromStatus(s.Operation(), e.Status, e.Details())))
	return nil
}

func (r *Router) confirm(ctx context.Context, s session.Completable, e platform.Event) error {
	if s.State().IsTerminal() {
		r.log.Debug("confirmation for finished session dropped", "session", s.ID().String())
		return nil
	}
	if e.ConfirmationToken == "" {
		return ErrNoToken
	}
	if !e.RequireUserAction && r.recorder != nil {
		if err := r.recorder.SetConfirmationLaunched(ctx, s.ID()); err != nil {
			r.log.Warn("record confirmation launch", "session", s.ID().String(), "error", err)
		}
	}
	err := r.presenter.Present(ctx, confirm.Request{
		SessionID:    s.ID(),
		Operation:    s.Operation(),
		Confirmation: s.Confirmation(),
		Notification: s.Notification(),
		Name:         s.Name(),
		Token:        e.ConfirmationToken,
	})
	if err != nil {
		return fmt.Errorf("router: present confirmation: %w", err)
	}
	return nil
}
