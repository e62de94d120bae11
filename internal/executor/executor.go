// Package executor provides serial task queues multiplexed over one shared
// goroutine pool.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// DefaultPoolSize is used when New is given a non-positive size.
const DefaultPoolSize = 64

// Pool owns the process goroutine pool and the two process-wide serial
// executors: the store writer and the listener delivery queue.
type Pool struct {
	pool     *ants.Pool
	log      *slog.Logger
	writer   *Serial
	delivery *Serial
}

// New creates a pool of the given size.
func New(size int, log *slog.Logger) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if log == nil {
		log = slog.Default()
	}
	p, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			log.Error("pool task panic", "panic", r, "stack", string(debug.Stack()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("executor: new pool: %w", err)
	}
	e := &Pool{pool: p, log: log}
	e.writer = e.NewSerial("writer")
	e.delivery = e.NewSerial("delivery")
	return e, nil
}

// Writer returns the single-writer executor for durable writes.
func (p *Pool) Writer() *Serial { return p.writer }

// Delivery returns the executor listener callbacks run on.
func (p *Pool) Delivery() *Serial { return p.delivery }

// NewSerial returns a fresh serial executor backed by the pool.
func (p *Pool) NewSerial(name string) *Serial {
	return &Serial{name: name, pool: p, log: p.log}
}

// Go runs task on the pool, falling back to a plain goroutine when the
// pool is saturated or closed.
func (p *Pool) Go(task func()) {
	if err := p.pool.Submit(task); err != nil {
		go p.run("go", task)
	}
}

// Running reports the number of busy pool workers.
func (p *Pool) Running() int { return p.pool.Running() }

// Release drains the writer and delivery queues and stops the pool.
func (p *Pool) Release(ctx context.Context) error {
	if err := p.writer.Flush(ctx); err != nil {
		return err
	}
	if err := p.delivery.Flush(ctx); err != nil {
		return err
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("executor: release pool: %w", err)
	}
	return nil
}

func (p *Pool) run(name string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panic", "executor", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Serial runs submitted tasks one at a time in submission order. While it
// has work it occupies a single pool worker that drains the whole queue,
// so a busy serial never starves the pool of more than one slot.
type Serial struct {
	name string
	pool *Pool
	log  *slog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

// Execute enqueues task. It never blocks.
func (s *Serial) Execute(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	if err := s.pool.pool.Submit(s.drain); err != nil {
		go s.drain()
	}
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.pool.run(s.name, task)
	}
}

// Len returns the number of queued tasks not yet started.
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush waits until every task submitted before the call has run. It must
// not be called from a task running on s.
func (s *Serial) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.Execute(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: flush %s: %w", s.name, ctx.Err())
	}
}
