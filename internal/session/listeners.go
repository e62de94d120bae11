package session

import (
	"sync"
	"sync/atomic"
	"weak"
)

// Registration is one listener's entry in a ListenerRegistry.
//
// lastSeq and delivered are owned by the delivery executor and must only be
// touched from tasks running on it.
type Registration[L comparable] struct {
	listener L
	active   atomic.Bool

	lastSeq   uint64
	delivered bool
}

// Listener returns the registered listener.
func (r *Registration[L]) Listener() L { return r.listener }

// Active reports whether the registration has not been removed.
func (r *Registration[L]) Active() bool { return r.active.Load() }

// accept records seq as delivered and reports whether it is newer than
// anything delivered before.
func (r *Registration[L]) accept(seq uint64) bool {
	if r.delivered && seq <= r.lastSeq {
		return false
	}
	r.delivered = true
	r.lastSeq = seq
	return true
}

// ListenerRegistry is a concurrent set of listeners keyed by identity.
// L must have a comparable dynamic type; pointer listeners are the norm.
type ListenerRegistry[L comparable] struct {
	mu    sync.Mutex
	regs  map[L]*Registration[L]
	order []*Registration[L]
}

// NewListenerRegistry returns an empty registry.
func NewListenerRegistry[L comparable]() *ListenerRegistry[L] {
	return &ListenerRegistry[L]{regs: make(map[L]*Registration[L])}
}

// Add registers l. It returns nil when l is already registered.
func (lr *ListenerRegistry[L]) Add(l L) *Registration[L] {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if _, ok := lr.regs[l]; ok {
		return nil
	}
	r := &Registration[L]{listener: l}
	r.active.Store(true)
	lr.regs[l] = r
	lr.order = append(lr.order, r)
	return r
}

// Remove unregisters l and deactivates its registration.
func (lr *ListenerRegistry[L]) Remove(l L) bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	r, ok := lr.regs[l]
	if !ok {
		return false
	}
	lr.removeLocked(r)
	return true
}

// RemoveRegistration unregisters r only if it is still the current entry for
// its listener. A stale registration from an earlier Add is left alone.
func (lr *ListenerRegistry[L]) RemoveRegistration(r *Registration[L]) bool {
	if r == nil {
		return false
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.regs[r.listener] != r {
		return false
	}
	lr.removeLocked(r)
	return true
}

func (lr *ListenerRegistry[L]) removeLocked(r *Registration[L]) {
	r.active.Store(false)
	delete(lr.regs, r.listener)
	for i, o := range lr.order {
		if o == r {
			lr.order = append(lr.order[:i], lr.order[i+1:]...)
			break
		}
	}
}

// IsValid reports whether r is active and still registered.
func (lr *ListenerRegistry[L]) IsValid(r *Registration[L]) bool {
	if r == nil || !r.active.Load() {
		return false
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.regs[r.listener] == r
}

// ForEach calls fn for every registration in a snapshot taken under the lock.
// fn must not call back into the registry.
func (lr *ListenerRegistry[L]) ForEach(fn func(*Registration[L])) {
	lr.mu.Lock()
	snapshot := make([]*Registration[L], len(lr.order))
	copy(snapshot, lr.order)
	lr.mu.Unlock()
	for _, r := range snapshot {
		if r.active.Load() {
			fn(r)
		}
	}
}

// Len returns the number of registered listeners.
func (lr *ListenerRegistry[L]) Len() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return len(lr.regs)
}

// Subscribe returns a Subscription that removes r when disposed. It holds
// only weak references, so it never keeps the registry or listener alive.
func (lr *ListenerRegistry[L]) Subscribe(r *Registration[L]) Subscription {
	return &weakSubscription[L]{
		registry: weak.Make(lr),
		reg:      weak.Make(r),
	}
}

// Subscription detaches a listener.
type Subscription interface {
	Dispose()
	IsDisposed() bool
}

type weakSubscription[L comparable] struct {
	registry weak.Pointer[ListenerRegistry[L]]
	reg      weak.Pointer[Registration[L]]
	disposed atomic.Bool
}

func (s *weakSubscription[L]) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	lr, r := s.registry.Value(), s.reg.Value()
	if lr != nil && r != nil {
		lr.RemoveRegistration(r)
	}
}

func (s *weakSubscription[L]) IsDisposed() bool { return s.disposed.Load() }

type disposedSubscription struct{}

func (disposedSubscription) Dispose()         {}
func (disposedSubscription) IsDisposed() bool { return true }

// DisposedSubscription returns a subscription that is already disposed.
func DisposedSubscription() Subscription { return disposedSubscription{} }
