package session

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// ProgressCore is a Core that also tracks progress. Progress writes share
// the state writer, so progress and state notifications keep the order in
// which they were submitted.
type ProgressCore struct {
	*Core

	progress     Progress
	durableProg  Progress
	progressSeq  uint64
	progListener *ListenerRegistry[ProgressListener]
}

// NewProgressCore builds a progress-tracking state machine starting at
// initial, or at the default progress when initial is invalid.
func NewProgressCore(cfg Config, initial Progress) *ProgressCore {
	if !initial.Valid() {
		initial = DefaultProgress()
	}
	return &ProgressCore{
		Core:         NewCore(cfg),
		progress:     initial,
		durableProg:  initial,
		progListener: NewListenerRegistry[ProgressListener](),
	}
}

// Progress returns the last recorded progress.
func (p *ProgressCore) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// SetProgress records a new progress value. Invalid or unchanged values and
// updates after a terminal state are dropped.
func (p *ProgressCore) SetProgress(v Progress) bool {
	if !v.Valid() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() || p.progress == v {
		return false
	}
	p.progress = v
	p.writer.Execute(func() { p.persistProgress(v) })
	return true
}

func (p *ProgressCore) persistProgress(v Progress) {
	err := backoff.Retry(func() error {
		return p.persister.UpdateProgress(context.Background(), p.id, v)
	}, p.retry())
	if err != nil {
		p.log.Error("persist progress", "progress", v.String(), "error", err)
		p.observer.PersistFailed(p.op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.durable.IsTerminal() {
		return
	}
	p.progressSeq++
	p.durableProg = v
	seq := p.progressSeq
	p.progListener.ForEach(func(r *Registration[ProgressListener]) {
		p.postProgressLocked(r, v, seq)
	})
}

// AddProgressListener registers l and replays the last persisted progress.
func (p *ProgressCore) AddProgressListener(l ProgressListener) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.progListener.Add(l)
	if r == nil {
		return DisposedSubscription()
	}
	p.postProgressLocked(r, p.durableProg, p.progressSeq)
	return p.progListener.Subscribe(r)
}

// RemoveProgressListener unregisters l.
func (p *ProgressCore) RemoveProgressListener(l ProgressListener) {
	p.progListener.Remove(l)
}

func (p *ProgressCore) postProgressLocked(r *Registration[ProgressListener], v Progress, seq uint64) {
	p.delivery.Execute(func() {
		if !p.progListener.IsValid(r) || !r.accept(seq) {
			return
		}
		p.notify(func() { r.Listener().OnProgressChanged(p.id, v) })
	})
}
