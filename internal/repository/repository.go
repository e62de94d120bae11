// Package repository creates sessions and keeps exactly one live instance
// per session ID.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/zulandar/pkgyard/internal/executor"
	"github.com/zulandar/pkgyard/internal/install"
	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/plugin"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/store"
	"github.com/zulandar/pkgyard/internal/uninstall"
)

// Options configure a Repository. Store, Service and Pool are required.
type Options struct {
	Store    *store.Store
	Service  platform.Service
	Pool     *executor.Pool
	Plugins  *plugin.Registry
	Logger   *slog.Logger
	Observer session.Observer
}

// Repository is the session factory and identity map.
type Repository struct {
	store   *store.Store
	svc     platform.Service
	pool    *executor.Pool
	plugins *plugin.Registry
	log     *slog.Logger
	obs     session.Observer

	sessions cmap.ConcurrentMap[string, session.Completable]
}

// New returns an empty repository.
func New(o Options) *Repository {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	plugins := o.Plugins
	if plugins == nil {
		plugins = plugin.NewRegistry(log)
	}
	return &Repository{
		store:    o.Store,
		svc:      o.Service,
		pool:     o.Pool,
		plugins:  plugins,
		log:      log,
		obs:      o.Observer,
		sessions: cmap.New[session.Completable](),
	}
}

// CreateInstall validates p and returns a new Pending install session. The
// initial rows are written on the writer executor ahead of any transition
// of the session.
func (r *Repository) CreateInstall(ctx context.Context, p install.Parameters) (*install.Session, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("repository: create install: %w", err)
	}
	svc, err := r.service(p.Plugins)
	if err != nil {
		return nil, fmt.Errorf("repository: create install: %w", err)
	}
	id := session.NewID()
	s := install.New(id, p, install.NewSnapshot(), r.installDeps(id, svc))
	r.sessions.Set(id.String(), s)
	r.write(ctx, "create install", id, func(ctx context.Context) error {
		return r.store.CreateInstall(ctx, id, p)
	})
	r.log.Debug("install session created", "session", id.String(), "uris", len(p.URIs))
	return s, nil
}

// CreateUninstall validates p and returns a new Pending uninstall session.
func (r *Repository) CreateUninstall(ctx context.Context, p uninstall.Parameters) (*uninstall.Session, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("repository: create uninstall: %w", err)
	}
	svc, err := r.service(p.Plugins)
	if err != nil {
		return nil, fmt.Errorf("repository: create uninstall: %w", err)
	}
	id := session.NewID()
	s := uninstall.New(id, p, session.StatePending, r.uninstallDeps(id, svc))
	r.sessions.Set(id.String(), s)
	r.write(ctx, "create uninstall", id, func(ctx context.Context) error {
		return r.store.CreateUninstall(ctx, id, p)
	})
	r.log.Debug("uninstall session created", "session", id.String(), "package", p.PackageName)
	return s, nil
}

// write runs fn on the writer executor. Errors are logged.
func (r *Repository) write(ctx context.Context, what string, id session.ID, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	r.pool.Writer().Execute(func() {
		if err := fn(ctx); err != nil {
			r.log.Error("repository: "+what, "session", id.String(), "error", err)
		}
	})
}

// Get returns the live session for id, restoring it from the store when it
// is not cached. A session restored in Active resumes its preparation.
func (r *Repository) Get(ctx context.Context, id session.ID) (session.Completable, error) {
	key := id.String()
	if s, ok := r.sessions.Get(key); ok {
		return s, nil
	}
	rec, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	built, err := r.build(rec)
	if err != nil {
		return nil, fmt.Errorf("repository: restore %s: %w", id, err)
	}
	s := r.sessions.Upsert(key, built, func(exist bool, cur, fresh session.Completable) session.Completable {
		if exist {
			return cur
		}
		return fresh
	})
	if s == built && rec.State.Kind == session.Active {
		r.log.Info("resuming session", "session", key, "op", string(rec.Operation))
		s.Resume()
	}
	return s, nil
}

func (r *Repository) build(rec *store.Record) (session.Completable, error) {
	switch rec.Operation {
	case session.Install:
		if rec.Install == nil {
			return nil, errors.New("install record without parameters")
		}
		svc, err := r.service(rec.Install.Plugins)
		if err != nil {
			return nil, err
		}
		snap := install.Snapshot{
			State:          rec.State,
			Progress:       session.DefaultProgress(),
			NativeID:       rec.NativeID,
			CommitAttempts: rec.CommitAttempts,
			Preapproval:    rec.Preapproval,
		}
		if rec.Progress != nil {
			snap.Progress = *rec.Progress
		}
		return install.New(rec.ID, *rec.Install, snap, r.installDeps(rec.ID, svc)), nil
	case session.Uninstall:
		if rec.Uninstall == nil {
			return nil, errors.New("uninstall record without parameters")
		}
		svc, err := r.service(rec.Uninstall.Plugins)
		if err != nil {
			return nil, err
		}
		return uninstall.New(rec.ID, *rec.Uninstall, rec.State, r.uninstallDeps(rec.ID, svc)), nil
	}
	return nil, fmt.Errorf("unknown operation %q", rec.Operation)
}

func (r *Repository) service(params map[string]json.RawMessage) (platform.Service, error) {
	return r.plugins.Apply(r.svc, params)
}

func (r *Repository) installDeps(id session.ID, svc platform.Service) install.Deps {
	return install.Deps{
		Store:     r.store,
		Service:   svc,
		Semaphore: r.store.WriteSemaphore(),
		Writer:    r.pool.Writer(),
		Delivery:  r.pool.Delivery(),
		Work:      r.pool.NewSerial("session " + id.String()),
		Logger:    r.log,
		Observer:  r.obs,
	}
}

func (r *Repository) uninstallDeps(id session.ID, svc platform.Service) uninstall.Deps {
	return uninstall.Deps{
		Store:    r.store,
		Service:  svc,
		Writer:   r.pool.Writer(),
		Delivery: r.pool.Delivery(),
		Work:     r.pool.NewSerial("session " + id.String()),
		Logger:   r.log,
		Observer: r.obs,
	}
}

// Restore loads every persisted session that was mid-preparation and
// resumes it. It returns how many sessions were resumed.
func (r *Repository) Restore(ctx context.Context) (int, error) {
	sums, err := r.store.List(ctx, store.Filter{States: []session.StateKind{session.Active}})
	if err != nil {
		return 0, fmt.Errorf("repository: restore: %w", err)
	}
	n := 0
	for _, sum := range sums {
		if _, err := r.Get(ctx, sum.ID); err != nil {
			r.log.Warn("restore session", "session", sum.ID.String(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// List returns persisted session summaries.
func (r *Repository) List(ctx context.Context, f store.Filter) ([]session.Summary, error) {
	return r.store.List(ctx, f)
}

// Count returns the number of cached sessions.
func (r *Repository) Count() int { return r.sessions.Count() }

// Evict drops the cached sessions whose rows were purged. Callers pass only
// ids whose terminal row is already deleted, so a session with a terminal
// write still queued is never reloaded from a stale row. It returns the
// number evicted.
func (r *Repository) Evict(ids []string) int {
	n := 0
	for _, key := range ids {
		if r.sessions.RemoveCb(key, func(_ string, cur session.Completable, exists bool) bool {
			return exists && cur.State().IsTerminal()
		}) {
			n++
		}
	}
	return n
}

// Close waits for every queued durable write.
func (r *Repository) Close(ctx context.Context) error {
	if err := r.pool.Writer().Flush(ctx); err != nil {
		return fmt.Errorf("repository: close: %w", err)
	}
	return nil
}
