package uninstall

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zulandar/pkgyard/internal/platform"
	"github.com/zulandar/pkgyard/internal/session"
)

// Deps are the collaborators shared by every uninstall session.
type Deps struct {
	Store    session.Persister
	Service  platform.Service
	Writer   session.Executor
	Delivery session.Executor
	Work     session.Executor
	Logger   *slog.Logger
	Observer session.Observer
}

// Session is an uninstall session. There is nothing to stage, so it is
// ready for commit as soon as it is launched.
type Session struct {
	*session.Core
	params Parameters
	svc    platform.Service
}

// New builds an uninstall session in state st.
func New(id session.ID, p Parameters, st session.State, d Deps) *Session {
	p = p.WithDefaults()
	s := &Session{params: p, svc: d.Service}
	s.Core = session.NewCore(session.Config{
		ID:           id,
		Operation:    session.Uninstall,
		Initial:      st,
		Confirmation: p.Confirmation,
		Notification: p.Notification,
		Name:         p.Name,
		Persister:    d.Store,
		Writer:       d.Writer,
		Delivery:     d.Delivery,
		Work:         d.Work,
		Logger:       d.Logger,
		Observer:     d.Observer,
	})
	s.Bind(hooks{s})
	return s
}

// Parameters returns the parameters the session was created with.
func (s *Session) Parameters() Parameters { return s.params }

type hooks struct{ s *Session }

func (h hooks) Prepare(context.Context) error {
	h.s.NotifyAwaiting()
	return nil
}

func (h hooks) Commit(ctx context.Context) error {
	if err := h.s.svc.Uninstall(ctx, h.s.ID(), h.s.params.PackageName); err != nil {
		return fmt.Errorf("uninstall: %s: %w", h.s.params.PackageName, err)
	}
	return nil
}

// Abort has nothing to release: the platform holds no state for an
// uninstall until it is committed.
func (h hooks) Abort(context.Context) {}
