// Package plugin maps stable plugin identifiers to factories. A plugin
// decorates the platform service a session talks to, configured by the
// parameters stored with the session.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/zulandar/pkgyard/internal/platform"
)

// ErrUnknownPlugin is returned for identifiers with no registered factory.
var ErrUnknownPlugin = errors.New("plugin: unknown plugin")

// Plugin decorates a platform service.
type Plugin interface {
	Wrap(svc platform.Service) platform.Service
}

// Factory builds a plugin from its stored parameters.
type Factory func(params json.RawMessage, log *slog.Logger) (Plugin, error)

// Registry is resolved at startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	log       *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{factories: make(map[string]Factory), log: log}
}

// Builtins lists the plugins shipped with pkgyard.
func Builtins() map[string]Factory {
	return map[string]Factory{
		AuditID: newAudit,
	}
}

// FromConfig registers the enabled builtins. An unknown identifier is an
// error.
func FromConfig(enabled []string, log *slog.Logger) (*Registry, error) {
	r := NewRegistry(log)
	builtins := Builtins()
	for _, id := range enabled {
		f, ok := builtins[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
		}
		if err := r.Register(id, f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a factory under id.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return errors.New("plugin: id and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("plugin: %q already registered", id)
	}
	r.factories[id] = f
	return nil
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Check reports an error for any identifier in params that has no factory.
func (r *Registry) Check(params map[string]json.RawMessage) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for id := range params {
		if _, ok := r.factories[id]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownPlugin, id))
		}
	}
	return errors.Join(errs...)
}

// Apply wraps svc with every plugin named in params, in identifier order,
// so the first identifier ends up outermost.
func (r *Registry) Apply(svc platform.Service, params map[string]json.RawMessage) (platform.Service, error) {
	if len(params) == 0 {
		return svc, nil
	}
	ids := make([]string, 0, len(params))
	for id := range params {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		f, ok := r.factories[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
		}
		p, err := f(params[id], r.log.With("plugin", id))
		if err != nil {
			return nil, fmt.Errorf("plugin: build %q: %w", id, err)
		}
		svc = p.Wrap(svc)
	}
	return svc, nil
}
