// Package app wires the simulation components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// ErrDuplicateModule is returned when a module name is registered twice.
var ErrDuplicateModule = errors.New("module already registered")

// Module is a component with an explicit lifecycle.
type Module interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type entry struct {
	name   string
	module Module
}

// Registry starts modules in registration order and stops them in reverse.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	started int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds m under name.
func (r *Registry) Register(name string, m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
		}
	}
	r.entries = append(r.entries, entry{name: name, module: m})
	return nil
}

// Get looks a module up by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.name == name {
			return e.module, true
		}
	}
	return nil, false
}

// Names lists registered modules in start order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// StartAll starts every module. If one fails, the ones already started are
// stopped again and the start error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	entries := append([]entry(nil), r.entries...)
	r.mu.Unlock()

	for i, e := range entries {
		if err := e.module.Start(ctx); err != nil {
			startErr := fmt.Errorf("start %s: %w", e.name, err)
			return multierr.Append(startErr, stopReverse(ctx, entries[:i]))
		}
	}
	r.mu.Lock()
	r.started = len(entries)
	r.mu.Unlock()
	return nil
}

// StopAll stops started modules in reverse order and aggregates their errors.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	entries := append([]entry(nil), r.entries[:r.started]...)
	r.started = 0
	r.mu.Unlock()
	return stopReverse(ctx, entries)
}

func stopReverse(ctx context.Context, entries []entry) error {
	var err error
	for i := len(entries) - 1; i >= 0; i-- {
		if stopErr := entries[i].module.Stop(ctx); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", entries[i].name, stopErr))
		}
	}
	return err
}
