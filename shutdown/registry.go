// Package shutdown coordinates graceful shutdown of the CLI and the proxy
// server: signal handling, in-flight job tracking and ordered cleanup.
package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Func is a cleanup handler. It should respect the context deadline and be
// safe to call once per process.
type Func func(ctx context.Context) error

type entry struct {
	name     string
	priority int
	fn       Func
}

// Registry holds cleanup handlers ordered by priority, lowest first.
//
// Typical priorities:
//   - 0-9: stop accepting work (HTTP server)
//   - 10-19: drain background writers
//   - 20-29: close databases
//   - 30+: file cleanup, log flush
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler. Registration after Run is ignored.
func (r *Registry) Register(name string, priority int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, priority: priority, fn: fn})
}

// Run calls every handler in priority order, even after failures, and
// returns the failures. Only the first call does anything.
func (r *Registry) Run(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sorted := r.sortedLocked()
	r.mu.Unlock()

	var errs []error
	for _, e := range sorted {
		if err := e.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errs
}

// Names returns handler names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sorted := r.sortedLocked()
	names := make([]string, len(sorted))
	for i, e := range sorted {
		names[i] = e.name
	}
	return names
}

func (r *Registry) sortedLocked() []entry {
	sorted := make([]entry, len(r.entries))
	copy(sorted, r.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})
	return sorted
}
