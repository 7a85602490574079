// Package registry maps computation names to their implementations.
package registry

import (
	"sort"
	"sync"

	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/runner"
)

var _ runner.Resolver = (*Registry)(nil)

// Registry is a thread-safe computation registry
type Registry struct {
	mu           sync.RWMutex
	computations map[string]runner.Computation
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		computations: make(map[string]runner.Computation),
	}
}

// Register adds a computation under name, replacing any previous one
func (r *Registry) Register(name string, computation runner.Computation) error {
	if name == "" {
		return errors.ErrEmptyComputationName
	}

	if computation == nil {
		return errors.ErrNilComputation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.computations[name] = computation
	return nil
}

// Get retrieves a computation by name
func (r *Registry) Get(name string) (runner.Computation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	computation, ok := r.computations[name]
	return computation, ok
}

// List returns all registered names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.computations))
	for name := range r.computations {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Remove unregisters a computation
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.computations[name]; !ok {
		return errors.ErrComputationNotFound
	}
	delete(r.computations, name)
	return nil
}

// Clear removes all registered computations
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.computations = make(map[string]runner.Computation)
}
