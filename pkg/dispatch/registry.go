package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered operations
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

// Register adds op. Names must be unique.
func (r *Registry) Register(op Operation) error {
	if op == nil || op.Name() == "" {
		return fmt.Errorf("operation must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Name()]; exists {
		return fmt.Errorf("operation %q already registered", op.Name())
	}
	r.ops[op.Name()] = op
	return nil
}

// MustRegister is Register for startup code; it panics on duplicates.
func (r *Registry) MustRegister(ops ...Operation) {
	for _, op := range ops {
		if err := r.Register(op); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initialize runs Initialize on every operation implementing Initializer,
// in name order, stopping at the first error.
func (r *Registry) Initialize(ctx context.Context) error {
	for _, name := range r.Names() {
		op, _ := r.Lookup(name)
		initer, ok := op.(Initializer)
		if !ok {
			continue
		}
		if err := initer.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
	}
	return nil
}
