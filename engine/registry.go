package engine

import (
	"fmt"
	"sync"
)

// Runner executes orchestration logic for one workflow kind. It is re-run
// from the top on every advance and must be deterministic.
type Runner func(wf *Context) error

// Definition binds a workflow kind to its runner.
type Definition struct {
	Kind   string
	Runner Runner
}

// Registry maps workflow kinds to definitions. Registration happens at
// startup; lookups are concurrent-safe.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a workflow definition. Duplicate kinds are rejected.
func (r *Registry) Register(kind string, runner Runner) error {
	if kind == "" {
		return fmt.Errorf("engine: workflow kind is required")
	}
	if runner == nil {
		return fmt.Errorf("engine: workflow %q requires a runner", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[kind]; exists {
		return fmt.Errorf("engine: workflow %q already registered", kind)
	}
	r.defs[kind] = &Definition{Kind: kind, Runner: runner}
	return nil
}

// Lookup returns the definition for a workflow kind.
func (r *Registry) Lookup(kind string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[kind]
	return def, ok
}

// Define registers a workflow whose instance input is decoded into a typed
// value before the function runs.
func Define[I any](r *Registry, kind string, fn func(wf *Context, input I) error) error {
	return r.Register(kind, func(wf *Context) error {
		var input I
		if err := wf.DecodeInput(&input); err != nil {
			return err
		}
		return fn(wf, input)
	})
}
