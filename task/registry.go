package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vigilhq/vigil/codec"
)

// Handler executes one task attempt against encoded input and returns
// encoded output.
type Handler func(ctx context.Context, input []byte) ([]byte, error)

// Definition is a registered operation: its handler plus the retry policy
// and per-attempt timeout applied to every task running it.
type Definition struct {
	Name    string
	Policy  RetryPolicy
	Timeout time.Duration
	Handler Handler
}

// Registry maps operation names to definitions. Registration happens at
// startup; lookups are concurrent-safe.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	codec codec.Codec
}

// NewRegistry creates an operation registry using the given codec for
// typed input/output encoding.
func NewRegistry(c codec.Codec) *Registry {
	if c == nil {
		c = codec.Default()
	}
	return &Registry{
		defs:  make(map[string]*Definition),
		codec: c,
	}
}

// Codec returns the codec used for typed operation payloads.
func (r *Registry) Codec() codec.Codec {
	return r.codec
}

// Register adds a definition. Duplicate names are rejected so a misconfigured
// deployment fails at startup instead of silently shadowing an operation.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("task: definition requires a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("task: operation %q requires a handler", def.Name)
	}
	if def.Policy.MaxAttempts <= 0 {
		def.Policy = DefaultRetryPolicy()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("task: operation %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition for an operation name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// DefOption customizes a typed operation registration.
type DefOption func(*Definition)

// WithPolicy sets the retry policy for an operation.
func WithPolicy(p RetryPolicy) DefOption {
	return func(d *Definition) { d.Policy = p }
}

// WithTimeout sets the per-attempt timeout for an operation.
func WithTimeout(timeout time.Duration) DefOption {
	return func(d *Definition) { d.Timeout = timeout }
}

// Register adds a typed operation to the registry. The registry's codec
// handles decoding the input and encoding the output, so handlers work with
// their own types.
func Register[I, O any](r *Registry, name string, fn func(ctx context.Context, input I) (O, error), opts ...DefOption) error {
	def := &Definition{
		Name: name,
		Handler: func(ctx context.Context, raw []byte) ([]byte, error) {
			var input I
			if len(raw) > 0 {
				if err := r.codec.Unmarshal(raw, &input); err != nil {
					return nil, Terminal(fmt.Errorf("task: decode %q input: %w", name, err))
				}
			}
			output, err := fn(ctx, input)
			if err != nil {
				return nil, err
			}
			encoded, err := r.codec.Marshal(output)
			if err != nil {
				return nil, Terminal(fmt.Errorf("task: encode %q output: %w", name, err))
			}
			return encoded, nil
		},
	}
	for _, opt := range opts {
		opt(def)
	}
	return r.Register(def)
}
