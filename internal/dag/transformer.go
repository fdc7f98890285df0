package dag

import (
	"context"
	"fmt"

	"github.com/nucleus/sync-core/pkg/entity"
)

// Transformer is one stage of a transform chain. A stage may be 1-to-1
// (annotate), 1-to-N (chunk/split), or 1-to-0 (filter); it must produce new
// entities rather than mutating its input.
type Transformer interface {
	Name() string
	Apply(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error)
}

// TransformerFactory creates a transformer from node configuration.
type TransformerFactory func(config map[string]any) (Transformer, error)

// TransformerRegistry maps short transformer names to factories. Built at
// startup and injected into the compiler; never global mutable state.
type TransformerRegistry struct {
	factories map[string]TransformerFactory
}

// NewTransformerRegistry creates an empty transformer registry.
func NewTransformerRegistry() *TransformerRegistry {
	return &TransformerRegistry{factories: make(map[string]TransformerFactory)}
}

// Register adds a factory under the given name.
// Panics if the name is already registered.
func (r *TransformerRegistry) Register(name string, factory TransformerFactory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("transformer already registered: %s", name))
	}
	r.factories[name] = factory
}

// Create instantiates the named transformer.
func (r *TransformerRegistry) Create(name string, config map[string]any) (Transformer, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown transformer: %s", name)
	}
	return factory(config)
}

// FuncTransformer adapts a function into a Transformer. Convenient for
// registration tables and tests.
type FuncTransformer struct {
	TransformerName string
	Fn              func(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error)
}

func (t *FuncTransformer) Name() string { return t.TransformerName }

func (t *FuncTransformer) Apply(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error) {
	return t.Fn(ctx, e)
}
