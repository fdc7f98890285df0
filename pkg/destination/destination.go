// Package destination defines the abstract upsert/delete contract for sync
// destinations (vector indices, graph stores) and the adapters shipped with
// the engine.
package destination

import (
	"context"
	"fmt"

	"github.com/nucleus/sync-core/pkg/entity"
)

// Key identifies an entity within a destination. Adapters derive their native
// key from it; repeated upsert/delete with the same key must be idempotent.
type Key struct {
	SyncID   string
	EntityID string
}

func (k Key) String() string {
	return k.SyncID + "::" + k.EntityID
}

// CollectionSpec describes the logical collection a handle writes into.
type CollectionSpec struct {
	Name string

	// VectorSize applies to vector-index destinations; ignored elsewhere.
	VectorSize int
}

// Destination is a runtime binding to one concrete backend, scoped to one
// logical collection. Stateless beyond connection info; safe for concurrent
// use by workers within a job.
type Destination interface {
	// ID identifies the destination adapter for logs and counters.
	ID() string

	// EnsureCollection provisions the logical collection if missing.
	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	// Upsert writes the entity keyed by key, replacing any previous content.
	Upsert(ctx context.Context, key Key, e *entity.Entity) error

	// Delete removes the entity keyed by key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key Key) error

	Close() error
}

// Handle binds a destination to a sync, carrying the per-sync policy the
// fan-out writer needs.
type Handle struct {
	Dest       Destination
	Collection CollectionSpec

	// Required escalates exhausted write retries to a fatal job error.
	// Optional destinations fail soft: logged and counted only.
	Required bool
}

// Factory creates a destination instance from configuration.
type Factory func(config map[string]any) (Destination, error)

// Registry holds destination factories indexed by template ID.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty destination registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given template ID.
// Panics if the template ID is already registered.
func (r *Registry) Register(templateID string, factory Factory) {
	if _, exists := r.factories[templateID]; exists {
		panic(fmt.Sprintf("destination factory already registered: %s", templateID))
	}
	r.factories[templateID] = factory
}

// Get returns the factory for the given template ID.
func (r *Registry) Get(templateID string) (Factory, bool) {
	factory, ok := r.factories[templateID]
	return factory, ok
}

// List returns all registered template IDs.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}

// Create instantiates a destination from the given template ID and config.
func (r *Registry) Create(templateID string, config map[string]any) (Destination, error) {
	factory, ok := r.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("unknown destination template: %s", templateID)
	}
	return factory(config)
}
