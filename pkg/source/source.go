// Package source defines the streaming-extraction contract a connector must
// implement to feed the sync engine, plus the factory registry used to
// construct sources from configuration.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nucleus/sync-core/pkg/engine"
	"github.com/nucleus/sync-core/pkg/entity"
)

// Cursor is the opaque incremental-sync checkpoint owned by the source
// connector. The engine persists it as-is and never inspects the blob.
type Cursor struct {
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Iterator provides streaming access to extracted entities.
type Iterator interface {
	// Next advances to the next entity. Returns false when done or on error.
	Next() bool

	// Value returns the current entity. Only valid after Next() returns true.
	Value() *entity.Entity

	// Err returns any error encountered during iteration.
	Err() error

	// Close releases resources. Must be called when done.
	Close() error
}

// CursorReporter is implemented by iterators that track extraction position.
// The orchestrator saves the reported cursor at checkpoints and run end.
type CursorReporter interface {
	Cursor() *Cursor
}

// Source streams entities out of one external system.
type Source interface {
	// Name identifies the source for entity attribution.
	Name() string

	// Extract begins a lazy extraction seeded with the given cursor. The
	// sequence is finite for full syncs and may be unbounded for continuous
	// ones. Extraction is restartable only via a fresh cursor, not mid-stream.
	Extract(ctx context.Context, cursor *Cursor) (Iterator, error)

	Close() error
}

// NewAuthExpiredError marks a source failure as expired credentials, distinct
// from transient I/O errors, so the job fails with an actionable reason
// instead of retrying indefinitely.
func NewAuthExpiredError(err error) error {
	return engine.Coded(engine.CodeAuthExpired, false, err)
}

// IsAuthExpired reports whether err is an authentication-expired failure.
func IsAuthExpired(err error) bool {
	return engine.IsCode(err, engine.CodeAuthExpired)
}

// Factory creates a source instance from configuration.
type Factory func(config map[string]any) (Source, error)

// Registry holds source factories indexed by template ID. It replaces any
// implicit decorator-style discovery: factories are registered explicitly at
// startup and injected where sources are built.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given template ID.
// Panics if the template ID is already registered.
func (r *Registry) Register(templateID string, factory Factory) {
	if _, exists := r.factories[templateID]; exists {
		panic(fmt.Sprintf("source factory already registered: %s", templateID))
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

// Create instantiates a source from the given template ID and config.
func (r *Registry) Create(templateID string, config map[string]any) (Source, error) {
	factory, ok := r.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("unknown source template: %s", templateID)
	}
	return factory(config)
}
