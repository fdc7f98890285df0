package destination

import (
	"context"
	"sync"

	"github.com/nucleus/sync-core/pkg/entity"
)

// MemoryDestination stores entities in a map. Used in tests and dev wiring.
type MemoryDestination struct {
	id string

	mu      sync.Mutex
	entries map[string]*entity.Entity
	upserts int
	deletes int

	// FailWrites, when non-nil, makes every Upsert/Delete return this error.
	// Used to exercise retry and required/optional escalation paths.
	FailWrites error
}

// NewMemoryDestination creates an in-memory destination with the given id.
func NewMemoryDestination(id string) *MemoryDestination {
	return &MemoryDestination{id: id, entries: make(map[string]*entity.Entity)}
}

func (d *MemoryDestination) ID() string { return d.id }

func (d *MemoryDestination) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	return nil
}

func (d *MemoryDestination) Upsert(ctx context.Context, key Key, e *entity.Entity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWrites != nil {
		return d.FailWrites
	}
	d.entries[key.String()] = e
	d.upserts++
	return nil
}

func (d *MemoryDestination) Delete(ctx context.Context, key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWrites != nil {
		return d.FailWrites
	}
	delete(d.entries, key.String())
	d.deletes++
	return nil
}

func (d *MemoryDestination) Close() error { return nil }

// Get returns the stored entity for key, if present.
func (d *MemoryDestination) Get(key Key) (*entity.Entity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key.String()]
	return e, ok
}

// Len returns the number of stored entities.
func (d *MemoryDestination) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Ops returns the upsert and delete call counts.
func (d *MemoryDestination) Ops() (upserts, deletes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upserts, d.deletes
}
