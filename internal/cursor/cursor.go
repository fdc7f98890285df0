// Package cursor persists the opaque incremental-sync state blob for a sync
// configuration, with optional history archival to an object store.
package cursor

import (
	"context"
	"sync"

	"github.com/nucleus/sync-core/pkg/source"
)

// Store persists one cursor per sync, last-write-wins, no history retained
// in the primary record. The blob shape is owned by the source connector.
type Store interface {
	// Load returns the cursor for syncID, or nil if none was ever saved.
	Load(ctx context.Context, syncID string) (*source.Cursor, error)

	// Save overwrites the cursor for syncID.
	Save(ctx context.Context, syncID string, cur *source.Cursor) error
}

// MemoryStore keeps cursors in process memory. Used in tests and dev wiring.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]source.Cursor
	saves   int
}

// NewMemoryStore creates an empty in-memory cursor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]source.Cursor)}
}

func (s *MemoryStore) Load(ctx context.Context, syncID string) (*source.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[syncID]
	if !ok {
		return nil, nil
	}
	return &cur, nil
}

func (s *MemoryStore) Save(ctx context.Context, syncID string, cur *source.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur == nil {
		delete(s.cursors, syncID)
		return nil
	}
	s.cursors[syncID] = *cur
	s.saves++
	return nil
}

// Saves returns how many times a cursor was persisted.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
