package reconcile

import (
	"context"
	"sync"
)

// Record is the durable per (sync, entity) trace used for reconciliation and
// the end-of-run sweep. Membership in the current run is tracked by job id,
// not stream position, so unordered and unbounded sources reconcile
// correctly.
type Record struct {
	SyncID        string
	EntityID      string
	DefinitionID  string
	Hash          string
	LastSeenJobID string
}

// Store persists prior-entity records and entity count aggregates.
type Store interface {
	// Get returns the record for (syncID, entityID), or nil if absent.
	Get(ctx context.Context, syncID, entityID string) (*Record, error)

	// Put inserts or overwrites the record.
	Put(ctx context.Context, rec *Record) error

	// Touch updates only the last-seen job id, leaving the hash untouched.
	Touch(ctx context.Context, syncID, entityID, jobID string) error

	// ListStale returns every record for syncID whose last-seen job id
	// differs from jobID: the delete candidates of the end-of-run sweep.
	ListStale(ctx context.Context, syncID, jobID string) ([]Record, error)

	// Remove tombstones the record after a DELETE disposition is applied.
	Remove(ctx context.Context, syncID, entityID string) error

	// SaveCounts overwrites the per-definition live entity totals for syncID.
	// Informational only; never consulted for reconciliation decisions.
	SaveCounts(ctx context.Context, syncID string, counts map[string]int64) error
}

// MemoryStore keeps records in process memory. Used in tests and dev wiring.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]map[string]Record // syncID -> entityID -> record
	counts  map[string]map[string]int64
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Record),
		counts:  make(map[string]map[string]int64),
	}
}

func (s *MemoryStore) Get(ctx context.Context, syncID, entityID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[syncID][entityID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[rec.SyncID] == nil {
		s.records[rec.SyncID] = make(map[string]Record)
	}
	s.records[rec.SyncID][rec.EntityID] = *rec
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, syncID, entityID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[syncID][entityID]
	if !ok {
		return nil
	}
	rec.LastSeenJobID = jobID
	s.records[syncID][entityID] = rec
	return nil
}

func (s *MemoryStore) ListStale(ctx context.Context, syncID, jobID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Record
	for _, rec := range s.records[syncID] {
		if rec.LastSeenJobID != jobID {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}

func (s *MemoryStore) Remove(ctx context.Context, syncID, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[syncID], entityID)
	return nil
}

func (s *MemoryStore) SaveCounts(ctx context.Context, syncID string, counts map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make(map[string]int64, len(counts))
	for k, v := range counts {
		clone[k] = v
	}
	s.counts[syncID] = clone
	return nil
}

// Counts returns the saved totals for syncID.
func (s *MemoryStore) Counts(syncID string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[syncID]
}

// Len returns the number of live records for syncID.
func (s *MemoryStore) Len(syncID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[syncID])
}
