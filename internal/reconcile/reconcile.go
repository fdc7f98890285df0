// Package reconcile classifies each synced entity against previously synced
// state and enumerates end-of-run delete candidates.
package reconcile

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/nucleus/sync-core/pkg/entity"
)

// Disposition is the reconciliation outcome for one entity.
type Disposition string

const (
	Insert Disposition = "INSERT"
	Update Disposition = "UPDATE"
	Keep   Disposition = "KEEP"
	Skip   Disposition = "SKIP"
	Delete Disposition = "DELETE"
)

const lockShards = 64

// Engine computes dispositions for one job. Safe for concurrent use by the
// worker pool: writes for the same entity id are serialized by a sharded
// keyed lock, so a source that emits duplicate ids in-flight stays correct.
type Engine struct {
	store  Store
	syncID string
	jobID  string
	locks  [lockShards]sync.Mutex
}

// NewEngine creates a reconciliation engine scoped to one (sync, job).
func NewEngine(store Store, syncID, jobID string) *Engine {
	return &Engine{store: store, syncID: syncID, jobID: jobID}
}

func (e *Engine) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &e.locks[h.Sum32()%lockShards]
}

// Classify returns the disposition for a terminal entity whose Hash is
// already computed, updating the prior-entity record so the entity survives
// the end-of-run sweep.
func (e *Engine) Classify(ctx context.Context, ent *entity.Entity) (Disposition, error) {
	if ent.Hash == "" {
		return Skip, fmt.Errorf("entity %s has no content hash", ent.EntityID)
	}

	mu := e.lockFor(ent.EntityID)
	mu.Lock()
	defer mu.Unlock()

	prior, err := e.store.Get(ctx, e.syncID, ent.EntityID)
	if err != nil {
		return Skip, fmt.Errorf("load prior record for %s: %w", ent.EntityID, err)
	}

	switch {
	case prior == nil:
		rec := &Record{
			SyncID:        e.syncID,
			EntityID:      ent.EntityID,
			DefinitionID:  ent.DefinitionID,
			Hash:          ent.Hash,
			LastSeenJobID: e.jobID,
		}
		if err := e.store.Put(ctx, rec); err != nil {
			return Skip, fmt.Errorf("record insert for %s: %w", ent.EntityID, err)
		}
		return Insert, nil

	case prior.Hash == ent.Hash:
		// Content unchanged; touch the record so the sweep keeps it.
		if err := e.store.Touch(ctx, e.syncID, ent.EntityID, e.jobID); err != nil {
			return Skip, fmt.Errorf("record touch for %s: %w", ent.EntityID, err)
		}
		return Keep, nil

	default:
		rec := &Record{
			SyncID:        e.syncID,
			EntityID:      ent.EntityID,
			DefinitionID:  ent.DefinitionID,
			Hash:          ent.Hash,
			LastSeenJobID: e.jobID,
		}
		if err := e.store.Put(ctx, rec); err != nil {
			return Skip, fmt.Errorf("record update for %s: %w", ent.EntityID, err)
		}
		return Update, nil
	}
}

// Sweep enumerates every record not touched by this job, calls emit for
// each, and removes the record once emit succeeds. Realizes full-sync
// semantics: anything the source no longer produces is deleted.
func (e *Engine) Sweep(ctx context.Context, emit func(ctx context.Context, rec Record) error) (int, error) {
	stale, err := e.store.ListStale(ctx, e.syncID, e.jobID)
	if err != nil {
		return 0, fmt.Errorf("list stale records: %w", err)
	}

	deleted := 0
	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := emit(ctx, rec); err != nil {
			return deleted, fmt.Errorf("sweep delete %s: %w", rec.EntityID, err)
		}
		if err := e.store.Remove(ctx, e.syncID, rec.EntityID); err != nil {
			return deleted, fmt.Errorf("remove record %s: %w", rec.EntityID, err)
		}
		deleted++
	}
	return deleted, nil
}
