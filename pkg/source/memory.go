package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nucleus/sync-core/pkg/entity"
)

// MemorySource serves a fixed set of entities. Used in tests and for dev
// wiring where no external system is available.
type MemorySource struct {
	name     string
	entities []*entity.Entity

	// FailAfter, when > 0, makes the iterator fail with Fail after that many
	// entities have been produced.
	FailAfter int
	Fail      error

	// Delay inserts a pause between entities to simulate a slow extraction.
	Delay time.Duration
}

// NewMemorySource creates a source named name over the given entities.
func NewMemorySource(name string, entities []*entity.Entity) *MemorySource {
	return &MemorySource{name: name, entities: entities}
}

func (s *MemorySource) Name() string { return s.name }

func (s *MemorySource) Extract(ctx context.Context, cursor *Cursor) (Iterator, error) {
	return &memoryIterator{src: s, ctx: ctx, start: time.Now()}, nil
}

func (s *MemorySource) Close() error { return nil }

type memoryIterator struct {
	src     *MemorySource
	ctx     context.Context
	index   int
	current *entity.Entity
	err     error
	start   time.Time
}

func (it *memoryIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.src.FailAfter > 0 && it.index >= it.src.FailAfter {
		it.err = it.src.Fail
		return false
	}
	if it.index >= len(it.src.entities) {
		return false
	}
	if it.src.Delay > 0 {
		select {
		case <-time.After(it.src.Delay):
		case <-it.ctx.Done():
			it.err = it.ctx.Err()
			return false
		}
	}
	it.current = it.src.entities[it.index]
	it.index++
	return true
}

func (it *memoryIterator) Value() *entity.Entity { return it.current }

func (it *memoryIterator) Err() error { return it.err }

func (it *memoryIterator) Close() error { return nil }

// Cursor reports the extraction position so resumed runs can skip replayed
// entities. The blob shape is owned by this source.
func (it *memoryIterator) Cursor() *Cursor {
	data, _ := json.Marshal(map[string]any{
		"offset":    it.index,
		"lastRunAt": it.start.UTC().Format(time.RFC3339),
	})
	return &Cursor{Name: "offset", Data: data}
}
