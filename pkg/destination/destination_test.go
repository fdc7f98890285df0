package destination

import (
	"context"
	"testing"

	"github.com/nucleus/sync-core/pkg/entity"
)

func TestMemoryDestination(t *testing.T) {
	ctx := context.Background()
	key := Key{SyncID: "sync-1", EntityID: "item-1"}
	ent := &entity.Entity{EntityID: "item-1", DefinitionID: "doc", Payload: map[string]any{"v": "1"}}

	t.Run("upsert is idempotent by key", func(t *testing.T) {
		dest := NewMemoryDestination("mem")
		if err := dest.Upsert(ctx, key, ent); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		updated := ent.WithPayload(map[string]any{"v": "2"})
		if err := dest.Upsert(ctx, key, updated); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		if dest.Len() != 1 {
			t.Fatalf("expected 1 entry after repeated upsert, got %d", dest.Len())
		}
		got, ok := dest.Get(key)
		if !ok || got.Payload["v"] != "2" {
			t.Fatalf("expected latest payload, got %+v", got)
		}
	})

	t.Run("delete of absent key is not an error", func(t *testing.T) {
		dest := NewMemoryDestination("mem")
		if err := dest.Delete(ctx, Key{SyncID: "sync-1", EntityID: "ghost"}); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	})
}

func TestRegistryDestinations(t *testing.T) {
	reg := NewRegistry()
	reg.Register("memory", func(config map[string]any) (Destination, error) {
		return NewMemoryDestination("mem"), nil
	})

	dest, err := reg.Create("memory", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if dest.ID() != "mem" {
		t.Fatalf("unexpected destination id: %s", dest.ID())
	}

	if _, err := reg.Create("missing", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestKeyString(t *testing.T) {
	k := Key{SyncID: "s1", EntityID: "e1"}
	if k.String() != "s1::e1" {
		t.Fatalf("unexpected key encoding: %s", k.String())
	}
}

func TestContentText(t *testing.T) {
	t.Run("prefers content field", func(t *testing.T) {
		got := contentText(map[string]any{"content": "body", "title": "t"})
		if got != "body" {
			t.Fatalf("unexpected content text: %q", got)
		}
	})
	t.Run("falls back to string fields sorted by key", func(t *testing.T) {
		got := contentText(map[string]any{"b": "two", "a": "one", "_meta": "x", "n": 3})
		if got != "one\ntwo" {
			t.Fatalf("unexpected content text: %q", got)
		}
	})
}
