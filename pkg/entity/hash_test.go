package entity

import (
	"testing"
	"time"
)

func testEntity(payload map[string]any) *Entity {
	return &Entity{
		SourceName:   "stub",
		EntityID:     "item-1",
		SyncID:       "sync-1",
		DefinitionID: "doc.page",
		Payload:      payload,
		ObservedAt:   time.Now(),
	}
}

func TestComputeHash(t *testing.T) {
	t.Run("stable across repeated calls", func(t *testing.T) {
		e := testEntity(map[string]any{"title": "hello", "body": "world", "n": 3})
		h1 := ComputeHash(e)
		h2 := ComputeHash(e)
		if h1 == "" {
			t.Fatal("expected non-empty hash")
		}
		if h1 != h2 {
			t.Fatalf("hash not stable: %s vs %s", h1, h2)
		}
	})

	t.Run("independent of observation time", func(t *testing.T) {
		a := testEntity(map[string]any{"title": "hello"})
		b := testEntity(map[string]any{"title": "hello"})
		b.ObservedAt = a.ObservedAt.Add(time.Hour)
		if ComputeHash(a) != ComputeHash(b) {
			t.Fatal("observation time leaked into hash")
		}
	})

	t.Run("excludes volatile underscore fields", func(t *testing.T) {
		a := testEntity(map[string]any{"title": "hello", "_processedAt": "2024-01-01"})
		b := testEntity(map[string]any{"title": "hello", "_processedAt": "2025-06-30"})
		if ComputeHash(a) != ComputeHash(b) {
			t.Fatal("volatile field changed the hash")
		}
	})

	t.Run("changes when a meaningful field changes", func(t *testing.T) {
		a := testEntity(map[string]any{"title": "hello"})
		b := testEntity(map[string]any{"title": "hello!"})
		if ComputeHash(a) == ComputeHash(b) {
			t.Fatal("expected different hashes for different content")
		}
	})

	t.Run("insensitive to map key order via nested maps", func(t *testing.T) {
		a := testEntity(map[string]any{"meta": map[string]any{"x": 1, "y": 2}, "z": []any{"a", "b"}})
		b := testEntity(map[string]any{"z": []any{"a", "b"}, "meta": map[string]any{"y": 2, "x": 1}})
		if ComputeHash(a) != ComputeHash(b) {
			t.Fatal("key order affected hash")
		}
	})

	t.Run("structural bytes inside values cannot collide", func(t *testing.T) {
		a := testEntity(map[string]any{"a": "1", "b": "2"})
		b := testEntity(map[string]any{"a": "1,b=2"})
		if ComputeHash(a) == ComputeHash(b) {
			t.Fatal("value containing separators forged another payload shape")
		}
	})

	t.Run("numbers and numeric strings stay distinct", func(t *testing.T) {
		a := testEntity(map[string]any{"n": 1})
		b := testEntity(map[string]any{"n": "1"})
		if ComputeHash(a) == ComputeHash(b) {
			t.Fatal("int and string with the same text collided")
		}
		c := testEntity(map[string]any{"ok": true})
		d := testEntity(map[string]any{"ok": "true"})
		if ComputeHash(c) == ComputeHash(d) {
			t.Fatal("bool and string with the same text collided")
		}
	})

	t.Run("keys containing separators cannot collide", func(t *testing.T) {
		a := testEntity(map[string]any{`a"=1,"b`: "x"})
		b := testEntity(map[string]any{"a": "1", "b": "x"})
		if ComputeHash(a) == ComputeHash(b) {
			t.Fatal("key containing separators forged another payload shape")
		}
	})

	t.Run("differs across definitions", func(t *testing.T) {
		a := testEntity(map[string]any{"title": "hello"})
		b := testEntity(map[string]any{"title": "hello"})
		b.DefinitionID = "doc.chunk"
		if ComputeHash(a) == ComputeHash(b) {
			t.Fatal("definition id not part of hash")
		}
	})
}

func TestDerive(t *testing.T) {
	parent := testEntity(map[string]any{"title": "parent"})
	child := parent.Derive("doc.chunk", "item-1:0", map[string]any{"text": "chunk"})

	if child.SyncID != parent.SyncID || child.SourceName != parent.SourceName {
		t.Fatal("derived entity lost source context")
	}
	if len(child.Breadcrumbs) != 1 {
		t.Fatalf("expected 1 breadcrumb, got %d", len(child.Breadcrumbs))
	}
	if child.Breadcrumbs[0].EntityID != "item-1" || child.Breadcrumbs[0].Kind != "doc.page" {
		t.Fatalf("unexpected breadcrumb: %+v", child.Breadcrumbs[0])
	}
	if child.Hash != "" {
		t.Fatal("derived entity must not inherit a hash")
	}
}
