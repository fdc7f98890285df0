package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nucleus/sync-core/pkg/source"
)

// History archives cursor snapshots to an object store before each
// overwrite, so an operator can roll a sync back to an earlier checkpoint.
// A nil History degrades gracefully: every method is a no-op.
type History struct {
	store  ObjectStore
	bucket string
	prefix string
}

// NewHistory creates a cursor history over the given object store.
func NewHistory(store ObjectStore, bucket, prefix string) *History {
	if bucket == "" {
		bucket = "sync-cursors"
	}
	if prefix == "" {
		prefix = "history"
	}
	return &History{store: store, bucket: bucket, prefix: prefix}
}

// Archive writes a snapshot of cur for syncID. Returns the object reference
// or empty string when history is disabled.
func (h *History) Archive(ctx context.Context, syncID string, cur *source.Cursor) (string, error) {
	if h == nil || h.store == nil || cur == nil {
		return "", nil
	}
	if err := h.store.EnsureBucket(ctx, h.bucket); err != nil {
		return "", err
	}
	snapshot, err := json.Marshal(cur)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	key := h.path(syncID, fmt.Sprintf("%d.snapshot.json", time.Now().UnixNano()))
	if err := h.store.PutObject(ctx, h.bucket, key, snapshot); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return fmt.Sprintf("minio://%s/%s", h.bucket, key), nil
}

// List returns archived snapshot keys for syncID, newest first.
func (h *History) List(ctx context.Context, syncID string) ([]string, error) {
	if h == nil || h.store == nil {
		return nil, nil
	}
	keys, err := h.store.ListPrefix(ctx, h.bucket, h.path(syncID, ""))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}

// Prune deletes snapshots older than retentionDays (if > 0).
func (h *History) Prune(ctx context.Context, syncID string, retentionDays int) error {
	if h == nil || h.store == nil || retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	keys, err := h.store.ListPrefix(ctx, h.bucket, h.path(syncID, ""))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, ".snapshot.json") {
			continue
		}
		base := k[strings.LastIndex(k, "/")+1:]
		tsStr := strings.TrimSuffix(base, ".snapshot.json")
		ns, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(0, ns).Before(cutoff) {
			_ = h.store.DeleteObject(ctx, h.bucket, k)
		}
	}
	return nil
}

func (h *History) path(syncID, file string) string {
	key := sanitizeKey(syncID)
	return strings.Trim(strings.Join([]string{h.prefix, key, file}, "/"), "/")
}

// sanitizeKey makes a sync id safe for object paths.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "::", "/")
	key = strings.ReplaceAll(key, " ", "_")
	return key
}
