package destination

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nucleus/sync-core/pkg/entity"
)

// PgVectorDestination writes entities into a Postgres + pgvector index.
// Embeddings are produced by the read-side pipeline; this adapter persists
// the content and keys the row so repeated upserts are idempotent.
type PgVectorDestination struct {
	db         *sql.DB
	collection string
	dimension  int
}

// NewPgVectorDestination connects to Postgres (with pgvector) for one
// logical collection.
func NewPgVectorDestination(dsn, collection string, dimension int) (*PgVectorDestination, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPgVectorDestinationFromDB(db, collection, dimension)
}

// NewPgVectorDestinationFromDB reuses an existing *sql.DB.
func NewPgVectorDestinationFromDB(db *sql.DB, collection string, dimension int) (*PgVectorDestination, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if collection == "" {
		return nil, errors.New("collection is required")
	}
	if dimension <= 0 {
		dimension = 1536
	}
	return &PgVectorDestination{db: db, collection: collection, dimension: dimension}, nil
}

func (d *PgVectorDestination) ID() string { return "vector.pgvector" }

func (d *PgVectorDestination) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	dim := spec.VectorSize
	if dim <= 0 {
		dim = d.dimension
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS sync_vector_entries (
  collection    text NOT NULL,
  sync_id       text NOT NULL,
  entity_id     text NOT NULL,
  definition_id text NOT NULL,
  source_name   text,
  labels        text[],
  content_text  text,
  payload       jsonb,
  breadcrumbs   jsonb,
  content_hash  text,
  embedding     vector(%d),
  created_at    timestamptz NOT NULL DEFAULT now(),
  updated_at    timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, sync_id, entity_id)
);
CREATE INDEX IF NOT EXISTS sync_vector_entries_def_idx ON sync_vector_entries (collection, sync_id, definition_id);
CREATE INDEX IF NOT EXISTS sync_vector_entries_payload_idx ON sync_vector_entries USING gin (payload);
`, dim)
	_, err := d.db.ExecContext(ctx, ddl)
	return err
}

func (d *PgVectorDestination) Upsert(ctx context.Context, key Key, e *entity.Entity) error {
	payload, _ := json.Marshal(e.Payload)
	crumbs, _ := json.Marshal(e.Breadcrumbs)
	labels := []string{e.DefinitionID}

	stmt := `
INSERT INTO sync_vector_entries
 (collection, sync_id, entity_id, definition_id, source_name, labels, content_text, payload, breadcrumbs, content_hash, updated_at)
 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
 ON CONFLICT (collection, sync_id, entity_id) DO UPDATE SET
   definition_id=EXCLUDED.definition_id,
   source_name=EXCLUDED.source_name,
   labels=EXCLUDED.labels,
   content_text=EXCLUDED.content_text,
   payload=EXCLUDED.payload,
   breadcrumbs=EXCLUDED.breadcrumbs,
   content_hash=EXCLUDED.content_hash,
   embedding=NULL,
   updated_at=now();
`
	_, err := d.db.ExecContext(ctx, stmt,
		d.collection, key.SyncID, key.EntityID, e.DefinitionID, e.SourceName,
		pq.Array(labels), contentText(e.Payload), payload, crumbs, e.Hash, time.Now().UTC(),
	)
	return err
}

func (d *PgVectorDestination) Delete(ctx context.Context, key Key) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM sync_vector_entries WHERE collection = $1 AND sync_id = $2 AND entity_id = $3`,
		d.collection, key.SyncID, key.EntityID)
	return err
}

func (d *PgVectorDestination) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// contentText flattens the textual payload fields into one searchable blob,
// preferring conventional content keys and falling back to all string values
// in key order.
func contentText(payload map[string]any) string {
	for _, key := range []string{"content", "text", "body"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, ok := payload[k].(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, payload[k].(string))
	}
	return strings.Join(parts, "\n")
}
