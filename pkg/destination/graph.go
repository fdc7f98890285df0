package destination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nucleus/sync-core/pkg/entity"
)

// GraphDestination writes entities as nodes in a Postgres-backed graph store,
// materializing the breadcrumb trail as parent edges.
type GraphDestination struct {
	db         *pgxpool.Pool
	collection string
}

// NewGraphDestination wraps an existing pgx pool for one logical collection.
func NewGraphDestination(db *pgxpool.Pool, collection string) (*GraphDestination, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if collection == "" {
		return nil, errors.New("collection is required")
	}
	return &GraphDestination{db: db, collection: collection}, nil
}

func (d *GraphDestination) ID() string { return "graph.postgres" }

func (d *GraphDestination) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sync_graph_nodes (
  id            text PRIMARY KEY,
  collection    text NOT NULL,
  sync_id       text NOT NULL,
  entity_id     text NOT NULL,
  entity_type   text NOT NULL,
  source_name   text,
  properties    jsonb,
  content_hash  text,
  version       integer NOT NULL DEFAULT 1,
  created_at    timestamptz NOT NULL DEFAULT now(),
  updated_at    timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sync_graph_nodes_sync_idx ON sync_graph_nodes (collection, sync_id);
CREATE TABLE IF NOT EXISTS sync_graph_edges (
  id            text PRIMARY KEY,
  collection    text NOT NULL,
  sync_id       text NOT NULL,
  from_id       text NOT NULL,
  to_id         text NOT NULL,
  edge_type     text NOT NULL,
  created_at    timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sync_graph_edges_from_idx ON sync_graph_edges (collection, from_id);
`
	_, err := d.db.Exec(ctx, ddl)
	return err
}

func (d *GraphDestination) Upsert(ctx context.Context, key Key, e *entity.Entity) error {
	if key.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	props, _ := json.Marshal(e.Payload)

	stmt := `INSERT INTO sync_graph_nodes
 (id, collection, sync_id, entity_id, entity_type, source_name, properties, content_hash)
 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
 ON CONFLICT (id) DO UPDATE SET
   entity_type = EXCLUDED.entity_type,
   source_name = EXCLUDED.source_name,
   properties = EXCLUDED.properties,
   content_hash = EXCLUDED.content_hash,
   version = sync_graph_nodes.version + 1,
   updated_at = now();`
	if _, err := d.db.Exec(ctx, stmt,
		key.String(), d.collection, key.SyncID, key.EntityID,
		e.DefinitionID, e.SourceName, props, e.Hash,
	); err != nil {
		return err
	}

	// Rewrite the parent edge from the nearest breadcrumb ancestor.
	if n := len(e.Breadcrumbs); n > 0 {
		parent := Key{SyncID: key.SyncID, EntityID: e.Breadcrumbs[n-1].EntityID}
		edgeID := parent.String() + "->" + key.String()
		edgeStmt := `INSERT INTO sync_graph_edges
 (id, collection, sync_id, from_id, to_id, edge_type)
 VALUES ($1,$2,$3,$4,$5,'parent')
 ON CONFLICT (id) DO NOTHING;`
		if _, err := d.db.Exec(ctx, edgeStmt,
			edgeID, d.collection, key.SyncID, parent.String(), key.String(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (d *GraphDestination) Delete(ctx context.Context, key Key) error {
	id := key.String()
	if _, err := d.db.Exec(ctx,
		`DELETE FROM sync_graph_edges WHERE collection = $1 AND (from_id = $2 OR to_id = $2)`,
		d.collection, id); err != nil {
		return err
	}
	_, err := d.db.Exec(ctx,
		`DELETE FROM sync_graph_nodes WHERE collection = $1 AND id = $2`,
		d.collection, id)
	return err
}

func (d *GraphDestination) Close() error {
	d.db.Close()
	return nil
}
