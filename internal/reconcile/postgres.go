package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists prior-entity records and entity counts in Postgres.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an existing pgx pool and ensures the tables exist.
func NewPostgresStore(ctx context.Context, db *pgxpool.Pool) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	s := &PostgresStore{db: db}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTables(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sync_entities (
  sync_id          text NOT NULL,
  entity_id        text NOT NULL,
  definition_id    text NOT NULL,
  last_hash        text NOT NULL,
  last_seen_job_id text NOT NULL,
  updated_at       timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (sync_id, entity_id)
);
CREATE INDEX IF NOT EXISTS sync_entities_job_idx ON sync_entities (sync_id, last_seen_job_id);
CREATE TABLE IF NOT EXISTS sync_entity_counts (
  sync_id       text NOT NULL,
  definition_id text NOT NULL,
  total         bigint NOT NULL DEFAULT 0,
  updated_at    timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (sync_id, definition_id)
);
`
	_, err := s.db.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, syncID, entityID string) (*Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT definition_id, last_hash, last_seen_job_id FROM sync_entities WHERE sync_id = $1 AND entity_id = $2`,
		syncID, entityID)
	rec := Record{SyncID: syncID, EntityID: entityID}
	if err := row.Scan(&rec.DefinitionID, &rec.Hash, &rec.LastSeenJobID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.db.Exec(ctx, `INSERT INTO sync_entities
 (sync_id, entity_id, definition_id, last_hash, last_seen_job_id)
 VALUES ($1,$2,$3,$4,$5)
 ON CONFLICT (sync_id, entity_id) DO UPDATE SET
   definition_id = EXCLUDED.definition_id,
   last_hash = EXCLUDED.last_hash,
   last_seen_job_id = EXCLUDED.last_seen_job_id,
   updated_at = now();`,
		rec.SyncID, rec.EntityID, rec.DefinitionID, rec.Hash, rec.LastSeenJobID)
	return err
}

func (s *PostgresStore) Touch(ctx context.Context, syncID, entityID, jobID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sync_entities SET last_seen_job_id = $3, updated_at = now() WHERE sync_id = $1 AND entity_id = $2`,
		syncID, entityID, jobID)
	return err
}

func (s *PostgresStore) ListStale(ctx context.Context, syncID, jobID string) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT entity_id, definition_id, last_hash, last_seen_job_id FROM sync_entities WHERE sync_id = $1 AND last_seen_job_id <> $2`,
		syncID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []Record
	for rows.Next() {
		rec := Record{SyncID: syncID}
		if err := rows.Scan(&rec.EntityID, &rec.DefinitionID, &rec.Hash, &rec.LastSeenJobID); err != nil {
			return nil, err
		}
		stale = append(stale, rec)
	}
	return stale, rows.Err()
}

func (s *PostgresStore) Remove(ctx context.Context, syncID, entityID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM sync_entities WHERE sync_id = $1 AND entity_id = $2`,
		syncID, entityID)
	return err
}

func (s *PostgresStore) SaveCounts(ctx context.Context, syncID string, counts map[string]int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sync_entity_counts WHERE sync_id = $1`, syncID); err != nil {
		return err
	}
	for defID, total := range counts {
		if _, err := tx.Exec(ctx, `INSERT INTO sync_entity_counts (sync_id, definition_id, total) VALUES ($1,$2,$3)`,
			syncID, defID, total); err != nil {
			return fmt.Errorf("save count for %s: %w", defID, err)
		}
	}
	return tx.Commit(ctx)
}
