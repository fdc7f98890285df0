package cursor

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nucleus/sync-core/pkg/source"
)

// PostgresStore persists cursors in Postgres, one row per sync.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an existing pgx pool and ensures the table exists.
func NewPostgresStore(ctx context.Context, db *pgxpool.Pool) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sync_cursors (
  sync_id     text PRIMARY KEY,
  cursor_name text,
  cursor_data jsonb,
  updated_at  timestamptz NOT NULL DEFAULT now()
);`
	if _, err := db.Exec(ctx, ddl); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, syncID string) (*source.Cursor, error) {
	// Both columns are nullable; rows written before a source reported a
	// cursor name carry NULL there.
	row := s.db.QueryRow(ctx,
		`SELECT COALESCE(cursor_name, ''), COALESCE(cursor_data, 'null'::jsonb) FROM sync_cursors WHERE sync_id = $1`, syncID)
	var cur source.Cursor
	if err := row.Scan(&cur.Name, &cur.Data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cur, nil
}

func (s *PostgresStore) Save(ctx context.Context, syncID string, cur *source.Cursor) error {
	if cur == nil {
		_, err := s.db.Exec(ctx, `DELETE FROM sync_cursors WHERE sync_id = $1`, syncID)
		return err
	}
	_, err := s.db.Exec(ctx, `INSERT INTO sync_cursors (sync_id, cursor_name, cursor_data)
 VALUES ($1,$2,$3)
 ON CONFLICT (sync_id) DO UPDATE SET
   cursor_name = EXCLUDED.cursor_name,
   cursor_data = EXCLUDED.cursor_data,
   updated_at = now();`,
		syncID, cur.Name, cur.Data)
	return err
}
