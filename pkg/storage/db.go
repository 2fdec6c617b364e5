package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
)

// psql builds postgres-style ($1) statements
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DB wraps the postgres connection pool shared by the repositories
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB connects to postgres
func NewDB(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close releases the pool
func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS writing_requests (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  prompt TEXT NOT NULL,
  parameters JSONB NOT NULL,
  payment_transaction_id TEXT NOT NULL DEFAULT '',
  uploaded_file_urls JSONB NOT NULL DEFAULT '[]'::jsonb,
  error JSONB,
  result JSONB,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS writing_requests_user_created_idx ON writing_requests (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS writing_requests_status_idx ON writing_requests (status);

CREATE TABLE IF NOT EXISTS workflow_states (
  request_id TEXT PRIMARY KEY REFERENCES writing_requests(id) ON DELETE CASCADE,
  snapshot JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the tables used by the postgres stores
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
