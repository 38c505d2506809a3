package compose

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const manifestSchema = `
CREATE TABLE IF NOT EXISTS weaver_manifest (
	record_index  INTEGER PRIMARY KEY,
	query         TEXT NOT NULL,
	asset_path    TEXT NOT NULL,
	output_path   TEXT NOT NULL,
	placeholder   BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const manifestUpsert = `
INSERT INTO weaver_manifest (record_index, query, asset_path, output_path, placeholder, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (record_index) DO UPDATE SET
	query = EXCLUDED.query,
	asset_path = EXCLUDED.asset_path,
	output_path = EXCLUDED.output_path,
	placeholder = EXCLUDED.placeholder,
	updated_at = now()`

// execer is the subset of *pgxpool.Pool the manifest needs
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresManifest decorates a Composer and records one row per composed record
type PostgresManifest struct {
	next Composer
	db   execer
	pool *pgxpool.Pool
}

// OpenPool connects to Postgres. viaBouncer switches to the simple protocol
// for transaction-pooling proxies.
func OpenPool(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// NewPostgresManifest creates the manifest table if needed and wraps next
func NewPostgresManifest(ctx context.Context, pool *pgxpool.Pool, next Composer) (*PostgresManifest, error) {
	m, err := newManifest(ctx, pool, next)
	if err != nil {
		return nil, err
	}
	m.pool = pool
	return m, nil
}

func newManifest(ctx context.Context, db execer, next Composer) (*PostgresManifest, error) {
	if next == nil {
		next = CopyComposer{}
	}
	if _, err := db.Exec(ctx, manifestSchema); err != nil {
		return nil, fmt.Errorf("create manifest table: %w", err)
	}
	return &PostgresManifest{next: next, db: db}, nil
}

// Compose runs the wrapped composer, then upserts the manifest row
func (m *PostgresManifest) Compose(ctx context.Context, job Job) error {
	if err := m.next.Compose(ctx, job); err != nil {
		return err
	}
	if _, err := m.db.Exec(ctx, manifestUpsert,
		job.Record.Index, job.Query, job.AssetPath, job.OutputPath, job.Placeholder); err != nil {
		return fmt.Errorf("manifest upsert for record %d: %w", job.Record.Index, err)
	}
	return nil
}

// Close releases the pool when the manifest owns one
func (m *PostgresManifest) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}
