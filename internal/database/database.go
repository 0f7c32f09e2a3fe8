package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the pipeline tables if needed. Having the migration
// in code keeps the services self-contained so docker-compose can bootstrap
// everything.
//
// ingest_files is the queue: the single source of truth for what needs
// processing. The partial unique index enforces at most one non-terminal
// row per (bucket, key); terminal rows accumulate as the audit trail.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS ingest_ledger (
	source_bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_bucket, object_key)
);
CREATE TABLE IF NOT EXISTS ingest_files (
	id BIGSERIAL PRIMARY KEY,
	source_bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INT NOT NULL DEFAULT 0,
	not_before TIMESTAMPTZ NOT NULL DEFAULT now(),
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	last_error TEXT,
	claimed_by TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ingest_files_live
	ON ingest_files (source_bucket, object_key)
	WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_ingest_files_claim
	ON ingest_files (status, not_before, enqueued_at);
CREATE TABLE IF NOT EXISTS dead_letters (
	id BIGSERIAL PRIMARY KEY,
	item_id BIGINT NOT NULL REFERENCES ingest_files(id),
	source_bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	attempts INT NOT NULL,
	error_msg TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	requeued_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS watermarks (
	stream_id TEXT PRIMARY KEY,
	high_watermark TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS bronze_transactions (
	id BIGSERIAL PRIMARY KEY,
	source_bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	device_id TEXT,
	recorded_at TIMESTAMPTZ,
	payload JSONB NOT NULL,
	loaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_bronze_object ON bronze_transactions (source_bucket, object_key);
CREATE TABLE IF NOT EXISTS silver_transactions (
	id BIGSERIAL PRIMARY KEY,
	source_bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	transaction_id TEXT,
	device_id TEXT,
	store_id TEXT,
	recorded_at TIMESTAMPTZ,
	amount NUMERIC(14,2),
	items INT,
	quality_flags TEXT[] NOT NULL DEFAULT '{}',
	loaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_silver_device_time ON silver_transactions (device_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_silver_object ON silver_transactions (source_bucket, object_key);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
