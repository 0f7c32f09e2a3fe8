package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository owns the ingest_ledger table: the persistent record of
// every object the pipeline has ever been told about, used to drop
// re-delivered arrival notifications before they reach the queue.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository constructs a repository.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// RecordIfNew registers a first sighting of (bucket, key). The insert is a
// single atomic upsert with no side effects on conflict; the affected-row
// count tells the caller whether this object was seen before. Storage
// errors propagate unmodified.
func (r *LedgerRepository) RecordIfNew(ctx context.Context, bucket, key string, size int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_ledger (source_bucket, object_key, size_bytes)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_bucket, object_key) DO NOTHING
	`, bucket, key, size)
	if err != nil {
		return false, fmt.Errorf("record ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Touch updates the recorded size for an object that was overwritten.
func (r *LedgerRepository) Touch(ctx context.Context, bucket, key string, size int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_ledger (source_bucket, object_key, size_bytes)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_bucket, object_key) DO UPDATE SET size_bytes = EXCLUDED.size_bytes
	`, bucket, key, size)
	if err != nil {
		return fmt.Errorf("touch ledger entry: %w", err)
	}
	return nil
}
