package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scoutops/scout-ingest/internal/model"
)

// DeadLetterRepository owns the dead_letters table. Rows are inserted when
// an item exhausts its retry budget and marked requeued when an operator
// retries them; they are never deleted.
type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

// NewDeadLetterRepository constructs a repository.
func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

// Insert files a dead letter for the exhausted item.
func (r *DeadLetterRepository) Insert(ctx context.Context, item model.QueueItem, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters (item_id, source_bucket, object_key, size_bytes, attempts, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.SourceBucket, item.ObjectKey, item.SizeBytes, item.Attempts, errMsg)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// MarkRequeued stamps every open dead letter as requeued. Called together
// with QueueRepository.RequeueDead so the audit trail shows when the
// operator intervened.
func (r *DeadLetterRepository) MarkRequeued(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dead_letters SET requeued_at = now() WHERE requeued_at IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("mark dead letters requeued: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Recent returns the newest dead letters, most recent first.
func (r *DeadLetterRepository) Recent(ctx context.Context, limit int) ([]model.DeadLetterRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, item_id, source_bucket, object_key, size_bytes, attempts, error_msg, failed_at, requeued_at
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent dead letters: %w", err)
	}
	defer rows.Close()
	var records []model.DeadLetterRecord
	for rows.Next() {
		var rec model.DeadLetterRecord
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.SourceBucket, &rec.ObjectKey,
			&rec.SizeBytes, &rec.Attempts, &rec.ErrorMsg, &rec.FailedAt, &rec.RequeuedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return records, nil
}
