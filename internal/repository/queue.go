// Package repository wraps all SQL used by the ingestion pipeline. The
// queue table's atomic conditional updates are the only concurrency
// primitive: no in-process lock or external lock service is involved.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scoutops/scout-ingest/internal/model"
)

// QueueRepository owns the ingest_files table.
type QueueRepository struct {
	pool *pgxpool.Pool
}

// NewQueueRepository constructs a repository.
func NewQueueRepository(pool *pgxpool.Pool) *QueueRepository {
	return &QueueRepository{pool: pool}
}

const itemColumns = `id, source_bucket, object_key, size_bytes, status, attempts,
	not_before, enqueued_at, started_at, finished_at, last_error, claimed_by`

func scanItem(row pgx.Row) (*model.QueueItem, error) {
	var item model.QueueItem
	err := row.Scan(&item.ID, &item.SourceBucket, &item.ObjectKey, &item.SizeBytes,
		&item.Status, &item.Attempts, &item.NotBefore, &item.EnqueuedAt,
		&item.StartedAt, &item.FinishedAt, &item.LastError, &item.ClaimedBy)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// InsertQueued creates a fresh queued row for the object. The partial
// unique index over non-terminal rows makes this a no-op when a live row
// already exists, so enqueuing N times yields exactly one live item.
// Returns true when a row was actually inserted.
func (r *QueueRepository) InsertQueued(ctx context.Context, bucket, key string, size int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_files (source_bucket, object_key, size_bytes, status, attempts)
		VALUES ($1, $2, $3, 'queued', 0)
		ON CONFLICT (source_bucket, object_key) WHERE status IN ('queued', 'running') DO NOTHING
	`, bucket, key, size)
	if err != nil {
		return false, fmt.Errorf("insert queued item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasAny reports whether any row, live or terminal, exists for the
// object. The enqueuer uses it to tell a genuine duplicate notification
// from a ledger entry whose queue insert never happened (a crash between
// the two statements), so the latter can be healed instead of dropped.
func (r *QueueRepository) HasAny(ctx context.Context, bucket, key string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ingest_files
			WHERE source_bucket = $1 AND object_key = $2
		)
	`, bucket, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check item presence: %w", err)
	}
	return exists, nil
}

// ClaimBatch atomically claims up to limit queued items whose backoff
// window has passed, marking them running and counting the attempt. SKIP
// LOCKED keeps concurrent dispatch cycles from double-claiming: each row
// goes to exactly one claimer.
func (r *QueueRepository) ClaimBatch(ctx context.Context, claimedBy string, limit int) ([]model.QueueItem, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE ingest_files
		SET status = 'running',
		    attempts = attempts + 1,
		    started_at = now(),
		    claimed_by = $1
		WHERE id IN (
			SELECT id FROM ingest_files
			WHERE status = 'queued' AND not_before <= now()
			ORDER BY enqueued_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns, claimedBy, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()
	var items []model.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	return items, nil
}

// MarkDone records a successful run. Conditional on running so a reclaimed
// item finished by a stale worker cannot clobber newer state.
func (r *QueueRepository) MarkDone(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ingest_files
		SET status = 'done', finished_at = now(), last_error = NULL, claimed_by = NULL
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkFailedRetry puts a failed item back in the queue with a backoff
// window. Attempts were already counted at claim time.
func (r *QueueRepository) MarkFailedRetry(ctx context.Context, id int64, errMsg string, notBefore time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ingest_files
		SET status = 'queued', last_error = $2, not_before = $3, claimed_by = NULL
		WHERE id = $1 AND status = 'running'
	`, id, errMsg, notBefore)
	if err != nil {
		return fmt.Errorf("mark failed for retry: %w", err)
	}
	return nil
}

// MarkDead parks an item that exhausted its retry budget.
func (r *QueueRepository) MarkDead(ctx context.Context, id int64, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ingest_files
		SET status = 'dead', finished_at = now(), last_error = $2, claimed_by = NULL
		WHERE id = $1 AND status = 'running'
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark dead: %w", err)
	}
	return nil
}

// ReclaimStale releases items whose lease expired, typically because a
// worker crashed mid-item. The attempt was counted at claim, so reclaim
// does not touch the counter. Returns the number of reclaimed items.
func (r *QueueRepository) ReclaimStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ingest_files
		SET status = 'queued', claimed_by = NULL, started_at = NULL
		WHERE status = 'running' AND started_at <= now() - make_interval(secs => $1)
	`, leaseTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueDead resets dead items to queued with a fresh retry budget.
// Operator action after a root cause is fixed, never automatic. Only the
// most recent row per object is eligible: an older dead row superseded by
// any newer row (a live one, a completed re-enqueue, or a newer dead
// attempt) stays dead as an audit record. Requeueing two dead rows for
// the same object would also trip the one-live-row unique index.
func (r *QueueRepository) RequeueDead(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ingest_files f
		SET status = 'queued', attempts = 0, not_before = now(),
		    started_at = NULL, finished_at = NULL, last_error = NULL, claimed_by = NULL
		WHERE f.status = 'dead' AND NOT EXISTS (
			SELECT 1 FROM ingest_files newer
			WHERE newer.source_bucket = f.source_bucket
			  AND newer.object_key = f.object_key
			  AND newer.id > f.id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue dead items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountsByStatus returns item counts keyed by status, with zero entries
// for statuses that have no rows.
func (r *QueueRepository) CountsByStatus(ctx context.Context) (map[model.ItemStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM ingest_files GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	counts := map[model.ItemStatus]int{
		model.StatusQueued:  0,
		model.StatusRunning: 0,
		model.StatusDone:    0,
		model.StatusDead:    0,
	}
	for rows.Next() {
		var status model.ItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// OldestQueuedAge returns how long the oldest queued item has been
// waiting, or zero when the queue is empty.
func (r *QueueRepository) OldestQueuedAge(ctx context.Context) (time.Duration, error) {
	var seconds *float64
	err := r.pool.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM now() - MIN(enqueued_at))
		FROM ingest_files WHERE status = 'queued'
	`).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("oldest queued age: %w", err)
	}
	if seconds == nil {
		return 0, nil
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}

// CompletedSince counts items finished successfully after the cutoff,
// the monitor's throughput signal.
func (r *QueueRepository) CompletedSince(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ingest_files
		WHERE status = 'done' AND finished_at >= $1
	`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completed since: %w", err)
	}
	return count, nil
}
