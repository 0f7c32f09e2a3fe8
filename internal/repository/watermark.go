package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scoutops/scout-ingest/internal/model"
)

// WatermarkRepository owns the watermarks table: per-device high-water
// marks that downstream aggregation uses for incremental processing.
type WatermarkRepository struct {
	pool *pgxpool.Pool
}

// NewWatermarkRepository constructs a repository.
func NewWatermarkRepository(pool *pgxpool.Pool) *WatermarkRepository {
	return &WatermarkRepository{pool: pool}
}

// advanceSQL never lets a watermark move backwards: GREATEST keeps the
// stored value when the incoming timestamp is older, which makes replays
// and out-of-order files safe.
const advanceSQL = `
	INSERT INTO watermarks (stream_id, high_watermark, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (stream_id) DO UPDATE
	SET high_watermark = GREATEST(watermarks.high_watermark, EXCLUDED.high_watermark),
	    updated_at = now()
`

// AdvanceTx raises the watermark for the stream to ts if ts is ahead of
// it, inside an existing transaction; the silver load uses it so the
// watermark only moves once the validated rows commit.
func AdvanceTx(ctx context.Context, tx pgx.Tx, streamID string, ts time.Time) error {
	_, err := tx.Exec(ctx, advanceSQL, streamID, ts)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", streamID, err)
	}
	return nil
}

// Get returns the watermark for a stream, or nil when none exists yet.
func (r *WatermarkRepository) Get(ctx context.Context, streamID string) (*model.Watermark, error) {
	var wm model.Watermark
	err := r.pool.QueryRow(ctx, `
		SELECT stream_id, high_watermark, updated_at FROM watermarks WHERE stream_id = $1
	`, streamID).Scan(&wm.StreamID, &wm.HighWatermark, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select watermark %s: %w", streamID, err)
	}
	return &wm, nil
}

// List returns every stream's watermark ordered by stream id.
func (r *WatermarkRepository) List(ctx context.Context) ([]model.Watermark, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT stream_id, high_watermark, updated_at FROM watermarks ORDER BY stream_id
	`)
	if err != nil {
		return nil, fmt.Errorf("select watermarks: %w", err)
	}
	defer rows.Close()
	var marks []model.Watermark
	for rows.Next() {
		var wm model.Watermark
		if err := rows.Scan(&wm.StreamID, &wm.HighWatermark, &wm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		marks = append(marks, wm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return marks, nil
}
