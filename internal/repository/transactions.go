package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scoutops/scout-ingest/internal/model"
)

// TransactionRepository persists the bronze and silver stages of the
// transform pipeline.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository constructs a repository.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// InsertBronze lands the raw records exactly as parsed from the archive,
// payload preserved, keyed back to the source object. Any rows a previous
// attempt left for the same object are replaced in the same transaction:
// retries and lease reclaims replay whole files, so a plain append would
// duplicate every row and a mid-batch failure would strand a partial load.
func (r *TransactionRepository) InsertBronze(ctx context.Context, bucket, key string, records []model.ExportRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bronze load: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM bronze_transactions WHERE source_bucket = $1 AND object_key = $2
	`, bucket, key); err != nil {
		return fmt.Errorf("clear bronze rows: %w", err)
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		var recordedAt *time.Time
		if !rec.RecordedAt.IsZero() {
			t := rec.RecordedAt
			recordedAt = &t
		}
		batch.Queue(`
			INSERT INTO bronze_transactions (source_bucket, object_key, device_id, recorded_at, payload)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		`, bucket, key, rec.DeviceID, recordedAt, rec.Raw)
	}
	results := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert bronze row: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close bronze batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bronze load: %w", err)
	}
	return nil
}

// LoadSilver commits the validated rows and the per-device watermarks in
// one transaction, so a watermark can never get ahead of durably stored
// silver data. Rows are scoped to their source object and replace any
// earlier load of that object, which makes replaying a file after a
// failed attempt or a reclaimed lease safe. Watermarks only ever move
// forward, so re-advancing them during a replay is a no-op.
func (r *TransactionRepository) LoadSilver(ctx context.Context, bucket, key string, rows []model.SilverRow, marks map[string]time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin silver load: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM silver_transactions WHERE source_bucket = $1 AND object_key = $2
	`, bucket, key); err != nil {
		return fmt.Errorf("clear silver rows: %w", err)
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		var recordedAt *time.Time
		if !row.RecordedAt.IsZero() {
			t := row.RecordedAt
			recordedAt = &t
		}
		batch.Queue(`
			INSERT INTO silver_transactions (source_bucket, object_key, transaction_id, device_id, store_id, recorded_at, amount, items, quality_flags)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
		`, bucket, key, row.TransactionID, row.DeviceID, row.StoreID, recordedAt, row.Amount, row.Items, row.QualityFlags)
	}
	results := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert silver row: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close silver batch: %w", err)
	}
	for streamID, ts := range marks {
		if err := AdvanceTx(ctx, tx, streamID, ts); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit silver load: %w", err)
	}
	return nil
}
