package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoutops/scout-ingest/internal/model"
)

// ObjectFetcher downloads raw object bytes from storage.
type ObjectFetcher interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
}

// TransactionStore persists the bronze and silver stages.
type TransactionStore interface {
	InsertBronze(ctx context.Context, bucket, key string, records []model.ExportRecord) error
	LoadSilver(ctx context.Context, bucket, key string, rows []model.SilverRow, marks map[string]time.Time) error
}

// Processor runs the transform pipeline for one claimed queue item.
type Processor struct {
	fetcher ObjectFetcher
	store   TransactionStore
	logger  *slog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(fetcher ObjectFetcher, store TransactionStore, logger *slog.Logger) *Processor {
	return &Processor{fetcher: fetcher, store: store, logger: logger}
}

// Process executes the staged transform for a single item. Any step's
// failure aborts the remaining steps for this item only; the caller
// handles retry and dead-letter bookkeeping.
func (p *Processor) Process(ctx context.Context, item model.QueueItem) error {
	l := p.logger.With(slog.String("bucket", item.SourceBucket), slog.String("key", item.ObjectKey))
	data, err := p.fetcher.Download(ctx, item.SourceBucket, item.ObjectKey)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	records, err := ExtractRecords(data)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if err := p.store.InsertBronze(ctx, item.SourceBucket, item.ObjectKey, records); err != nil {
		return fmt.Errorf("bronze load: %w", err)
	}
	rows, marks := Validate(records, time.Now().UTC())
	if err := p.store.LoadSilver(ctx, item.SourceBucket, item.ObjectKey, rows, marks); err != nil {
		return fmt.Errorf("silver load: %w", err)
	}
	flagged := 0
	for _, row := range rows {
		if !row.Clean() {
			flagged++
		}
	}
	l.Info("file processed",
		slog.Int("records", len(records)),
		slog.Int("flagged", flagged),
		slog.Int("devices", len(marks)))
	return nil
}
