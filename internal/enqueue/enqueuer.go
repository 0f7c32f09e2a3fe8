// Package enqueue bridges storage arrival signals into queue entries.
// Notifications are at-least-once; the idempotency ledger and the queue's
// one-live-row rule together make enqueuing safe to repeat.
package enqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scoutops/scout-ingest/internal/model"
	"github.com/scoutops/scout-ingest/internal/s3storage"
)

// Ledger detects first sightings of an object.
type Ledger interface {
	RecordIfNew(ctx context.Context, bucket, key string, size int64) (bool, error)
	Touch(ctx context.Context, bucket, key string, size int64) error
}

// QueueStore is the insertion surface of the queue the enqueuer uses.
type QueueStore interface {
	InsertQueued(ctx context.Context, bucket, key string, size int64) (bool, error)
	HasAny(ctx context.Context, bucket, key string) (bool, error)
}

// ObjectLister lists bucket contents for the reconcile path.
type ObjectLister interface {
	ListPrefix(ctx context.Context, prefix string) ([]s3storage.ObjectInfo, error)
	RawBucket() string
}

// Enqueuer turns notifications and reconcile listings into queue rows.
type Enqueuer struct {
	ledger Ledger
	queue  QueueStore
	lister ObjectLister
	logger *slog.Logger
}

// New constructs an Enqueuer.
func New(ledger Ledger, queue QueueStore, lister ObjectLister, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{ledger: ledger, queue: queue, lister: lister, logger: logger}
}

// HandleNotification processes one arrival event. Duplicate notifications
// for an object already in the ledger are dropped silently; overwrites are
// treated as a new logical file and get a fresh queue row unless one is
// already live. Returns true when a queue row was created.
func (e *Enqueuer) HandleNotification(ctx context.Context, n model.Notification) (bool, error) {
	if n.Bucket == "" || n.Key == "" {
		return false, fmt.Errorf("notification missing bucket or key")
	}
	l := e.logger.With(slog.String("bucket", n.Bucket), slog.String("key", n.Key))
	switch n.Event {
	case model.EventOverwritten:
		// Terminal history for this key stays untouched; the overwrite
		// becomes a new item unless one is already queued or running.
		if err := e.ledger.Touch(ctx, n.Bucket, n.Key, n.SizeBytes); err != nil {
			return false, err
		}
		inserted, err := e.queue.InsertQueued(ctx, n.Bucket, n.Key, n.SizeBytes)
		if err != nil {
			return false, err
		}
		if inserted {
			l.Info("enqueued overwritten object", slog.Int64("size", n.SizeBytes))
		}
		return inserted, nil
	case model.EventCreated, "":
		isNew, err := e.ledger.RecordIfNew(ctx, n.Bucket, n.Key, n.SizeBytes)
		if err != nil {
			return false, err
		}
		if !isNew {
			// The ledger upsert and the queue insert are separate
			// statements, so a crash between them leaves a ledger entry
			// with no queue row. A seen object with no row at all is
			// that case, not a duplicate: fall through and insert.
			exists, err := e.queue.HasAny(ctx, n.Bucket, n.Key)
			if err != nil {
				return false, err
			}
			if exists {
				l.Debug("duplicate notification dropped")
				return false, nil
			}
			l.Warn("ledger entry had no queue row, re-enqueueing")
		}
		inserted, err := e.queue.InsertQueued(ctx, n.Bucket, n.Key, n.SizeBytes)
		if err != nil {
			return false, err
		}
		if inserted {
			l.Info("enqueued new object", slog.Int64("size", n.SizeBytes))
		}
		return inserted, nil
	default:
		return false, fmt.Errorf("unknown event type %q", n.Event)
	}
}

// Reconcile lists every object under prefix in the raw bucket and
// enqueues any the pipeline has not seen, recovering arrivals whose
// webhook never fired as well as objects stranded in the ledger without
// a queue row. Returns the number of items enqueued.
func (e *Enqueuer) Reconcile(ctx context.Context, prefix string) (int, error) {
	infos, err := e.lister.ListPrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("reconcile listing: %w", err)
	}
	bucket := e.lister.RawBucket()
	enqueued := 0
	for _, info := range infos {
		inserted, err := e.HandleNotification(ctx, model.Notification{
			Bucket:    bucket,
			Key:       info.Key,
			SizeBytes: info.Size,
			Event:     model.EventCreated,
		})
		if err != nil {
			return enqueued, fmt.Errorf("reconcile %s: %w", info.Key, err)
		}
		if inserted {
			enqueued++
		}
	}
	e.logger.Info("reconcile finished",
		slog.String("prefix", prefix),
		slog.Int("listed", len(infos)),
		slog.Int("enqueued", enqueued))
	return enqueued, nil
}
