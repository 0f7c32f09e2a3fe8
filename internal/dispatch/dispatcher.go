// Package dispatch claims batches of queued files and runs them through
// the transform pipeline with bounded parallelism, bounded retries, and
// failure isolation between items.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scoutops/scout-ingest/internal/model"
	"github.com/scoutops/scout-ingest/internal/monitor"
)

// ErrBreakerOpen is returned when dispatch is halted after a cycle failed
// almost entirely; processing resumes once the cool-off elapses.
var ErrBreakerOpen = errors.New("dispatch halted: failure rate over threshold")

// QueueStore is the mutation surface of the queue the dispatcher uses.
type QueueStore interface {
	ReclaimStale(ctx context.Context, leaseTimeout time.Duration) (int, error)
	ClaimBatch(ctx context.Context, claimedBy string, limit int) ([]model.QueueItem, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailedRetry(ctx context.Context, id int64, errMsg string, notBefore time.Time) error
	MarkDead(ctx context.Context, id int64, errMsg string) error
	RequeueDead(ctx context.Context) (int, error)
}

// DeadLetterStore files items that exhausted their retry budget.
type DeadLetterStore interface {
	Insert(ctx context.Context, item model.QueueItem, errMsg string) error
	MarkRequeued(ctx context.Context) (int, error)
}

// ItemProcessor runs the transform pipeline for one claimed item.
type ItemProcessor interface {
	Process(ctx context.Context, item model.QueueItem) error
}

// Options tune a Dispatcher.
type Options struct {
	MaxAttempts    int
	Workers        int
	LeaseTimeout   time.Duration
	ItemTimeout    time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	BreakerFailureRate float64
	BreakerMinSample   int
	BreakerCoolOff     time.Duration
}

// Result summarizes one dispatch cycle.
type Result struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Dispatcher drives dispatch cycles. Each cycle is a bounded, idempotent
// unit of work: it can crash at any point and at worst leaves items
// running with a stale lease, which a later cycle reclaims.
type Dispatcher struct {
	queue       QueueStore
	deadLetters DeadLetterStore
	proc        ItemProcessor
	opts        Options
	breaker     *breaker
	metrics     *monitor.Metrics
	logger      *slog.Logger
	claimID     string
}

// New constructs a Dispatcher. metrics may be nil.
func New(queue QueueStore, deadLetters DeadLetterStore, proc ItemProcessor, opts Options, metrics *monitor.Metrics, logger *slog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	claimID := uuid.NewString()
	return &Dispatcher{
		queue:       queue,
		deadLetters: deadLetters,
		proc:        proc,
		opts:        opts,
		breaker:     newBreaker(opts.BreakerFailureRate, opts.BreakerMinSample, opts.BreakerCoolOff),
		metrics:     metrics,
		logger:      logger.With(slog.String("claim_id", claimID)),
		claimID:     claimID,
	}
}

// ProcessBatch runs one dispatch cycle: reclaim expired leases, claim up
// to limit eligible items, process them in parallel, and record each
// outcome. Per-item failures are captured and never abort the batch.
func (d *Dispatcher) ProcessBatch(ctx context.Context, limit int) (Result, error) {
	start := time.Now()
	if !d.breaker.allow(start) {
		return Result{}, ErrBreakerOpen
	}
	reclaimed, err := d.queue.ReclaimStale(ctx, d.opts.LeaseTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("reclaim stale: %w", err)
	}
	if reclaimed > 0 {
		d.logger.Warn("reclaimed stale leases", slog.Int("count", reclaimed))
	}
	items, err := d.queue.ClaimBatch(ctx, d.claimID, limit)
	if err != nil {
		return Result{}, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return Result{}, nil
	}
	d.logger.Info("claimed batch", slog.Int("items", len(items)))

	var mu sync.Mutex
	res := Result{Processed: len(items)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			ok := d.processOne(gctx, item)
			mu.Lock()
			if ok {
				res.Succeeded++
			} else {
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.breaker.observe(time.Now(), res.Processed, res.Failed)
	d.metrics.ObserveBatch(time.Since(start))
	d.logger.Info("dispatch cycle finished",
		slog.Int("processed", res.Processed),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Duration("took", time.Since(start)))
	return res, nil
}

// RetryDeadLetters puts every dead item back in the queue with its
// attempt counter reset. This is an operator action taken after the root
// cause of the failures is fixed; it never runs automatically.
func (d *Dispatcher) RetryDeadLetters(ctx context.Context) (int, error) {
	requeued, err := d.queue.RequeueDead(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue dead: %w", err)
	}
	if _, err := d.deadLetters.MarkRequeued(ctx); err != nil {
		return requeued, fmt.Errorf("mark dead letters requeued: %w", err)
	}
	if requeued > 0 {
		d.logger.Info("dead letters requeued", slog.Int("count", requeued))
	}
	return requeued, nil
}

// processOne runs the pipeline for a single claimed item with a hard
// wall-clock timeout and routes the outcome through the retry policy.
// Returns true on success.
func (d *Dispatcher) processOne(ctx context.Context, item model.QueueItem) bool {
	l := d.logger.With(
		slog.String("bucket", item.SourceBucket),
		slog.String("key", item.ObjectKey),
		slog.Int("attempt", item.Attempts))

	itemCtx, cancel := context.WithTimeout(ctx, d.opts.ItemTimeout)
	err := d.proc.Process(itemCtx, item)
	cancel()
	if err == nil {
		if markErr := d.queue.MarkDone(ctx, item.ID); markErr != nil {
			l.Error("mark done failed", slog.Any("error", markErr))
			return false
		}
		d.metrics.ObserveOutcome("done")
		return true
	}

	l.Warn("item failed", slog.Any("error", err))
	if item.Attempts >= d.opts.MaxAttempts {
		if dlqErr := d.deadLetters.Insert(ctx, item, err.Error()); dlqErr != nil {
			l.Error("dead letter insert failed", slog.Any("error", dlqErr))
		}
		if markErr := d.queue.MarkDead(ctx, item.ID, err.Error()); markErr != nil {
			l.Error("mark dead failed", slog.Any("error", markErr))
		}
		d.metrics.ObserveOutcome("dead")
		l.Error("item dead-lettered", slog.Int("attempts", item.Attempts))
		return false
	}
	delay := retryDelay(item.Attempts, d.opts.RetryBaseDelay, d.opts.RetryMaxDelay)
	if markErr := d.queue.MarkFailedRetry(ctx, item.ID, err.Error(), time.Now().Add(delay)); markErr != nil {
		l.Error("mark failed-retry failed", slog.Any("error", markErr))
	}
	d.metrics.ObserveOutcome("retry")
	return false
}
