// Package monitor is the read-only health surface of the pipeline. It
// aggregates queue and dead-letter state for operators and alerting; it
// has no write path into the queue.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/scoutops/scout-ingest/internal/model"
)

// QueueReader is the read-only slice of the queue store the monitor uses.
type QueueReader interface {
	CountsByStatus(ctx context.Context) (map[model.ItemStatus]int, error)
	OldestQueuedAge(ctx context.Context) (time.Duration, error)
	CompletedSince(ctx context.Context, cutoff time.Time) (int, error)
}

// DeadLetterReader lists recent dead letters.
type DeadLetterReader interface {
	Recent(ctx context.Context, limit int) ([]model.DeadLetterRecord, error)
}

// PipelineStatus is the snapshot served to operators.
type PipelineStatus struct {
	Queued              int                      `json:"queued"`
	Running             int                      `json:"running"`
	Done                int                      `json:"done"`
	Dead                int                      `json:"dead"`
	OldestQueuedAgeSecs float64                  `json:"oldest_queued_age_seconds"`
	CompletedLastHour   int                      `json:"completed_last_hour"`
	RecentDeadLetters   []model.DeadLetterRecord `json:"recent_dead_letters"`
}

// Monitor aggregates pipeline health.
type Monitor struct {
	queue       QueueReader
	deadLetters DeadLetterReader
	metrics     *Metrics
	dlqLimit    int
}

// New constructs a Monitor. metrics may be nil when no registry is wired.
func New(queue QueueReader, deadLetters DeadLetterReader, metrics *Metrics) *Monitor {
	return &Monitor{queue: queue, deadLetters: deadLetters, metrics: metrics, dlqLimit: 20}
}

// Status reads the current pipeline snapshot and refreshes the depth
// gauges as a side effect on the metrics only, never on the stores.
func (m *Monitor) Status(ctx context.Context) (*PipelineStatus, error) {
	counts, err := m.queue.CountsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	age, err := m.queue.OldestQueuedAge(ctx)
	if err != nil {
		return nil, fmt.Errorf("oldest queued age: %w", err)
	}
	completed, err := m.queue.CompletedSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("completed last hour: %w", err)
	}
	recent, err := m.deadLetters.Recent(ctx, m.dlqLimit)
	if err != nil {
		return nil, fmt.Errorf("recent dead letters: %w", err)
	}
	status := &PipelineStatus{
		Queued:              counts[model.StatusQueued],
		Running:             counts[model.StatusRunning],
		Done:                counts[model.StatusDone],
		Dead:                counts[model.StatusDead],
		OldestQueuedAgeSecs: age.Seconds(),
		CompletedLastHour:   completed,
		RecentDeadLetters:   recent,
	}
	if m.metrics != nil {
		for st, n := range counts {
			m.metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(n))
		}
		m.metrics.OldestQueuedAge.Set(age.Seconds())
	}
	return status, nil
}
