package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scoutops/scout-ingest/internal/model"
)

// memQueue mimics the Postgres queue semantics in memory: atomic claims,
// one live row per key, backoff windows. It backs the dispatcher tests so
// the state machine can be exercised without a database.
type memQueue struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*model.QueueItem
	now    func() time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{items: make(map[int64]*model.QueueItem), now: time.Now}
}

func (q *memQueue) add(bucket, key string, size int64) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.items[q.nextID] = &model.QueueItem{
		ID:           q.nextID,
		SourceBucket: bucket,
		ObjectKey:    key,
		SizeBytes:    size,
		Status:       model.StatusQueued,
		NotBefore:    q.now(),
		EnqueuedAt:   q.now(),
	}
	return q.nextID
}

func (q *memQueue) get(id int64) model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.items[id]
}

func (q *memQueue) ReclaimStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	cutoff := q.now().Add(-leaseTimeout)
	for _, item := range q.items {
		if item.Status == model.StatusRunning && item.StartedAt != nil && !item.StartedAt.After(cutoff) {
			item.Status = model.StatusQueued
			item.StartedAt = nil
			item.ClaimedBy = nil
			count++
		}
	}
	return count, nil
}

func (q *memQueue) ClaimBatch(ctx context.Context, claimedBy string, limit int) ([]model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var eligible []*model.QueueItem
	now := q.now()
	for _, item := range q.items {
		if item.Status == model.StatusQueued && !item.NotBefore.After(now) {
			eligible = append(eligible, item)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].EnqueuedAt.Before(eligible[j].EnqueuedAt) })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	claimed := make([]model.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		item.Status = model.StatusRunning
		item.Attempts++
		started := now
		item.StartedAt = &started
		by := claimedBy
		item.ClaimedBy = &by
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (q *memQueue) MarkDone(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok && item.Status == model.StatusRunning {
		item.Status = model.StatusDone
		finished := q.now()
		item.FinishedAt = &finished
		item.LastError = nil
		item.ClaimedBy = nil
	}
	return nil
}

func (q *memQueue) MarkFailedRetry(ctx context.Context, id int64, errMsg string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok && item.Status == model.StatusRunning {
		item.Status = model.StatusQueued
		item.LastError = &errMsg
		item.NotBefore = notBefore
		item.ClaimedBy = nil
	}
	return nil
}

func (q *memQueue) MarkDead(ctx context.Context, id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok && item.Status == model.StatusRunning {
		item.Status = model.StatusDead
		finished := q.now()
		item.FinishedAt = &finished
		item.LastError = &errMsg
		item.ClaimedBy = nil
	}
	return nil
}

func (q *memQueue) RequeueDead(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, item := range q.items {
		if item.Status != model.StatusDead {
			continue
		}
		superseded := false
		for _, other := range q.items {
			if other.ID > item.ID && other.SourceBucket == item.SourceBucket && other.ObjectKey == item.ObjectKey {
				superseded = true
				break
			}
		}
		if superseded {
			continue
		}
		item.Status = model.StatusQueued
		item.Attempts = 0
		item.NotBefore = q.now()
		item.StartedAt = nil
		item.FinishedAt = nil
		item.LastError = nil
		count++
	}
	return count, nil
}

// memDLQ is the in-memory dead-letter counterpart.
type memDLQ struct {
	mu      sync.Mutex
	records []model.DeadLetterRecord
}

func (d *memDLQ) Insert(ctx context.Context, item model.QueueItem, errMsg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, model.DeadLetterRecord{
		ID:           int64(len(d.records) + 1),
		ItemID:       item.ID,
		SourceBucket: item.SourceBucket,
		ObjectKey:    item.ObjectKey,
		SizeBytes:    item.SizeBytes,
		Attempts:     item.Attempts,
		ErrorMsg:     errMsg,
		FailedAt:     time.Now(),
	})
	return nil
}

func (d *memDLQ) MarkRequeued(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	now := time.Now()
	for i := range d.records {
		if d.records[i].RequeuedAt == nil {
			t := now
			d.records[i].RequeuedAt = &t
			count++
		}
	}
	return count, nil
}

func (d *memDLQ) all() []model.DeadLetterRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.DeadLetterRecord, len(d.records))
	copy(out, d.records)
	return out
}

// procFunc adapts a function to the ItemProcessor interface.
type procFunc func(ctx context.Context, item model.QueueItem) error

func (f procFunc) Process(ctx context.Context, item model.QueueItem) error {
	return f(ctx, item)
}
