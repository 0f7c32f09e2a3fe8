package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoutops/scout-ingest/internal/model"
)

func testOptions() Options {
	return Options{
		MaxAttempts:        3,
		Workers:            4,
		LeaseTimeout:       10 * time.Minute,
		ItemTimeout:        time.Minute,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      10 * time.Millisecond,
		BreakerFailureRate: 0.9,
		BreakerMinSample:   5,
		BreakerCoolOff:     time.Minute,
	}
}

func TestProcessBatchSuccess(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	id := queue.add("exports", "B.zip", 800)

	d := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return nil
	}), testOptions(), nil, slog.Default())

	res, err := d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Succeeded: 1}, res)

	item := queue.get(id)
	assert.Equal(t, model.StatusDone, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.FinishedAt)
	assert.Nil(t, item.LastError)
}

// An item that always fails must reach dead after exactly MaxAttempts
// attempts, with a dead letter recording the final attempt count.
func TestRetryBoundThenDeadLetter(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	id := queue.add("exports", "A.zip", 500)

	d := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return errors.New("parse failure")
	}), testOptions(), nil, slog.Default())

	// First failure: attempts = 1, back to queued.
	res, err := d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)
	item := queue.get(id)
	assert.Equal(t, model.StatusQueued, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "parse failure")

	// Second failure: still queued.
	waitForBackoff(t, queue, id)
	_, err = d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, queue.get(id).Status)
	assert.Equal(t, 2, queue.get(id).Attempts)

	// Third failure exhausts the budget.
	waitForBackoff(t, queue, id)
	_, err = d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	item = queue.get(id)
	assert.Equal(t, model.StatusDead, item.Status)
	assert.Equal(t, 3, item.Attempts)

	records := dlq.all()
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, "A.zip", records[0].ObjectKey)

	// A further cycle finds nothing: dead items are out of rotation.
	res, err = d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func waitForBackoff(t *testing.T, queue *memQueue, id int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !queue.get(id).NotBefore.After(time.Now()) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("item %d never became claimable", id)
}

// Concurrent dispatch cycles must never hand the same item to two
// claimers: every item is processed exactly once.
func TestConcurrentClaimersProcessEachItemOnce(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	const items = 200
	for i := 0; i < items; i++ {
		queue.add("exports", "file-"+time.Now().Format("150405")+"-"+string(rune('a'+i%26))+".zip", 100)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	proc := procFunc(func(ctx context.Context, item model.QueueItem) error {
		mu.Lock()
		seen[item.ID]++
		mu.Unlock()
		return nil
	})

	const claimers = 8
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		d := New(queue, dlq, proc, testOptions(), nil, slog.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := d.ProcessBatch(context.Background(), 16)
				if err != nil || res.Processed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, items)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "item %d processed %d times", id, count)
	}
}

func TestBreakerHaltsDispatchAfterMassFailure(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	for i := 0; i < 8; i++ {
		queue.add("exports", "poison-"+string(rune('a'+i))+".zip", 100)
	}

	d := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return errors.New("permission denied")
	}), testOptions(), nil, slog.Default())

	res, err := d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Failed)

	_, err = d.ProcessBatch(context.Background(), 10)
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerIgnoresSmallSamples(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	queue.add("exports", "one-off.zip", 100)

	d := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return errors.New("bad file")
	}), testOptions(), nil, slog.Default())

	_, err := d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	_, err = d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err, "a single failure is not a fleet-wide outage")
}

// Dead items are recoverable: retry resets the budget and a fixed
// processor can take them to done.
func TestRetryDeadLettersRecovers(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	id := queue.add("exports", "A.zip", 500)

	failing := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return errors.New("schema mismatch")
	}), testOptions(), nil, slog.Default())
	for i := 0; i < 3; i++ {
		waitForBackoff(t, queue, id)
		_, err := failing.ProcessBatch(context.Background(), 10)
		require.NoError(t, err)
	}
	require.Equal(t, model.StatusDead, queue.get(id).Status)

	requeued, err := failing.RetryDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	item := queue.get(id)
	assert.Equal(t, model.StatusQueued, item.Status)
	assert.Equal(t, 0, item.Attempts)
	for _, rec := range dlq.all() {
		assert.NotNil(t, rec.RequeuedAt)
	}

	fixed := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return nil
	}), testOptions(), nil, slog.Default())
	res, err := fixed.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Succeeded: 1}, res)
	assert.Equal(t, model.StatusDone, queue.get(id).Status)
}

// An object can accumulate several dead rows over time, one per failed
// generation of the file. Requeueing all of them would violate the
// one-live-row rule; only the newest generation comes back, older dead
// rows stay as audit records.
func TestRetryDeadLettersRequeuesNewestGenerationOnly(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	oldID := queue.add("exports", "A.zip", 500)
	newID := queue.add("exports", "A.zip", 600)

	queue.mu.Lock()
	queue.items[oldID].Status = model.StatusDead
	queue.items[newID].Status = model.StatusDead
	queue.mu.Unlock()

	d := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return nil
	}), testOptions(), nil, slog.Default())
	requeued, err := d.RetryDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, model.StatusDead, queue.get(oldID).Status)
	assert.Equal(t, model.StatusQueued, queue.get(newID).Status)

	res, err := d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Succeeded: 1}, res)
	assert.Equal(t, model.StatusDone, queue.get(newID).Status)
	assert.Equal(t, model.StatusDead, queue.get(oldID).Status)
}

func TestReclaimStaleLease(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	id := queue.add("exports", "crashed.zip", 100)

	// Simulate a crashed worker: claim the item and never finish it.
	claimed, err := queue.ClaimBatch(context.Background(), "dead-worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	stale := time.Now().Add(-time.Hour)
	queue.mu.Lock()
	queue.items[id].StartedAt = &stale
	queue.mu.Unlock()

	opts := testOptions()
	opts.LeaseTimeout = 10 * time.Minute
	d := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		return nil
	}), opts, nil, slog.Default())

	res, err := d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Succeeded: 1}, res)
	item := queue.get(id)
	assert.Equal(t, model.StatusDone, item.Status)
	// Reclaim does not re-count the attempt; the second claim does.
	assert.Equal(t, 2, item.Attempts)
}

func TestItemTimeoutRoutesThroughRetry(t *testing.T) {
	queue := newMemQueue()
	dlq := &memDLQ{}
	id := queue.add("exports", "slow.zip", 100)

	opts := testOptions()
	opts.ItemTimeout = 10 * time.Millisecond
	d := New(queue, dlq, procFunc(func(ctx context.Context, item model.QueueItem) error {
		<-ctx.Done()
		return ctx.Err()
	}), opts, nil, slog.Default())

	res, err := d.ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)
	item := queue.get(id)
	assert.Equal(t, model.StatusQueued, item.Status)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "context deadline exceeded")
}
