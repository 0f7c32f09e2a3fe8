package dispatch

import (
	"sync"
	"time"
)

// breaker halts dispatch entirely when a cycle fails almost wholesale,
// which is the signature of a fatal/config problem (bad credentials,
// schema mismatch) rather than a few poison files. Without it every item
// in the backlog would burn its retry budget and dead-letter one by one.
type breaker struct {
	mu          sync.Mutex
	failureRate float64
	minSample   int
	coolOff     time.Duration
	openUntil   time.Time
}

func newBreaker(failureRate float64, minSample int, coolOff time.Duration) *breaker {
	return &breaker{failureRate: failureRate, minSample: minSample, coolOff: coolOff}
}

// allow reports whether dispatch may run now.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.openUntil)
}

// observe feeds one cycle's outcome; a failure rate at or above the
// threshold over at least minSample items opens the breaker for coolOff.
func (b *breaker) observe(now time.Time, processed, failed int) {
	if processed < b.minSample {
		return
	}
	if float64(failed)/float64(processed) < b.failureRate {
		return
	}
	b.mu.Lock()
	b.openUntil = now.Add(b.coolOff)
	b.mu.Unlock()
}
