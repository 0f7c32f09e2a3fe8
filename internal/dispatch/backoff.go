package dispatch

import (
	"math/rand"
	"time"
)

// retryDelay computes the backoff before a failed item becomes claimable
// again: base doubled per completed attempt, capped, with ±20% jitter so a
// burst of failures does not synchronize into one retry stampede.
func retryDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(d))
	return d + jitter
}
