package federation

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetrySchedule maps the number of completed delivery attempts to the
// delay before the next one. ok=false terminates retrying.
type RetrySchedule func(attempt int) (delay time.Duration, ok bool)

const (
	defaultRetryBase     = time.Minute
	defaultRetryFactor   = 2.0
	defaultRetryJitter   = 0.2
	defaultRetryAttempts = 8
)

// DefaultRetrySchedule is exponential backoff: one minute doubling per
// attempt with ±20% jitter, giving up after eight attempts.
func DefaultRetrySchedule() RetrySchedule {
	return ExponentialBackoff(defaultRetryBase, defaultRetryFactor, defaultRetryAttempts)
}

// ExponentialBackoff builds an exponential retry schedule. Every delay
// carries a fixed ±20% jitter.
func ExponentialBackoff(base time.Duration, factor float64, maxAttempts int) RetrySchedule {
	return func(attempt int) (time.Duration, bool) {
		if attempt >= maxAttempts {
			return 0, false
		}
		d := float64(base) * math.Pow(factor, float64(attempt-1))
		// Jitter desynchronizes retry storms across deliveries.
		d *= 1 + defaultRetryJitter*(2*rand.Float64()-1)
		return time.Duration(d), true
	}
}
