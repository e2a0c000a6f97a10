package task

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns how long a retry attempt waits before it becomes eligible.
type Backoff func(attempt int) time.Duration

// NoBackoff makes retried tasks eligible immediately.
func NoBackoff(int) time.Duration { return 0 }

// ExponentialBackoff doubles base per attempt up to max and spreads the
// result over [wait/2, wait) to avoid synchronized retries.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return backoffWithJitter(base, max, attempt)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if exp > float64(max) || wait <= 0 {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// RetryDelayFor resolves the delay for a task value, preferring the type's
// own RetryDelay over the pool policy.
func RetryDelayFor(t any, policy Backoff, attempt int) time.Duration {
	if d, ok := t.(RetryDelayer); ok {
		return d.RetryDelay(attempt)
	}
	if policy == nil {
		return 0
	}
	return policy(attempt)
}
