package client

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns an exponential delay for attempt (1-based), capped at max and
// spread over [wait/2, wait).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	// Compare in float space; converting an out-of-range float to Duration is undefined.
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
