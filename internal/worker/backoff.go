package worker

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 5 * time.Minute
	jitterFraction     = 0.3
)

// backoffDelay returns the wait before the next try after `attempts`
// completed tries: base doubled per attempt, capped, then jittered by
// ±30% so synchronized retries spread out.
func backoffDelay(base, cap time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	if attempts < 1 {
		attempts = 1
	}

	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFraction * float64(d))
	d += jitter
	if d < base/2 {
		d = base / 2
	}
	return d
}
