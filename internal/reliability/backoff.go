package reliability

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base * 2^attempt, capped at Max, plus up
// to Jitter (a fraction of the delay) of random extra wait. The result never
// exceeds Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0, 1). Replaced in tests.
	rand func() float64
}

// NewBackoff returns a Backoff with 25% jitter.
func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{Base: base, Max: max, Jitter: 0.25}
}

// Next returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	limit := b.Max
	if limit < base {
		limit = base
	}
	if attempt < 0 {
		attempt = 0
	}

	// Stop doubling once we are past the cap to avoid overflow.
	maxExp := math.Log2(float64(limit) / float64(base))
	var delay time.Duration
	if float64(attempt) >= maxExp {
		delay = limit
	} else {
		delay = time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	}

	if b.Jitter > 0 && delay < limit {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		delay += time.Duration(float64(delay) * b.Jitter * r())
	}

	if delay > limit {
		delay = limit
	}
	return delay
}

// Sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
