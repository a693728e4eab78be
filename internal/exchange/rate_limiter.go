package exchange

import (
	"context"
	"sync"
	"time"
)

// rateLimiter is a sliding-window request-weight limiter. Binance USDM
// allows 2400 weight per minute; the default budget stays well under that.
type rateLimiter struct {
	mu       sync.Mutex
	budget   int
	window   time.Duration
	requests []stamped
}

type stamped struct {
	at     time.Time
	weight int
}

func newRateLimiter(budget int, window time.Duration) *rateLimiter {
	if budget <= 0 {
		budget = 1200
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{budget: budget, window: window}
}

// acquire blocks until the given weight fits in the current window or the
// context is canceled.
func (r *rateLimiter) acquire(ctx context.Context, weight int) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.evict(now)
		used := 0
		for _, s := range r.requests {
			used += s.weight
		}
		if used+weight <= r.budget {
			r.requests = append(r.requests, stamped{at: now, weight: weight})
			r.mu.Unlock()
			return nil
		}
		wait := r.window - now.Sub(r.requests[0].at)
		r.mu.Unlock()

		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *rateLimiter) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for ; i < len(r.requests); i++ {
		if r.requests[i].at.After(cutoff) {
			break
		}
	}
	r.requests = r.requests[i:]
}
