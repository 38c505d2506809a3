package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter spaces calls to one external source at a fixed requests/second.
// Burst is one token, so K calls take at least (K-1)/rps seconds.
// A nil *RateLimiter never blocks.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns a limiter for rps requests per second, or nil when
// rps <= 0 (unlimited).
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Limit returns the configured rate, 0 meaning unlimited.
func (r *RateLimiter) Limit() float64 {
	if r == nil {
		return 0
	}
	return float64(r.limiter.Limit())
}
