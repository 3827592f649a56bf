package adapter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is the per-adapter admission gate. Every REST call acquires a
// slot first. Slots are reserved in arrival order, so waiters are served
// FIFO and never dropped.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter admits at most perSecond acquisitions per second. The
// bucket holds a single token so no burst can exceed the ceiling.
func NewRateLimiter(perSecond float64) *RateLimiter {
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Wait blocks until a slot is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.lim.Wait(ctx)
}

// Limit returns the configured requests per second.
func (rl *RateLimiter) Limit() float64 {
	return float64(rl.lim.Limit())
}
