package networking

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is the scan-wide token bucket. A nil or unlimited limiter
// never blocks.
//
// rate.Limiter hands out reservations under its own mutex in call order, so
// when the rate is the bottleneck waiters are served first come first served.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows rps requests per second with the given burst.
// rps <= 0 disables limiting; burst < 1 is treated as 1.
func NewRateLimiter(rps int, burst int) *RateLimiter {
	if rps <= 0 {
		return &RateLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Acquire blocks until a token is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.limiter == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// Unlimited reports whether Acquire never waits.
func (r *RateLimiter) Unlimited() bool {
	return r == nil || r.limiter == nil
}
