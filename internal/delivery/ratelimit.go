package delivery

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures a rate limiter.
type RateLimiterConfig struct {
	Burst float64 // Maximum bucket capacity
	Rate  float64 // Attempts started per second
}

// RateLimiter throttles how fast workers start attempts. A nil limiter
// never blocks.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns nil when cfg.Rate is not positive.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Rate <= 0 {
		return nil
	}
	burst := int(cfg.Burst)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.Rate), burst)}
}

// Acquire blocks until an attempt may start. It fails early when ctx would
// expire before a token frees up.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// TryAcquire takes a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}
