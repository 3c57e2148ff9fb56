package ehr

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/holovitals/ehrsync/internal/platform/metrics"
)

// DefaultMaxWait bounds how long a call may queue for a token.
const DefaultMaxWait = 10 * time.Second

// Limiter is a per-vendor token bucket. Calls block until a token frees, up to
// maxWait, after which a RateLimitError is returned.
type Limiter struct {
	provider Provider
	lim      *rate.Limiter
	maxWait  time.Duration
}

// NewLimiter creates a limiter allowing rps requests per second with the given
// burst. A non-positive rps disables limiting.
func NewLimiter(provider Provider, rps float64, burst int, maxWait time.Duration) *Limiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Limiter{
		provider: provider,
		lim:      rate.NewLimiter(limit, burst),
		maxWait:  maxWait,
	}
}

// Wait takes a token, blocking cooperatively while the bucket is empty.
func (l *Limiter) Wait(ctx context.Context, op string) error {
	if l == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	start := time.Now()
	err := l.lim.Wait(waitCtx)
	metrics.RateLimitWait.WithLabelValues(string(l.provider)).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	// The caller's own cancellation is not a vendor limit.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	rlErr := RateLimitError(l.provider, op, "no request slot within %s (waited %s)", l.maxWait, time.Since(start).Round(time.Millisecond))
	rlErr.RetryAfter = l.maxWait
	rlErr.Err = err
	return rlErr
}

// Limit returns the configured requests per second.
func (l *Limiter) Limit() float64 {
	if l.lim.Limit() == rate.Inf {
		return 0
	}
	return float64(l.lim.Limit())
}

// Burst returns the configured bucket size.
func (l *Limiter) Burst() int {
	return l.lim.Burst()
}
