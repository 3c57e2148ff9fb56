package syncjob

import (
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// RetryPolicy computes exponential backoff with +/-20% jitter.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter returns a value in [0, 1). Nil uses math/rand.
	Jitter func() float64
}

// DefaultRetryPolicy returns the stock backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Delay returns the wait before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base, maxDelay := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)

	jitter := rand.Float64
	if p.Jitter != nil {
		jitter = p.Jitter
	}
	factor := jitter()*0.4 - 0.2
	return max(d+time.Duration(factor*float64(d)), base/2)
}
