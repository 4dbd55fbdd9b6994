package util

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles repetitive log lines such as per-feature progress.
type Limiter struct {
	inner *rate.Limiter
}

// NewLimiter allows r events per second with bursts of b. A non-positive
// rate disables throttling.
func NewLimiter(r float64, b int) *Limiter {
	if b <= 0 {
		b = 1
	}
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	return &Limiter{inner: rate.NewLimiter(limit, b)}
}

// Allow reports whether n events may happen now. A nil limiter allows
// everything.
func (l *Limiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	return l.inner.AllowN(time.Now(), n)
}

func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	return l.inner.WaitN(ctx, n)
}
