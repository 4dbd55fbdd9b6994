package util

import (
	"sync"
)

// LimiterRegistry hands out one Limiter per key, typically per theme, so a
// busy theme cannot starve the progress lines of another.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     float64
	burst    int
}

func NewLimiterRegistry(r float64, b int) *LimiterRegistry {
	return &LimiterRegistry{
		limiters: make(map[string]*Limiter),
		rate:     r,
		burst:    b,
	}
}

func (r *LimiterRegistry) Get(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[key]
	if !ok {
		l = NewLimiter(r.rate, r.burst)
		r.limiters[key] = l
	}
	return l
}

func (r *LimiterRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
