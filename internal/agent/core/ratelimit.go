package core

import (
	"sync"
	"time"
)

// RateLimiter enforces a minimum spacing between outbound model calls.
// One instance is shared by every agent in the process so that combined
// planner, retriever, and writer traffic never exceeds the provider's
// request rate. The lock is held while waiting, which serializes
// concurrent acquirers and preserves the spacing between any two calls.
type RateLimiter struct {
	mu         sync.Mutex
	minSpacing time.Duration
	last       time.Time
}

// NewRateLimiter returns a limiter with the given minimum spacing.
// A non-positive spacing disables waiting entirely.
func NewRateLimiter(minSpacing time.Duration) *RateLimiter {
	return &RateLimiter{minSpacing: minSpacing}
}

// Acquire blocks until at least minSpacing has elapsed since the
// previous Acquire returned, then records the new send time.
func (r *RateLimiter) Acquire() {
	if r == nil || r.minSpacing <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.IsZero() {
		if wait := r.minSpacing - time.Since(r.last); wait > 0 {
			time.Sleep(wait)
		}
	}
	r.last = time.Now()
}
