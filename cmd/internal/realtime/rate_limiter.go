package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-session sliding-window limiter over inbound messages.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, substituting defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// newSessionLimiter returns nil when limiting is disabled (events <= 0).
func newSessionLimiter(events int, window time.Duration) *RateLimiter {
	if events <= 0 {
		return nil
	}
	return NewRateLimiter(events, window)
}

// Allow reports whether an event at now is within the limit, recording it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
