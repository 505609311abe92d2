package gateway

import (
	"sync"
	"time"
)

// Default per-client limits. Chat turns count against MaxConcurrent only
// while the chat.send call itself is in flight.
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10
)

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a rate limiter with the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits a request and records its start. It returns the reason
// when the request is refused; callers must Release admitted requests.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, reasonTooConcurrent
	}

	now := r.now()
	r.pruneLocked(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.inFlight++
	return true, ""
}

// Release records the end of an admitted request.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// Stats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) Stats() (requestCount, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.requests), r.inFlight
}

func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}
