package content

import (
	"sync"
	"time"
)

// RateLimiter caps LLM generations with a sliding one-minute window and a
// minimum interval between consecutive calls. Safe for concurrent use.
type RateLimiter struct {
	maxPerMinute int
	minInterval  time.Duration
	now          func() time.Time

	mu    sync.Mutex
	calls []time.Time
}

// NewRateLimiter builds a limiter. Non-positive maxPerMinute disables the
// window check; now may be nil.
func NewRateLimiter(maxPerMinute int, minInterval time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{maxPerMinute: maxPerMinute, minInterval: minInterval, now: now}
}

// Allow reports whether a call may proceed right now.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowLocked(r.now())
}

func (r *RateLimiter) allowLocked(now time.Time) bool {
	r.pruneLocked(now)
	if r.maxPerMinute > 0 && len(r.calls) >= r.maxPerMinute {
		return false
	}
	if len(r.calls) > 0 && now.Sub(r.calls[len(r.calls)-1]) < r.minInterval {
		return false
	}
	return true
}

// Record notes that a call was made.
func (r *RateLimiter) Record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, r.now())
}

// WaitTime returns how long until the next call would be allowed.
func (r *RateLimiter) WaitTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.allowLocked(now) {
		return 0
	}
	if r.maxPerMinute > 0 && len(r.calls) >= r.maxPerMinute {
		return time.Minute - now.Sub(r.calls[0])
	}
	if len(r.calls) > 0 {
		if wait := r.minInterval - now.Sub(r.calls[len(r.calls)-1]); wait > 0 {
			return wait
		}
	}
	return 0
}

// pruneLocked drops call records older than the sliding window.
func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.calls[:0]
	for _, t := range r.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.calls = kept
}
