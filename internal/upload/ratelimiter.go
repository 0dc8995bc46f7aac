package upload

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// RateLimiterState is the outcome of a rate limiter check.
type RateLimiterState int

const (
	// StateIncrementing means the attempt is within budget and was counted.
	StateIncrementing RateLimiterState = iota
	// StateThrottled means the budget of the current window is spent.
	StateThrottled
)

func (s RateLimiterState) String() string {
	if s == StateThrottled {
		return "throttled"
	}
	return "incrementing"
}

// RateLimiter allows at most maxCount attempts per fixed window. It has no
// timer of its own; the window is evaluated on every State call.
type RateLimiter struct {
	clock    quartz.Clock
	interval time.Duration
	maxCount int

	mu      sync.Mutex
	started time.Time
	count   int
}

// NewRateLimiter returns a limiter of maxCount attempts per interval.
// Non-positive values use the defaults.
func NewRateLimiter(clock quartz.Clock, interval time.Duration, maxCount int) *RateLimiter {
	if interval <= 0 {
		interval = DefaultRateLimitInterval
	}
	if maxCount <= 0 {
		maxCount = DefaultRateLimitMaxCount
	}
	return &RateLimiter{clock: clock, interval: interval, maxCount: maxCount}
}

// State counts an attempt. When the window's budget is spent it reports
// StateThrottled and the time left in the window instead.
func (r *RateLimiter) State() (RateLimiterState, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	elapsed := now.Sub(r.started)
	// Start over once the window ran out or the clock moved backwards.
	if r.started.IsZero() || elapsed >= r.interval || elapsed < 0 {
		r.started = now
		r.count = 0
		elapsed = 0
	}

	if r.count >= r.maxCount {
		return StateThrottled, r.interval - elapsed
	}
	r.count++
	return StateIncrementing, 0
}
