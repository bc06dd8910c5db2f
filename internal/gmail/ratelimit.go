package gmail

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Operation is a Gmail API call with its quota cost.
type Operation int

const (
	OpLabelsList   Operation = iota // 1 unit
	OpLabelsGet                     // 1 unit
	OpMessagesList                  // 5 units
	OpMessagesGet                   // 5 units
	OpThreadsList                   // 10 units
	OpThreadsGet                    // 10 units
)

// Cost returns the quota units charged for the operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesList, OpMessagesGet:
		return 5
	case OpThreadsList, OpThreadsGet:
		return 10
	default:
		return 1
	}
}

const (
	// DefaultCapacity is Gmail's per-user quota burst.
	DefaultCapacity = 250
	// DefaultRefillRate is quota units per second at defaultQPS.
	DefaultRefillRate = 250.0
	// MinQPS keeps the refill rate positive.
	MinQPS = 0.1

	defaultQPS             = 5.0
	throttleRecoveryFactor = 0.5
	minWait                = 10 * time.Millisecond
)

// RateLimiter is a token bucket over Gmail quota units. It is shared by
// every account a Client serves and is safe for concurrent use.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64
	baseRefillRate float64
	lastRefill     time.Time
	throttledUntil time.Time
}

// NewRateLimiter creates a limiter allowing roughly qps requests per second.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if clk == nil {
		panic("gmail: RateLimiter requires a non-nil Clock")
	}
	scale := max(qps, MinQPS) / defaultQPS
	if scale > 1 {
		scale = 1
	}
	rate := DefaultRefillRate * scale
	return &RateLimiter{
		clock:          clk,
		tokens:         DefaultCapacity,
		capacity:       DefaultCapacity,
		refillRate:     rate,
		baseRefillRate: rate,
		lastRefill:     clk.Now(),
	}
}

// Acquire blocks until op's cost is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		wait := r.reserve(float64(op.Cost()))
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// reserve takes cost tokens and returns 0, or returns how long to wait
// before trying again.
func (r *RateLimiter) reserve(cost float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}
	r.refill(now)

	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}
	wait := time.Duration((cost - r.tokens) / r.refillRate * float64(time.Second))
	return max(wait, minWait)
}

// refill must be called with mu held.
func (r *RateLimiter) refill(now time.Time) {
	if now.Before(r.throttledUntil) {
		r.lastRefill = now
		return
	}
	if !r.throttledUntil.IsZero() && r.refillRate < r.baseRefillRate {
		r.refillRate = r.baseRefillRate
	}
	r.tokens = min(r.capacity, r.tokens+now.Sub(r.lastRefill).Seconds()*r.refillRate)
	r.lastRefill = now
}

// Available returns the tokens currently in the bucket.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.clock.Now())
	return r.tokens
}

// Throttle empties the bucket and blocks refills for d. An existing longer
// window is kept.
func (r *RateLimiter) Throttle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if end := r.clock.Now().Add(d); end.After(r.throttledUntil) {
		r.throttledUntil = end
	}
	r.lastRefill = r.throttledUntil
	r.tokens = 0
	r.refillRate = r.baseRefillRate * throttleRecoveryFactor
}
