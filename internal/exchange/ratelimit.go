// ratelimit.go implements token-bucket rate limiting for the live adapter.
//
// Venues enforce per-category limits measured in requests per window. The
// buckets here refill continuously rather than in window-sized bursts, so a
// steady caller never brushes against the hard limit.
//
// Three buckets are maintained:
//   - Order:  placing new orders
//   - Cancel: cancelling orders
//   - Data:   balance, status, and history reads
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by API endpoint category. Each live
// request must call the appropriate bucket's Wait() before going out.
type RateLimiter struct {
	Order  *TokenBucket // order placement
	Cancel *TokenBucket // order cancellation
	Data   *TokenBucket // balances, order status, trade history
}

// NewRateLimiter creates buckets tuned to common venue limits. Capacities
// are the 10-second burst allowance, rates 1/10th for smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(100, 10), // 1000 per 10s window
		Cancel: NewTokenBucket(100, 10), // 1000 per 10s window
		Data:   NewTokenBucket(200, 20), // 2000 per 10s window
	}
}
