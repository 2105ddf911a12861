// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Binance enforces request-weight limits per minute plus a separate order
// budget. A smooth token bucket that refills continuously keeps the client
// under the hard limits without bursty stalls. Two buckets are maintained:
//
//   - Trade: order placement and cancellation
//   - Data:  tickers, balances, positions, open orders
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were recalculated
}

// NewTokenBucket creates a rate limiter with the given burst capacity and
// refill rate. The bucket starts full.
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

// RateLimiter groups token buckets by venue endpoint category. Every
// adapter call waits on the appropriate bucket before issuing the request.
type RateLimiter struct {
	Trade *TokenBucket // order placement, cancellation, leverage changes
	Data  *TokenBucket // tickers, balances, positions, order reads
}

// NewRateLimiter creates buckets tuned well inside Binance's published
// limits (1200 weight/min, 300 orders per 10s on futures).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trade: NewTokenBucket(100, 20),
		Data:  NewTokenBucket(200, 15),
	}
}
