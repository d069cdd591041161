// Package exchange implements the exchange-facing clients: the REST client
// used for orders, balances and candle backfill, the websocket ticker feed,
// and a paper-trading implementation used for validation fills and for
// running the whole system without real money.
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

// RateLimiter groups token buckets by API endpoint category. Order
// submission and cancellation share the stricter bucket; market data
// reads get a looser one.
type RateLimiter struct {
	Order *TokenBucket // order submit / poll / cancel
	Query *TokenBucket // candles, tickers, balances
}

// NewRateLimiter creates rate limiters for the order and query categories.
func NewRateLimiter(orderBurst, orderPerSec, queryBurst, queryPerSec float64) *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(orderBurst, orderPerSec),
		Query: NewTokenBucket(queryBurst, queryPerSec),
	}
}
