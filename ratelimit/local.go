// Package ratelimit implements the token bucket rate limiter in both its
// local (single-process, mutex-guarded) and distributed (etcd-STM-backed)
// forms.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a local, single-process token bucket. capacity tokens may
// be consumed; rate tokens are generated per millisecond of elapsed time.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64
	rate     float64 // tokens per millisecond

	consumedTokens    int64
	lastRefreshTimeMs int64
}

// NewTokenBucket creates a bucket with the given capacity and refill rate
// (tokens per millisecond).
func NewTokenBucket(capacity int64, rate float64) *TokenBucket {
	return &TokenBucket{capacity: capacity, rate: rate}
}

// Acquire attempts to consume n tokens, returning whether there was room.
// The refill arithmetic intentionally never discards sub-token elapsed
// time: lastRefreshTimeMs only advances by the portion of elapsed time
// that was actually converted into whole tokens, so fractional progress
// carries over to the next call instead of being rounded away.
func (b *TokenBucket) Acquire(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UnixMilli()
	elapsed := now - b.lastRefreshTimeMs
	if elapsed < 0 {
		elapsed = 0
	}
	newTokens := int64(float64(elapsed) * b.rate)

	b.lastRefreshTimeMs = now - (elapsed - int64(float64(newTokens)/b.rate))

	if b.consumedTokens > b.capacity {
		b.consumedTokens = b.capacity
	}
	b.consumedTokens -= newTokens
	if b.consumedTokens < 0 {
		b.consumedTokens = 0
	}

	if b.consumedTokens+n <= b.capacity {
		b.consumedTokens += n
		return true
	}
	return false
}
