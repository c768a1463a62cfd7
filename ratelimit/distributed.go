package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// rateLimitLog is reserved for failed STM transactions, which would
// otherwise be invisible failures inside a background rate-limit check.
var rateLimitLog = newRateLimitLogger()

func newRateLimitLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// DistributedTokenBucket is a token bucket shared across every process that
// points at the same etcd cluster and key. It stores two sibling keys:
//
//	<key>     the token count remaining as of <key>.ts
//	<key>.ts  the whole-second unix timestamp of that reading
//
// Both keys carry a TTL of floor(2*capacity/rate) seconds so an abandoned
// bucket self-cleans instead of pinning etcd storage forever. Reads and
// the subsequent compare-and-swap run inside an STM transaction, which is
// etcd's equivalent of the atomic Lua script a Redis-backed limiter would
// use — etcd has no server-side scripting, so the atomicity has to come
// from optimistic concurrency control instead.
type DistributedTokenBucket struct {
	client   *clientv3.Client
	key      string
	capacity int64
	rate     float64 // tokens per second
	ttl      int64   // seconds
}

// NewDistributedTokenBucket creates a distributed bucket keyed by key,
// sharing state with every other client constructed against the same key
// and etcd cluster.
func NewDistributedTokenBucket(client *clientv3.Client, key string, capacity int64, rate float64) *DistributedTokenBucket {
	ttl := int64(math.Floor(2 * float64(capacity) / rate))
	if ttl < 1 {
		ttl = 1
	}
	return &DistributedTokenBucket{
		client:   client,
		key:      key,
		capacity: capacity,
		rate:     rate,
		ttl:      ttl,
	}
}

// Acquire attempts to consume n tokens, returning whether there was room
// and the token count left in the bucket afterward.
func (b *DistributedTokenBucket) Acquire(ctx context.Context, n int64) (bool, int64, error) {
	lease, err := b.client.Grant(ctx, b.ttl)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: grant lease: %w", err)
	}

	tsKey := b.key + ".ts"
	var allowed bool
	var remaining int64

	apply := func(stm concurrency.STM) error {
		lastTokens := b.capacity
		if v := stm.Get(b.key); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("ratelimit: parse token count %q: %w", v, err)
			}
			lastTokens = parsed
		}

		var lastTs int64
		if v := stm.Get(tsKey); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("ratelimit: parse timestamp %q: %w", v, err)
			}
			lastTs = parsed
		}

		now := time.Now().Unix()
		elapsed := now - lastTs
		if elapsed < 0 {
			elapsed = 0
		}

		filled := lastTokens + int64(float64(elapsed)*b.rate)
		if filled > b.capacity {
			filled = b.capacity
		}

		if filled >= n {
			allowed = true
			remaining = filled - n
		} else {
			allowed = false
			remaining = filled
		}

		stm.Put(b.key, strconv.FormatInt(remaining, 10), clientv3.WithLease(lease.ID))
		stm.Put(tsKey, strconv.FormatInt(now, 10), clientv3.WithLease(lease.ID))
		return nil
	}

	if _, err := concurrency.NewSTM(b.client, apply, concurrency.WithAbortContext(ctx)); err != nil {
		rateLimitLog.Warn("stm transaction failed", zap.String("key", b.key), zap.Error(err))
		return false, 0, fmt.Errorf("ratelimit: stm transaction: %w", err)
	}
	return allowed, remaining, nil
}
