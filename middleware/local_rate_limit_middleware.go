package middleware

import (
	"context"
	"mini-rpc/message"
	"mini-rpc/ratelimit"
)

// LocalTokenBucketMiddleware wraps a ratelimit.TokenBucket as a Middleware,
// rejecting a request instead of forwarding it once the bucket is empty.
// Unlike RateLimitMiddleware (golang.org/x/time/rate, a fixed-rate limiter
// with no cross-instance state), this one uses the same token-bucket scheme
// as the distributed bucket, kept in one process. The refill arithmetic is
// not identical: the local bucket's rate is in tokens per millisecond, the
// distributed bucket's in tokens per second over whole-second timestamps.
func LocalTokenBucketMiddleware(bucket *ratelimit.TokenBucket) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !bucket.Acquire(1) {
				return &message.RPCMessage{Error: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
