package client

import (
	"errors"
	"time"

	"mini-rpc/rpcerr"
)

// RetryPolicy retries a Call a bounded number of times when it fails with one
// of a configured set of transport-level error kinds — failures meaning the
// request never reliably reached or heard back from a server (dial failure,
// pool exhaustion, write/read abort or timeout, too many pending writes) — as opposed to a business error the
// server legitimately returned, which is never retried.
//
// Grounded on retry_policy.py's RetryPolicy: a bounded retry count (-1 means
// unlimited) and a fixed interval between attempts, not exponential backoff.
type RetryPolicy struct {
	MaxRetries int           // -1 retries forever
	Interval   time.Duration // fixed delay between attempts
	kinds      map[rpcerr.Kind]struct{}
}

// DefaultRetryableKinds covers the transport failures a client can observe
// before a request is known to have reached the server: dial failure, pool
// exhaustion, write/read abort, write/read timeout, and the pending-write
// limit being reached. A server error, or a malformed response,
// is never in this set — retrying those would resend a request the server
// may have already executed.
var DefaultRetryableKinds = []rpcerr.Kind{
	rpcerr.KindCreateConnectionError,
	rpcerr.KindNoAvailableConnection,
	rpcerr.KindConnectionAbortError,
	rpcerr.KindConnectionWriteTimeout,
	rpcerr.KindConnectionReadTimeout,
	rpcerr.KindMaxPendingWritesReached,
}

// NewRetryPolicy builds a policy retrying up to maxRetries times (-1 for
// unlimited), waiting interval between attempts, for the given error kinds.
// A nil or empty kinds list falls back to DefaultRetryableKinds.
func NewRetryPolicy(maxRetries int, interval time.Duration, kinds ...rpcerr.Kind) *RetryPolicy {
	if len(kinds) == 0 {
		kinds = DefaultRetryableKinds
	}
	m := make(map[rpcerr.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		m[k] = struct{}{}
	}
	return &RetryPolicy{MaxRetries: maxRetries, Interval: interval, kinds: m}
}

func (p *RetryPolicy) retryable(err error) bool {
	var rerr *rpcerr.Error
	if !errors.As(err, &rerr) {
		return false
	}
	_, ok := p.kinds[rerr.Kind]
	return ok
}

// CallWithRetry runs Call under the given policy, retrying on the policy's
// retryable error kinds and returning immediately on success or on any
// non-retryable error (including a server-side business error).
func (c *Client) CallWithRetry(policy *RetryPolicy, serviceMethod string, args any, reply any) error {
	var err error
	for attempt := 0; policy.MaxRetries < 0 || attempt <= policy.MaxRetries; attempt++ {
		err = c.Call(serviceMethod, args, reply)
		if err == nil || !policy.retryable(err) {
			return err
		}
		time.Sleep(policy.Interval)
	}
	return err
}
