// Package ratelimit implements a fixed-window request counter on Redis,
// scoped per (provider, tenant). Counters live in Redis so limits hold
// across process restarts within the window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript atomically increments the window counter, starts the TTL
// window on the first increment, and reads the remaining TTL. Concurrent
// callers can never both slip past the limit on a read-modify-write gap.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// InfraError marks the counter store as unreachable. It is deliberately
// distinct from a denial: the dispatcher retries the check later instead
// of treating the job as rate limited or failed.
type InfraError struct {
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("rate limit store unreachable: %v", e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration // set when denied: time until the window resets
}

type Limiter struct {
	rdb redis.Scripter
}

func NewLimiter(rdb redis.Scripter) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow consumes one request from the (provider, tenant) window and
// reports whether it fit under limit. Store errors surface as
// *InfraError, never as a denial.
func (l *Limiter) Allow(ctx context.Context, provider, tenantID string, limit int64, window time.Duration) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", provider, tenantID)

	vals, err := incrScript.Run(ctx, l.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, &InfraError{Err: err}
	}
	if len(vals) != 2 {
		return Decision{}, &InfraError{Err: fmt.Errorf("unexpected script reply: %v", vals)}
	}
	count, ttlMs := vals[0], vals[1]

	if count > limit {
		retryAfter := window
		if ttlMs > 0 {
			retryAfter = time.Duration(ttlMs) * time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: limit - count}, nil
}
