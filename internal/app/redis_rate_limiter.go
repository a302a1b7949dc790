package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRateLimitPrefix = "rewear:rate_limit"

// exchangeWindowScript counts one hit and reports {count, ttl_ms}. The window starts on the
// first hit and is never extended by later ones.
var exchangeWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// RateDecision is the outcome of one counted hit.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d RateDecision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimiter counts hits of one member within a scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope string, memberID string, limit int, window time.Duration) (RateDecision, error)
}

// RedisRateLimiter keeps exchange counters in Redis so every replica shares one window.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) key(scope, memberID string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, memberID)
}

// Allow records one hit. A limiter without a client, limit, window, scope or member always
// allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope string, memberID string, limit int, window time.Duration) (RateDecision, error) {
	open := RateDecision{Allowed: true, Limit: limit, Remaining: limit}
	scope, memberID = strings.TrimSpace(scope), strings.TrimSpace(memberID)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || memberID == "" {
		return open, nil
	}
	if window < time.Second {
		window = time.Second
	}

	reply, err := exchangeWindowScript.Run(ctx, r.client, []string{r.key(scope, memberID)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return open, fmt.Errorf("exchange rate limit script: %w", err)
	}
	if len(reply) != 2 {
		return open, fmt.Errorf("exchange rate limit script returned %d values", len(reply))
	}
	return decide(limit, reply[0], time.Duration(reply[1])*time.Millisecond), nil
}

func decide(limit int, hits int64, ttl time.Duration) RateDecision {
	remaining := int64(limit) - hits
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:    hits <= int64(limit),
		Limit:      limit,
		Remaining:  int(remaining),
		RetryAfter: ttl,
	}
}
