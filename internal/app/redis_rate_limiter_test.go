package app

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisRateLimiterAllowsWhenDisabled(t *testing.T) {
	ctx := context.Background()

	var nilLimiter *RedisRateLimiter
	if d, err := nilLimiter.Allow(ctx, "exchange", "u1", 5, time.Minute); err != nil || !d.Allowed {
		t.Fatalf("nil limiter should allow, got %+v %v", d, err)
	}

	// Never dialled: every case below returns before the script runs.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	limiter := NewRedisRateLimiter(client, "")

	cases := []struct {
		name   string
		scope  string
		member string
		limit  int
		window time.Duration
	}{
		{"zero limit", "exchange", "u1", 0, time.Minute},
		{"zero window", "exchange", "u1", 5, 0},
		{"blank scope", "  ", "u1", 5, time.Minute},
		{"blank member", "exchange", "", 5, time.Minute},
	}
	for _, tc := range cases {
		d, err := limiter.Allow(ctx, tc.scope, tc.member, tc.limit, tc.window)
		if err != nil || !d.Allowed {
			t.Errorf("%s: expected allow, got %+v err=%v", tc.name, d, err)
		}
	}
}

func TestRedisRateLimiterKey(t *testing.T) {
	if got := NewRedisRateLimiter(nil, "").key("exchange", "u1"); got != "rewear:rate_limit:exchange:u1" {
		t.Fatalf("unexpected default key %q", got)
	}
	if got := NewRedisRateLimiter(nil, " custom: ").key("exchange", "u1"); got != "custom:exchange:u1" {
		t.Fatalf("unexpected custom key %q", got)
	}
}

func TestDecide(t *testing.T) {
	d := decide(3, 3, 1500*time.Millisecond)
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("third hit of three should pass with nothing left, got %+v", d)
	}
	d = decide(3, 4, 1500*time.Millisecond)
	if d.Allowed || d.Remaining != 0 || d.RetryAfterSeconds() != 2 {
		t.Fatalf("fourth hit should be refused for 2s, got %+v", d)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		time.Millisecond:        1,
		time.Second:             1,
		time.Second + 1:         2,
		59 * time.Second:        59,
		59*time.Second + 999999: 60,
	}
	for ttl, want := range cases {
		if got := (RateDecision{RetryAfter: ttl}).RetryAfterSeconds(); got != want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", ttl, got, want)
		}
	}
}
