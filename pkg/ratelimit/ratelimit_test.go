package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// These tests need a live Redis. Set RATELIMIT_TEST_REDIS_ADDR (e.g.
// localhost:6379) to run them; they are skipped otherwise.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("RATELIMIT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RATELIMIT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestAllow_WindowLimit(t *testing.T) {
	rdb := testClient(t)
	limiter := NewLimiter(rdb)
	ctx := context.Background()

	tenant := fmt.Sprintf("tenant-%d", time.Now().UnixNano())

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "test", tenant, 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := int64(3 - i - 1); d.Remaining != want {
			t.Errorf("Remaining = %d, want %d", d.Remaining, want)
		}
	}

	d, err := limiter.Allow(ctx, "test", tenant, 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if d.Allowed {
		t.Fatal("request over the limit should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
	}
}

func TestAllow_SeparateTenantWindows(t *testing.T) {
	rdb := testClient(t)
	limiter := NewLimiter(rdb)
	ctx := context.Background()

	base := time.Now().UnixNano()
	a := fmt.Sprintf("tenant-a-%d", base)
	b := fmt.Sprintf("tenant-b-%d", base)

	d, err := limiter.Allow(ctx, "test", a, 1, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("tenant a first request: allowed=%v err=%v", d.Allowed, err)
	}
	d, err = limiter.Allow(ctx, "test", a, 1, time.Minute)
	if err != nil || d.Allowed {
		t.Fatalf("tenant a second request: allowed=%v err=%v", d.Allowed, err)
	}

	// Tenant b has its own window and is unaffected.
	d, err = limiter.Allow(ctx, "test", b, 1, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("tenant b first request: allowed=%v err=%v", d.Allowed, err)
	}
}

func TestAllow_StoreUnreachableIsInfraError(t *testing.T) {
	// Port 1 is never a Redis.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	limiter := NewLimiter(rdb)
	_, err := limiter.Allow(context.Background(), "test", "tenant", 10, time.Minute)
	if err == nil {
		t.Fatal("expected an error for an unreachable store")
	}
	var infra *InfraError
	if !errors.As(err, &infra) {
		t.Fatalf("expected *InfraError, got %T: %v", err, err)
	}
}
