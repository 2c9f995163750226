package cache

import (
	"context"
	"testing"
	"time"

	"crashout/internal/money"
)

func multiplier(v int64) money.Multiplier { return money.Multiplier(v) }

// newTestService connects to a local redis, skipping when none is running.
func newTestService(t *testing.T) Service {
	t.Helper()
	svc, err := New(Options{Addr: "localhost:6379", DB: 15})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		svc.GetClient().FlushDB(context.Background())
		svc.Close()
	})
	return svc
}

func TestHealth(t *testing.T) {
	svc := newTestService(t)
	stats := svc.Health(context.Background())
	if stats["status"] != "up" {
		t.Errorf("status = %s, want up", stats["status"])
	}
}

func TestCheckRateLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key := "test-route:u1"
	for i := 0; i < 3; i++ {
		allowed, _, err := svc.CheckRateLimit(ctx, key, 3, time.Minute)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	allowed, retryAfter, err := svc.CheckRateLimit(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if allowed {
		t.Error("fourth call should be limited")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within (0, 1m]", retryAfter)
	}
}

func TestCrashHistory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, cp := range []int64{150, 245, 102} {
		if err := svc.RecordCrash(ctx, multiplier(cp)); err != nil {
			t.Fatalf("RecordCrash: %v", err)
		}
	}

	crashes, err := svc.RecentCrashes(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCrashes: %v", err)
	}
	if len(crashes) != 3 {
		t.Fatalf("crashes = %d, want 3", len(crashes))
	}
	// Newest first.
	if crashes[0] != 102 || crashes[2] != 150 {
		t.Errorf("order = %v, want [102 245 150]", crashes)
	}
}
