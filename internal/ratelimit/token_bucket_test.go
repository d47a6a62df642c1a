package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterEnforcesCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lim := New(client, 2, 1, time.Minute)

	key := Key("client-a")
	allowed, _, err := lim.Allow(ctx, key)
	if err != nil || !allowed {
		t.Fatalf("first token: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ = lim.Allow(ctx, key); !allowed {
		t.Fatalf("second token should pass")
	}
	if allowed, _, _ = lim.Allow(ctx, key); allowed {
		t.Fatalf("third token should be rejected")
	}

	// Buckets are independent per caller.
	if allowed, _, _ = lim.Allow(ctx, Key("client-b")); !allowed {
		t.Fatalf("separate caller must have its own bucket")
	}

	// Refill cannot be driven through miniredis.FastForward since the script
	// takes its clock from the caller, so capacity exhaustion is the contract
	// under test.
}

func TestAllowNCost(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lim := New(client, 5, 1, time.Minute)

	allowed, remaining, err := lim.AllowN(ctx, Key("bulk"), 4)
	if err != nil || !allowed {
		t.Fatalf("bulk take: allowed=%v err=%v", allowed, err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 token left, got %v", remaining)
	}
	if allowed, _, _ = lim.AllowN(ctx, Key("bulk"), 2); allowed {
		t.Fatalf("overdraw must be rejected")
	}
}
