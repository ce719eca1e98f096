package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLaunchQuotaPerAccount(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	quota := NewLaunchQuota(client, 2, 1, time.Minute)

	allowed, _, err := quota.Allow(ctx, "acct-1")
	if err != nil || !allowed {
		t.Fatalf("first launch: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ = quota.Allow(ctx, "acct-1"); !allowed {
		t.Fatal("second launch should be allowed")
	}
	if allowed, _, _ = quota.Allow(ctx, "acct-1"); allowed {
		t.Fatal("third launch should be rejected")
	}

	// A different account has its own bucket.
	if allowed, _, _ = quota.Allow(ctx, "acct-2"); !allowed {
		t.Fatal("other account should not be throttled")
	}

	// Refill cannot be tested against miniredis.FastForward: the script takes
	// its clock from the caller, not from Redis.
}
