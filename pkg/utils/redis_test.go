package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestClaimScriptCompiles(t *testing.T) {
	// Compile-time smoke test: script should be initialized.
	if claimDueScript == nil {
		t.Fatalf("expected script to be initialized")
	}
}

func TestClaimDueMembers_RejectsBadArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := ClaimDueMembers(ctx, nil, "d", "a", time.Now(), time.Second, 1); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestClaimDueMembers_MovesDueIntoActive(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for i, m := range []string{"a", "b", "c"} {
		if err := rdb.ZAdd(ctx, "due", redis.Z{Score: float64(now.Add(time.Duration(i-1) * time.Minute).UnixMilli()), Member: m}).Err(); err != nil {
			t.Fatalf("zadd: %v", err)
		}
	}

	got, err := ClaimDueMembers(ctx, rdb, "due", "active", now, time.Minute, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
	score, err := rdb.ZScore(ctx, "active", "a").Result()
	if err != nil {
		t.Fatalf("zscore: %v", err)
	}
	if int64(score) != now.Add(time.Minute).UnixMilli() {
		t.Fatalf("expected lease deadline %d, got %d", now.Add(time.Minute).UnixMilli(), int64(score))
	}

	// Leased members are not handed out twice.
	again, err := ClaimDueMembers(ctx, rdb, "due", "active", now, time.Minute, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing, got %v", again)
	}

	// Expired leases come back.
	later, err := ClaimDueMembers(ctx, rdb, "due", "active", now.Add(2*time.Minute), time.Minute, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(later) != 3 {
		t.Fatalf("expected a, b and c, got %v", later)
	}
}
