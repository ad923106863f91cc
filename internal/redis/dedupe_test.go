package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestDeduperClaimsNewEvent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	deduper := NewDeduper(client, zap.NewNop())
	ctx := context.Background()

	if err := deduper.Claim(ctx, "owner-1", "evt-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeduperRejectsRedelivery(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	deduper := NewDeduper(client, zap.NewNop())
	ctx := context.Background()

	if err := deduper.Claim(ctx, "owner-1", "evt-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := deduper.Claim(ctx, "owner-1", "evt-1"); err != ErrDuplicateEvent {
		t.Fatalf("expected ErrDuplicateEvent, got: %v", err)
	}
}

func TestDeduperScopesByOwner(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	deduper := NewDeduper(client, zap.NewNop())
	ctx := context.Background()

	if err := deduper.Claim(ctx, "owner-1", "evt-1"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := deduper.Claim(ctx, "owner-2", "evt-1"); err != nil {
		t.Fatalf("same event ID under another owner should claim: %v", err)
	}
}

func TestDeduperReleaseAllowsRetry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	deduper := NewDeduper(client, zap.NewNop())
	ctx := context.Background()

	if err := deduper.Claim(ctx, "owner-1", "evt-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := deduper.Release(ctx, "owner-1", "evt-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := deduper.Claim(ctx, "owner-1", "evt-1"); err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
}
