// ABOUTME: Tests for the Redis snapshot store, gated on REDIS_URL
// ABOUTME: Skipped unless a reachable Redis is configured in the environment

package snapshot

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/oklog/ulid/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	// Unique key per test run so parallel CI jobs don't collide.
	key := "foldqueue:test:" + ulid.Make().String()
	store, err := NewRedisStore(context.Background(), url, key, 0)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() {
		store.client.Del(context.Background(), key)
		store.Close()
	})
	return store
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	store := newTestRedisStore(t)

	ctx := context.Background()
	snap := buildSnapshot(t)

	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	got, err := store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if countNodes(got) != countNodes(snap) {
		t.Errorf("node count mismatch: got %d, want %d", countNodes(got), countNodes(snap))
	}
}

func TestRedisStore_LoadLatest_NoSnapshot(t *testing.T) {
	store := newTestRedisStore(t)

	_, err := store.LoadLatest(context.Background())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestRedisStore_RejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "://not-a-url", "key", 0)
	if err == nil {
		t.Error("expected error for malformed url")
	}
}
