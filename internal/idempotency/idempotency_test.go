package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestArbitrate_NewKey(t *testing.T) {
	store := NewInMemoryStore()
	outcome, _, err := Arbitrate(context.Background(), store, "key1", "hash1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != New {
		t.Fatalf("expected New outcome for unseen key, got %v", outcome)
	}
}

func TestArbitrate_Replay(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if err := Remember(ctx, store, "key1", "hash1", map[string]string{"ride": "r1"}, time.Minute); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	outcome, cached, err := Arbitrate(ctx, store, "key1", "hash1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Replay {
		t.Fatalf("expected Replay outcome for same key/hash, got %v", outcome)
	}
	if len(cached) == 0 {
		t.Fatalf("expected cached response on replay")
	}
}

func TestArbitrate_Conflict(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if err := Remember(ctx, store, "key1", "hash1", map[string]string{"ride": "r1"}, time.Minute); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	outcome, _, err := Arbitrate(ctx, store, "key1", "hash2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Conflict {
		t.Fatalf("expected Conflict outcome for same key with different hash, got %v", outcome)
	}
}

func TestArbitrate_EmptyKeyAlwaysNew(t *testing.T) {
	store := NewInMemoryStore()
	outcome, _, err := Arbitrate(context.Background(), store, "", "hash1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != New {
		t.Fatalf("expected New for empty key, got %v", outcome)
	}
}

func TestHashRequest_Stable(t *testing.T) {
	body := map[string]any{"riderId": "r1", "pickupLat": 40.758}
	h1, err := HashRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := HashRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash for identical body, got %s vs %s", h1, h2)
	}
}

func TestInMemoryStore_Expiry(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if err := store.Put(ctx, "key1", Record{Hash: "h"}, time.Millisecond); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := store.Get(ctx, "key1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}
