package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %q", got)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "k1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_SetTTLExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "ephemeral", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Get(ctx, "ephemeral"); err != nil {
		t.Fatalf("expected value still present, got %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := store.Get(ctx, "ephemeral"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after ttl expiry, got %v", err)
	}
}

func TestMemoryStore_CASCreateAndReplace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.CAS(ctx, "refresh:family1", nil, []byte("token-a"), 0)
	if err != nil || !ok {
		t.Fatalf("expected CAS create to succeed, ok=%v err=%v", ok, err)
	}

	// A second "create" against the same key must fail: it already exists.
	ok, err = store.CAS(ctx, "refresh:family1", nil, []byte("token-b"), 0)
	if err != nil || ok {
		t.Fatalf("expected second create CAS to fail, ok=%v err=%v", ok, err)
	}

	// Replacing with the wrong expected value must fail without mutating.
	ok, err = store.CAS(ctx, "refresh:family1", []byte("token-wrong"), []byte("token-c"), 0)
	if err != nil || ok {
		t.Fatalf("expected mismatched CAS to fail, ok=%v err=%v", ok, err)
	}

	ok, err = store.CAS(ctx, "refresh:family1", []byte("token-a"), []byte("token-c"), 0)
	if err != nil || !ok {
		t.Fatalf("expected matching CAS to succeed, ok=%v err=%v", ok, err)
	}
	got, _ := store.Get(ctx, "refresh:family1")
	if string(got) != "token-c" {
		t.Errorf("expected token-c after CAS, got %q", got)
	}
}

func TestMemoryStore_SortedSetSlidingWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "ratelimit:user-1"

	if err := store.ZAdd(ctx, key, 100, "req-1", 0); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := store.ZAdd(ctx, key, 200, "req-2", 0); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := store.ZAdd(ctx, key, 300, "req-3", 0); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	card, err := store.ZCard(ctx, key)
	if err != nil || card != 3 {
		t.Fatalf("expected cardinality 3, got %d err=%v", card, err)
	}

	// Simulate the rate limiter trimming everything older than t=150.
	if err := store.ZRemRangeByScore(ctx, key, 0, 150); err != nil {
		t.Fatalf("zremrangebyscore: %v", err)
	}

	card, err = store.ZCard(ctx, key)
	if err != nil || card != 2 {
		t.Fatalf("expected cardinality 2 after trim, got %d err=%v", card, err)
	}

	members, err := store.ZRangeByScore(ctx, key, 0, 1000)
	if err != nil {
		t.Fatalf("zrangebyscore: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 remaining members, got %d", len(members))
	}
}

func TestMemoryStore_PubSubDeliversToSubscribers(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub, err := store.Subscribe(ctx, "ws:broadcast")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	env := Envelope{Type: "chat_message", OriginWorkerID: "worker-a", Target: "ws:broadcast"}
	if err := store.Publish(ctx, "ws:broadcast", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.OriginWorkerID != "worker-a" {
			t.Errorf("expected origin worker-a, got %q", got.OriginWorkerID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published envelope")
	}
}

func TestMemoryStore_PubSubIgnoresOtherTopics(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub, err := store.Subscribe(ctx, "ws:session:s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := store.Publish(ctx, "ws:session:s2", Envelope{Type: "chat_message"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope delivered to unrelated topic: %+v", env)
	case <-time.After(50 * time.Millisecond):
		// expected: no delivery across topics
	}
}
