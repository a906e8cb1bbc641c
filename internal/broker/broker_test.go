package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/kvstore"
)

func TestBroker_PublishStampsEnvelope(t *testing.T) {
	store := kvstore.NewMemoryStore()
	publisher := New(store, "worker-a", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw, unsub, err := store.Subscribe(ctx, UserTopic("user-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := publisher.Publish(ctx, UserTopic("user-1"), TypeChatReply, "sess-1", []byte(`{"message":"Merhaba!"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-raw:
		if env.Type != TypeChatReply || env.OriginWorkerID != "worker-a" || env.Target != "sess-1" {
			t.Errorf("envelope not stamped as expected: %+v", env)
		}
		if env.IssuedAt.IsZero() {
			t.Error("expected issued_at to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the published envelope")
	}
}

// TestBroker_SuppressesSelfEcho exercises fan-out self-suppression: a
// worker's own publications never come back through its subscription, while
// another worker's do.
func TestBroker_SuppressesSelfEcho(t *testing.T) {
	store := kvstore.NewMemoryStore()
	w1 := New(store, "worker-1", zerolog.Nop())
	w2 := New(store, "worker-2", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envs, unsub, err := w1.Subscribe(ctx, BroadcastTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := w1.Publish(ctx, BroadcastTopic, TypeBroadcast, "", []byte(`"self"`)); err != nil {
		t.Fatalf("self publish: %v", err)
	}
	if err := w2.Publish(ctx, BroadcastTopic, TypeBroadcast, "", []byte(`"peer"`)); err != nil {
		t.Fatalf("peer publish: %v", err)
	}

	select {
	case env := <-envs:
		if env.OriginWorkerID != "worker-2" {
			t.Fatalf("got an envelope from %q; worker-1's own publication should have been suppressed", env.OriginWorkerID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker-2's envelope")
	}

	select {
	case env := <-envs:
		t.Fatalf("unexpected second envelope: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_TopicNames(t *testing.T) {
	if got := UserTopic("u1"); got != "ws:user:u1" {
		t.Errorf("UserTopic = %q", got)
	}
	if got := SessionTopic("s1"); got != "ws:session:s1" {
		t.Errorf("SessionTopic = %q", got)
	}
	if BroadcastTopic != "ws:broadcast" || ControlTopic != "ws:control" {
		t.Error("fixed topic names changed")
	}
}
