package hub

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/broker"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/session"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	logger := zerolog.Nop()
	sessions := session.NewMemoryStore(time.Hour)
	b := broker.New(kvstore.NewMemoryStore(), "worker-test", logger)
	cfg := DefaultConfig()
	return New("worker-test", sessions, b, nil, logger, cfg)
}

func testConn(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return server
}

func TestHub_RegisterAddsToBothIndexes(t *testing.T) {
	h := testHub(t)
	c := newConnection(testConn(t), "sess-1", "user-1", "1.2.3.4", 4)

	h.register(c)

	h.mu.RLock()
	_, inSessions := h.localBySession["sess-1"]
	_, inUserIndex := h.userIndex["user-1"]["sess-1"]
	h.mu.RUnlock()

	if !inSessions || !inUserIndex {
		t.Fatalf("expected sess-1 registered in both indexes, got localBySession=%v userIndex=%v", inSessions, inUserIndex)
	}
}

func TestHub_UnregisterRemovesUserEntryWhenLastSession(t *testing.T) {
	h := testHub(t)
	c := newConnection(testConn(t), "sess-1", "user-1", "1.2.3.4", 4)
	h.register(c)

	h.unregister(c, "test")

	h.mu.RLock()
	_, stillHasUser := h.userIndex["user-1"]
	_, stillHasSession := h.localBySession["sess-1"]
	h.mu.RUnlock()

	if stillHasUser || stillHasSession {
		t.Fatalf("expected both entries removed, got userIndex present=%v localBySession present=%v", stillHasUser, stillHasSession)
	}
}

func TestHub_UnregisterKeepsUserEntryWithOtherSessionsLive(t *testing.T) {
	h := testHub(t)
	c1 := newConnection(testConn(t), "sess-1", "user-1", "1.2.3.4", 4)
	c2 := newConnection(testConn(t), "sess-2", "user-1", "1.2.3.4", 4)
	h.register(c1)
	h.register(c2)

	h.unregister(c1, "test")

	h.mu.RLock()
	set, ok := h.userIndex["user-1"]
	h.mu.RUnlock()

	if !ok || len(set) != 1 {
		t.Fatalf("expected one session left for user-1, got ok=%v set=%v", ok, set)
	}
}

func TestHub_DeliverToUserOnlyReachesThatUsersConnections(t *testing.T) {
	h := testHub(t)
	c1 := newConnection(testConn(t), "sess-1", "user-1", "1.2.3.4", 4)
	c2 := newConnection(testConn(t), "sess-2", "user-2", "1.2.3.4", 4)
	h.register(c1)
	h.register(c2)

	h.deliverToUser("user-1", kvstore.Envelope{Message: []byte("hello")})

	select {
	case got := <-c1.send:
		if string(got) != "hello" {
			t.Fatalf("got %q, want hello", got)
		}
	default:
		t.Fatal("expected user-1's connection to receive the envelope")
	}

	select {
	case got := <-c2.send:
		t.Fatalf("expected user-2's connection to receive nothing, got %q", got)
	default:
	}
}

// TestHub_CrossWorkerFanOutSuppressesSelfEcho models two workers sharing a
// broker backend with one connection for the same user on each: a reply
// published by worker 1 reaches worker 2's connection through its user
// subscription, while worker 1 does not redeliver its own publication.
func TestHub_CrossWorkerFanOutSuppressesSelfEcho(t *testing.T) {
	logger := zerolog.Nop()
	shared := kvstore.NewMemoryStore()
	h1 := New("worker-1", session.NewMemoryStore(time.Hour), broker.New(shared, "worker-1", logger), nil, logger, DefaultConfig())
	h2 := New("worker-2", session.NewMemoryStore(time.Hour), broker.New(shared, "worker-2", logger), nil, logger, DefaultConfig())

	c1 := newConnection(testConn(t), "sess-1", "user-1", "1.2.3.4", 4)
	c2 := newConnection(testConn(t), "sess-2", "user-1", "5.6.7.8", 4)
	h1.register(c1)
	h2.register(c2)

	reply := []byte(`{"type":"chat_reply","message":"Merhaba!"}`)
	if err := h1.broker.Publish(context.Background(), broker.UserTopic("user-1"), broker.TypeChatReply, "sess-1", reply); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-c2.send:
		if string(got) != string(reply) {
			t.Fatalf("worker-2's connection got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("worker-2's connection never received the fan-out")
	}

	select {
	case got := <-c1.send:
		t.Fatalf("worker-1 redelivered its own publication: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHub_SweepDeletesStaleStoreSessions drives the periodic sweep against
// the session store: entries idle past SessionTTL are deleted (and any
// local connection closed), fresh ones survive.
func TestHub_SweepDeletesStaleStoreSessions(t *testing.T) {
	h := testHub(t)
	h.cfg.SessionTTL = 50 * time.Millisecond
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Minute)
	now := time.Now().UTC()
	if err := h.sessions.Create(ctx, session.Info{SessionID: "sess-old", UserID: "user-1", WorkerID: "worker-test", CreatedAt: old, LastActivity: old}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.sessions.Create(ctx, session.Info{SessionID: "sess-live", UserID: "user-1", WorkerID: "worker-test", CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	go io.Copy(io.Discard, client) // drain the close frame; net.Pipe writes are synchronous
	stale := newConnection(server, "sess-old", "user-1", "1.2.3.4", 4)
	h.register(stale)

	h.sweepStaleSessions()

	if got, _ := h.sessions.Get(ctx, "sess-old"); got != nil {
		t.Error("stale session should have been deleted from the store")
	}
	if got, _ := h.sessions.Get(ctx, "sess-live"); got == nil {
		t.Error("live session should have survived the sweep")
	}
	select {
	case <-stale.closed:
	default:
		t.Error("the stale session's local connection should have been closed")
	}
}

// TestHub_TouchSessionRefreshesStore confirms inbound activity reaches the
// session store, not just connection-local state.
func TestHub_TouchSessionRefreshesStore(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Minute)
	if err := h.sessions.Create(ctx, session.Info{SessionID: "sess-1", UserID: "user-1", WorkerID: "worker-test", CreatedAt: created, LastActivity: created}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c := newConnection(testConn(t), "sess-1", "user-1", "1.2.3.4", 4)
	h.register(c)

	h.touchSession(c)

	info, err := h.sessions.Get(ctx, "sess-1")
	if err != nil || info == nil {
		t.Fatalf("Get: %v, %v", info, err)
	}
	if !info.LastActivity.After(created) {
		t.Errorf("last_activity not refreshed: %v", info.LastActivity)
	}
}

func TestHub_StartAndShutdown(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}
