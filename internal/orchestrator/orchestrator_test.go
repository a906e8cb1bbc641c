package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/broker"
	"github.com/kosee-dev/chatfleet/internal/cache"
	"github.com/kosee-dev/chatfleet/internal/chatstore"
	"github.com/kosee-dev/chatfleet/internal/circuit"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/matcher"
	"github.com/kosee-dev/chatfleet/internal/ratelimit"
)

func testOrchestrator(t *testing.T) (*Orchestrator, chatstore.Store) {
	t.Helper()
	logger := zerolog.Nop()
	store := kvstore.NewMemoryStore()
	limiter := ratelimit.New(store, ratelimit.Limits{
		Window: time.Minute, General: 100, Chat: 100, Login: 5, CleanupInterval: time.Hour,
	}, false, logger)
	t.Cleanup(limiter.Close)

	c := cache.New(100, time.Minute, nil)
	stack := matcher.New(
		matcher.DefaultCatalogue(),
		matcher.DefaultThresholds(),
		nil, nil, nil,
		circuit.New("vector", 5, 30*time.Second, logger),
		circuit.New("generator", 5, 30*time.Second, logger),
		logger,
	)
	chat := chatstore.NewMemoryStore()
	b := broker.New(store, "worker-1", logger)

	return New(limiter, c, stack, chat, b, logger, Config{}), chat
}

func TestOrchestrator_Handle_ReturnsReply(t *testing.T) {
	o, _ := testOrchestrator(t)
	reply, err := o.Handle(context.Background(), "1.2.3.4", "user-1", "session-1", "merhaba", "tr", "member")
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if reply.SourceTag != matcher.SourceStatic {
		t.Errorf("got source tag %q, want static", reply.SourceTag)
	}
	if reply.Message != "Merhaba!" {
		t.Errorf("got message %q, want the catalogue greeting", reply.Message)
	}
}

func TestOrchestrator_Handle_PersistsTurn(t *testing.T) {
	o, store := testOrchestrator(t)
	if _, err := o.Handle(context.Background(), "1.2.3.4", "user-1", "session-1", "merhaba", "tr", "member"); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	history, err := store.History(context.Background(), "session-1", 10)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d history entries, want 1", len(history))
	}
	if history[0].BotResponse != "Merhaba!" {
		t.Errorf("got bot response %q, want the catalogue greeting", history[0].BotResponse)
	}
}

func TestOrchestrator_Handle_RejectsEmptyMessage(t *testing.T) {
	o, _ := testOrchestrator(t)
	if _, err := o.Handle(context.Background(), "1.2.3.4", "user-1", "session-1", "", "tr", "member"); err == nil {
		t.Fatal("expected an error for an empty message")
	}
}

func TestOrchestrator_Handle_RateLimitsAfterExhaustion(t *testing.T) {
	logger := zerolog.Nop()
	store := kvstore.NewMemoryStore()
	limiter := ratelimit.New(store, ratelimit.Limits{
		Window: time.Minute, General: 100, Chat: 1, Login: 5, CleanupInterval: time.Hour,
	}, false, logger)
	defer limiter.Close()

	c := cache.New(100, time.Minute, nil)
	stack := matcher.New(matcher.DefaultCatalogue(), matcher.DefaultThresholds(), nil, nil, nil,
		circuit.New("vector", 5, 30*time.Second, logger),
		circuit.New("generator", 5, 30*time.Second, logger), logger)
	chat := chatstore.NewMemoryStore()
	o := New(limiter, c, stack, chat, broker.New(store, "worker-1", logger), logger, Config{})

	if _, err := o.Handle(context.Background(), "9.9.9.9", "user-1", "session-1", "merhaba", "tr", "member"); err != nil {
		t.Fatalf("first call should be admitted: %v", err)
	}
	if _, err := o.Handle(context.Background(), "9.9.9.9", "user-1", "session-1", "merhaba", "tr", "member"); err != ErrRateLimited {
		t.Errorf("got err %v, want ErrRateLimited", err)
	}
}
