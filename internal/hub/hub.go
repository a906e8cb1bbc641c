// Package hub is the per-worker fan-out core: it holds every
// locally-terminated WebSocket, the session-store bookkeeping around them,
// and the per-user broker subscriptions that deliver another worker's
// replies to this worker's connections. Background sweeps evict sessions
// left behind by a previous incarnation of this worker and sessions idle
// past their TTL.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/broker"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/orchestrator"
	"github.com/kosee-dev/chatfleet/internal/session"
)

// Config carries the hub's WebSocket and shutdown tunables.
type Config struct {
	MaxFrameBytes        int
	IdleTimeout          time.Duration
	PongTimeout          time.Duration
	SendQueueCapacity    int
	ShutdownGrace        time.Duration
	SessionTTL           time.Duration
	StaleSweepInterval   time.Duration
	OrchestrationTimeout time.Duration
}

// DefaultConfig is the production default set.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:        65536,
		IdleTimeout:          30 * time.Second,
		PongTimeout:          10 * time.Second,
		SendQueueCapacity:    64,
		ShutdownGrace:        10 * time.Second,
		SessionTTL:           time.Hour,
		StaleSweepInterval:   60 * time.Second,
		OrchestrationTimeout: 15 * time.Second,
	}
}

// Hub is one worker's ConnectionHub.
type Hub struct {
	workerID string
	cfg      Config

	sessions     session.Store
	broker       *broker.Broker
	orchestrator *orchestrator.Orchestrator
	logger       zerolog.Logger

	mu              sync.RWMutex
	localBySession  map[string]*Connection
	userIndex       map[string]map[string]struct{} // user_id -> set of session_id
	userUnsubscribe map[string]func()              // user_id -> broker unsubscribe, refcounted via userIndex

	accepting bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Hub bound to workerID.
func New(workerID string, sessions session.Store, b *broker.Broker, orch *orchestrator.Orchestrator, logger zerolog.Logger, cfg Config) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		workerID:        workerID,
		cfg:             cfg,
		sessions:        sessions,
		broker:          b,
		orchestrator:    orch,
		logger:          logger,
		localBySession:  make(map[string]*Connection),
		userIndex:       make(map[string]map[string]struct{}),
		userUnsubscribe: make(map[string]func()),
		accepting:       true,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start subscribes to the broadcast/control topics and launches the
// worker-loss and stale-session background tasks. It does not block.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.subscribeFixedTopics(ctx); err != nil {
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.evictStaleFromPreviousIncarnation(ctx)
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.staleSessionSweepLoop()
	}()

	if err := h.broker.AnnounceWorkerUp(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("failed to announce worker up")
	}
	return nil
}

func (h *Hub) subscribeFixedTopics(ctx context.Context) error {
	for _, topic := range []string{broker.BroadcastTopic, broker.ControlTopic} {
		envs, _, err := h.broker.Subscribe(h.ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		h.wg.Add(1)
		go func(topic string, envs <-chan kvstore.Envelope) {
			defer h.wg.Done()
			for env := range envs {
				h.deliverBroadcast(env)
			}
		}(topic, envs)
	}
	return nil
}

// evictStaleFromPreviousIncarnation lists this worker id's sessions at
// startup and deletes every entry: none of them can be reattached to a
// live WebSocket in this process.
func (h *Hub) evictStaleFromPreviousIncarnation(ctx context.Context) {
	ids, err := h.sessions.ListByWorker(ctx, h.workerID)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to list sessions from a previous incarnation")
		return
	}
	for _, id := range ids {
		if err := h.sessions.Delete(ctx, id); err != nil {
			h.logger.Warn().Err(err).Str("session_id", id).Msg("failed to evict stale session")
		}
	}
	if len(ids) > 0 {
		h.logger.Info().Int("count", len(ids)).Msg("evicted sessions left by a previous incarnation")
	}
}

// staleSessionSweepLoop scans every StaleSweepInterval for sessions idle
// longer than SessionTTL and deletes them; safe to run on every worker
// concurrently since Delete is idempotent.
func (h *Hub) staleSessionSweepLoop() {
	ticker := time.NewTicker(h.cfg.StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweepStaleSessions()
		}
	}
}

// sweepStaleSessions lists this worker's sessions in the store and deletes
// those whose last_activity is older than SessionTTL, closing any local
// connection still attached to a swept session. A session the store has
// already expired (Get returns nil) only needs its local connection
// closed.
func (h *Hub) sweepStaleSessions() {
	ctx, cancel := context.WithTimeout(h.ctx, time.Minute)
	defer cancel()

	ids, err := h.sessions.ListByWorker(ctx, h.workerID)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to list sessions for stale sweep")
		return
	}

	now := time.Now()
	for _, id := range ids {
		info, err := h.sessions.Get(ctx, id)
		if err != nil {
			h.logger.Warn().Err(err).Str("session_id", id).Msg("failed to read session during stale sweep")
			continue
		}
		if info != nil && now.Sub(info.LastActivity) <= h.cfg.SessionTTL {
			continue
		}
		if info != nil {
			if err := h.sessions.Delete(ctx, id); err != nil {
				h.logger.Warn().Err(err).Str("session_id", id).Msg("failed to delete stale session")
			}
		}
		if c := h.localConnection(id); c != nil {
			h.closeConnection(c, "stale", "")
		}
	}
}

func (h *Hub) localConnection(sessionID string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.localBySession[sessionID]
}

// deliverBroadcast handles an envelope from ws:broadcast or ws:control.
// Control-plane envelopes (worker up/down) are logged only; the hub has no
// fan-out obligation for them beyond observability.
func (h *Hub) deliverBroadcast(env kvstore.Envelope) {
	if env.Type == broker.TypeWorkerUp || env.Type == broker.TypeWorkerDown {
		h.logger.Debug().Str("type", env.Type).Str("origin", env.OriginWorkerID).Msg("control signal received")
		return
	}
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.localBySession))
	for _, c := range h.localBySession {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.send(c, env.Message)
	}
}

// Shutdown drains the worker: stop accepting,
// close every connection with a close frame, wait up to ShutdownGrace for
// send queues to drain, then cancel and unsubscribe.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.accepting = false
	conns := make([]*Connection, 0, len(h.localBySession))
	for _, c := range h.localBySession {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(h.cfg.ShutdownGrace)
	for _, c := range conns {
		for time.Now().Before(deadline) && len(c.send) > 0 {
			time.Sleep(20 * time.Millisecond)
		}
		h.closeConnection(c, "shutdown", "")
	}

	if err := h.broker.AnnounceWorkerDown(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("failed to announce worker down")
	}
	h.cancel()
	h.wg.Wait()
	return nil
}

