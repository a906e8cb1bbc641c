package hub

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/kosee-dev/chatfleet/internal/broker"
	"github.com/kosee-dev/chatfleet/internal/idgen"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/metrics"
	"github.com/kosee-dev/chatfleet/internal/session"
	"github.com/kosee-dev/chatfleet/internal/wsproto"
)

// truncateIP strips the host-specific tail of an address before it enters
// session metadata: the last octet of an IPv4 address, everything past the
// /48 of an IPv6 address. Session metadata never stores a full client IP.
func truncateIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}

// Upgrade accepts one WebSocket for userID (already authenticated by the
// httpapi layer, which also resolved clientIP from its header priority
// list) and registers it with the hub. It
// returns once the connection has fully closed.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID, clientIP string) error {
	h.mu.RLock()
	accepting := h.accepting
	h.mu.RUnlock()
	if !accepting {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return fmt.Errorf("hub: rejecting upgrade during shutdown")
	}

	userAgent := r.Header.Get("User-Agent")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	sessionID := idgen.SessionID()
	c := newConnection(conn, sessionID, userID, clientIP, h.cfg.SendQueueCapacity)

	metadata := map[string]string{"client_ip": truncateIP(clientIP)}
	if userAgent != "" {
		metadata["user_agent"] = userAgent
	}

	ctx := r.Context()
	if err := h.sessions.Create(ctx, session.Info{
		SessionID:    sessionID,
		UserID:       userID,
		WorkerID:     h.workerID,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		Metadata:     metadata,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("create session: %w", err)
	}

	h.register(c)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	h.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("connection accepted")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()

	h.readPump(c)
	return nil
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.localBySession[c.sessionID] = c
	set, ok := h.userIndex[c.userID]
	if !ok {
		set = make(map[string]struct{})
		h.userIndex[c.userID] = set
	}
	firstForUser := len(set) == 0
	set[c.sessionID] = struct{}{}

	if firstForUser {
		h.subscribeUserLocked(c.userID)
	}
}

// subscribeUserLocked subscribes to ws:user:<userID> the first time any
// local connection belongs to that user; callers hold h.mu.
func (h *Hub) subscribeUserLocked(userID string) {
	envs, unsub, err := h.broker.Subscribe(h.ctx, broker.UserTopic(userID))
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to subscribe to user topic")
		return
	}
	h.userUnsubscribe[userID] = unsub
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for env := range envs {
			h.deliverToUser(userID, env)
		}
	}()
}

// deliverToUser fans out env to every local connection of userID. Other
// workers' connections for the same user receive it through their own
// subscription to this topic.
func (h *Hub) deliverToUser(userID string, env kvstore.Envelope) {
	h.mu.RLock()
	sessionIDs := h.userIndex[userID]
	conns := make([]*Connection, 0, len(sessionIDs))
	for sid := range sessionIDs {
		if c, ok := h.localBySession[sid]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.send(c, env.Message)
	}
}

func (h *Hub) unregister(c *Connection, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.localBySession, c.sessionID)
	set, ok := h.userIndex[c.userID]
	if ok {
		delete(set, c.sessionID)
		if len(set) == 0 {
			delete(h.userIndex, c.userID)
			if unsub, ok := h.userUnsubscribe[c.userID]; ok {
				unsub()
				delete(h.userUnsubscribe, c.userID)
			}
		}
	}
	metrics.ConnectionsActive.Dec()
	metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
}

// closeConnection tears c down, guarding against the read and write pumps
// (or a backpressure trip) racing to close the same connection: only the
// goroutine that wins Connection.close's sync.Once actually unregisters it
// and deletes its session. closeCode carries one of the named close codes
// (backpressure, protocol_error, internal_error); empty means a plain
// normal closure.
func (h *Hub) closeConnection(c *Connection, reason, closeCode string) {
	if c.conn != nil {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, closeCode))
		_ = ws.WriteFrame(c.conn, frame)
	}
	if !c.close() {
		return
	}

	h.unregister(c, reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sessions.Delete(ctx, c.sessionID); err != nil {
		h.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("failed to delete session on close")
	}
}

// send enqueues frame on c, applying the backpressure policy: drop the
// oldest frame on a full queue, close the connection with code
// backpressure after two consecutive full-queue events.
func (h *Hub) send(c *Connection, frame []byte) {
	dropped, consecutiveFull := c.enqueue(frame)
	if dropped {
		metrics.BackpressureDrops.WithLabelValues("queue_full").Inc()
	}
	if consecutiveFull >= 2 {
		h.closeConnection(c, "backpressure", wsproto.CloseBackpressure)
	}
}
