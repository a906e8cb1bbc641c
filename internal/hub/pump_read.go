package hub

import (
	"context"
	"errors"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kosee-dev/chatfleet/internal/metrics"
	"github.com/kosee-dev/chatfleet/internal/orchestrator"
	"github.com/kosee-dev/chatfleet/internal/wsproto"
)

// readPump is the single reader goroutine for c: it decodes each inbound
// frame, refreshes the idle deadline, and routes chat frames through the
// orchestrator.
func (h *Hub) readPump(c *Connection) {
	reason := "read_error"
	defer func() {
		h.closeConnection(c, reason, "")
	}()

	c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		switch op {
		case ws.OpText:
			metrics.FramesInbound.Inc()
			if len(msg) > h.cfg.MaxFrameBytes {
				reason = "frame_too_large"
				metrics.RecordError("protocol_violation")
				h.closeConnection(c, reason, wsproto.CloseProtocolError)
				return
			}
			h.touchSession(c)
			if !h.handleTextFrame(c, msg) {
				reason = "protocol_error"
				return
			}
		case ws.OpPing:
			// wsutil.ReadClientData already answered the control frame.
		case ws.OpClose:
			reason = "client_close"
			return
		}
	}
}

// touchSession refreshes the session's last_activity in the store on every
// inbound text frame, so the stale-session sweep (here and on every other
// worker) sees this connection as live.
func (h *Hub) touchSession(c *Connection) {
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	if err := h.sessions.UpdateActivity(ctx, c.sessionID, time.Now().UTC()); err != nil {
		h.logger.Debug().Err(err).Str("session_id", c.sessionID).Msg("failed to refresh session activity")
	}
}

// handleTextFrame dispatches one inbound text frame. It reports whether the
// connection is still usable: malformed frames and unknown envelope types
// are protocol violations, which close the connection with code
// protocol_error rather than being answered.
func (h *Hub) handleTextFrame(c *Connection, raw []byte) bool {
	in, err := wsproto.DecodeInbound(raw)
	if err != nil {
		metrics.RecordError("protocol_violation")
		h.closeConnection(c, "malformed_frame", wsproto.CloseProtocolError)
		return false
	}

	switch in.Type {
	case wsproto.TypePing:
		if data, err := wsproto.EncodePong(); err == nil {
			h.send(c, data)
		}
	case wsproto.TypeClose:
		h.closeConnection(c, "client_close", "")
		return false
	case wsproto.TypeChat:
		return h.handleChat(c, in)
	default:
		metrics.RecordError("protocol_violation")
		h.closeConnection(c, "unknown_frame_type", wsproto.CloseProtocolError)
		return false
	}
	return true
}

func (h *Hub) handleChat(c *Connection, in wsproto.Inbound) bool {
	body, err := wsproto.DecodeChatBody(in)
	if err != nil {
		metrics.RecordError("protocol_violation")
		h.closeConnection(c, "malformed_chat_body", wsproto.CloseProtocolError)
		return false
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.OrchestrationTimeout)
	defer cancel()

	reply, err := h.orchestrator.Handle(ctx, c.clientIP, c.userID, c.sessionID, body.Message, "tr", "user")
	switch {
	case err == nil:
		data, encErr := wsproto.EncodeChatReply(reply.Message, reply.SourceTag, reply.Confidence, reply.Timestamp)
		if encErr == nil {
			h.send(c, data)
		}
	case errors.Is(err, orchestrator.ErrRateLimited):
		if data, encErr := wsproto.EncodeRateLimited(1); encErr == nil {
			h.send(c, data)
		}
	case errors.Is(err, orchestrator.ErrInvalidMessage):
		h.sendError(c, "invalid_message", "message failed validation")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RecordError("timeout")
		if data, encErr := wsproto.EncodeTimeout(); encErr == nil {
			h.send(c, data)
		}
	default:
		metrics.RecordError("internal_bug")
		h.logger.Error().Err(err).Str("session_id", c.sessionID).Msg("orchestrator turn failed")
		h.closeConnection(c, "internal_error", wsproto.CloseInternalError)
		return false
	}
	return true
}

func (h *Hub) sendError(c *Connection, code, message string) {
	if data, err := wsproto.EncodeError(code, message); err == nil {
		h.send(c, data)
	}
}
