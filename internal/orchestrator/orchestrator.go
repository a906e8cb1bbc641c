// Package orchestrator implements the per-message pipeline a hub
// connection hands an inbound chat frame to: rate-limit, fingerprint, run
// the matcher cascade behind the response cache, persist the turn, and fan
// the reply out to the user's other devices.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/broker"
	"github.com/kosee-dev/chatfleet/internal/cache"
	"github.com/kosee-dev/chatfleet/internal/chatstore"
	"github.com/kosee-dev/chatfleet/internal/matcher"
	"github.com/kosee-dev/chatfleet/internal/metrics"
	"github.com/kosee-dev/chatfleet/internal/ratelimit"
	"github.com/kosee-dev/chatfleet/internal/validation"
)

// ErrRateLimited is returned when the chat-class limiter denies the
// request; the caller (hub) translates this into the wire-level
// "rate_limited" frame.
var ErrRateLimited = errors.New("orchestrator: rate limited")

// ErrInvalidMessage is returned when the inbound body fails validation.
var ErrInvalidMessage = errors.New("orchestrator: invalid message")

// Reply is the outbound chat_reply payload.
type Reply struct {
	Message    string    `json:"message"`
	SourceTag  string    `json:"source_tag"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Orchestrator wires the rate limiter, response cache, matcher cascade,
// chat store, and broker behind a single Handle entry point.
type Orchestrator struct {
	limiter *ratelimit.Limiter
	cache   *cache.Cache
	stack   *matcher.Stack
	store   chatstore.Store
	broker  *broker.Broker
	logger  zerolog.Logger

	maxMessageBytes int
	historyLimit    int
}

// Config carries the orchestrator's tunables.
type Config struct {
	MaxMessageBytes int
	HistoryLimit    int
}

// New builds an Orchestrator.
func New(limiter *ratelimit.Limiter, c *cache.Cache, stack *matcher.Stack, store chatstore.Store, b *broker.Broker, logger zerolog.Logger, cfg Config) *Orchestrator {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4096
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	return &Orchestrator{
		limiter:         limiter,
		cache:           c,
		stack:           stack,
		store:           store,
		broker:          b,
		logger:          logger,
		maxMessageBytes: cfg.MaxMessageBytes,
		historyLimit:    cfg.HistoryLimit,
	}
}

// Handle processes one chat turn: admit against the chat-class rate
// limiter, normalize and fingerprint the
// message, run the matcher cascade behind the response cache, persist the
// turn (best-effort), and publish the reply on the user's topic. It
// returns the reply so a caller driving the WebSocket connection directly
// (same worker, same request) doesn't have to round-trip through its own
// broker subscription to answer the client that sent the message.
func (o *Orchestrator) Handle(ctx context.Context, ip, userID, sessionID, message, locale, userRole string) (Reply, error) {
	if !o.limiter.IsAllowed(ctx, ip, ratelimit.ClassChat) {
		return Reply{}, ErrRateLimited
	}
	if err := validation.ValidateChatMessage(message, o.maxMessageBytes); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	normalized := cache.NormalizeMessage(message)
	fingerprint := cache.Fingerprint(normalized, locale, userRole)

	history, err := o.store.History(ctx, sessionID, o.historyLimit)
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load chat history, proceeding without it")
	}
	historyTexts := make([]string, 0, len(history))
	for _, h := range history {
		historyTexts = append(historyTexts, h.UserMessage)
	}

	entry, err := o.cache.GetOrCompute(ctx, fingerprint, func(ctx context.Context) (cache.Entry, error) {
		candidate := o.stack.Run(ctx, message, historyTexts)
		return cache.Entry{Reply: candidate.Reply, SourceTag: candidate.SourceTag, Confidence: candidate.Confidence}, nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("run matcher pipeline: %w", err)
	}

	now := time.Now().UTC()
	confidence := entry.Confidence

	// Persisting the turn must never block the reply to the client: log and
	// continue on failure.
	appendErr := o.store.Append(ctx, chatstore.Message{
		SessionID:   sessionID,
		UserID:      userID,
		Timestamp:   now,
		UserMessage: message,
		BotResponse: entry.Reply,
		SourceTag:   entry.SourceTag,
		Confidence:  &confidence,
	})
	if appendErr != nil {
		metrics.RecordError("orchestrator_chat_store_append")
		o.logger.Warn().Err(appendErr).Str("session_id", sessionID).Msg("chat history append failed")
	}

	reply := Reply{Message: entry.Reply, SourceTag: entry.SourceTag, Confidence: confidence, Timestamp: now}

	if o.broker != nil {
		payload, err := marshalReply(reply)
		if err != nil {
			o.logger.Error().Err(err).Msg("failed to encode chat reply for fan-out")
		} else if err := o.broker.Publish(ctx, broker.UserTopic(userID), broker.TypeChatReply, sessionID, payload); err != nil {
			metrics.RecordError("orchestrator_broker_publish")
			o.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to publish chat reply")
		}
	}

	return reply, nil
}

func marshalReply(r Reply) ([]byte, error) {
	return json.Marshal(r)
}
