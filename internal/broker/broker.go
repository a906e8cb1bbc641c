// Package broker carries the fixed topic vocabulary for cross-worker
// fan-out and control signals, layered on the kvstore.PubSub contract
// (NATS in production, the in-process fallback otherwise). The broker's
// only job beyond topic naming is self-echo suppression: a worker must
// never redeliver to its own connections an envelope it just published
// itself.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/metrics"
)

// Envelope types used on the wire.
const (
	TypeChatReply  = "chat_reply"
	TypeWorkerUp   = "worker_up"
	TypeWorkerDown = "worker_down"
	TypeBroadcast  = "broadcast"
)

// Broker publishes and subscribes to the fixed topic set.
type Broker struct {
	pubsub   kvstore.PubSub
	workerID string
	logger   zerolog.Logger
}

// New builds a Broker bound to workerID, used both as the envelope's
// origin_worker_id on publish and as the self-echo filter on receipt.
func New(pubsub kvstore.PubSub, workerID string, logger zerolog.Logger) *Broker {
	return &Broker{pubsub: pubsub, workerID: workerID, logger: logger}
}

// UserTopic is "ws:user:<user_id>" — messages for all connections of a user.
func UserTopic(userID string) string { return fmt.Sprintf("ws:user:%s", userID) }

// SessionTopic is "ws:session:<session_id>" — messages for one session.
func SessionTopic(sessionID string) string { return fmt.Sprintf("ws:session:%s", sessionID) }

// BroadcastTopic is "ws:broadcast" — global announcements.
const BroadcastTopic = "ws:broadcast"

// ControlTopic is "ws:control" — worker lifecycle signals.
const ControlTopic = "ws:control"

// Publish wraps message in a self-describing envelope stamped with this
// broker's worker_id and sends it on topic.
func (b *Broker) Publish(ctx context.Context, topic, envelopeType, target string, message []byte) error {
	env := kvstore.Envelope{
		Type:           envelopeType,
		OriginWorkerID: b.workerID,
		Target:         target,
		Message:        message,
		IssuedAt:       time.Now().UTC(),
	}
	if err := b.pubsub.Publish(ctx, topic, env); err != nil {
		return err
	}
	metrics.BrokerPublished.WithLabelValues(topic).Inc()
	return nil
}

// Subscribe returns a stream of envelopes for topic with this worker's own
// publications already filtered out, so callers never need to repeat that
// check.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan kvstore.Envelope, func(), error) {
	raw, unsub, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan kvstore.Envelope, 64)
	go func() {
		defer close(out)
		for env := range raw {
			if env.OriginWorkerID == b.workerID {
				metrics.BrokerSelfEcho.Inc()
				continue
			}
			metrics.BrokerDelivered.WithLabelValues(topic).Inc()
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, unsub, nil
}

// AnnounceWorkerUp/Down publish the control-plane lifecycle signals on
// ws:control.
func (b *Broker) AnnounceWorkerUp(ctx context.Context) error {
	return b.Publish(ctx, ControlTopic, TypeWorkerUp, b.workerID, nil)
}

func (b *Broker) AnnounceWorkerDown(ctx context.Context) error {
	return b.Publish(ctx, ControlTopic, TypeWorkerDown, b.workerID, nil)
}
