// Package wsproto defines the JSON envelope shapes on the WebSocket wire:
// inbound `{type, body?, id?}` frames and the outbound frame family
// `{"chat_reply","rate_limited","timeout","error","pong"}`. Every frame is
// a single text message carrying one JSON document, never a multi-frame
// stream.
package wsproto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound frame types.
const (
	TypeChat  = "chat"
	TypePing  = "ping"
	TypeClose = "close"
)

// Outbound frame types.
const (
	TypeChatReply   = "chat_reply"
	TypeRateLimited = "rate_limited"
	TypeTimeout     = "timeout"
	TypeError       = "error"
	TypePong        = "pong"
)

// Inbound is the shape of every client-to-server text frame.
type Inbound struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// ChatBody is the payload of an inbound {"type":"chat"} frame.
type ChatBody struct {
	Message string `json:"message"`
}

// DecodeInbound parses a raw text frame into an Inbound envelope.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound frame: %w", err)
	}
	return in, nil
}

// DecodeChatBody parses an Inbound's body as a chat message.
func DecodeChatBody(in Inbound) (ChatBody, error) {
	var body ChatBody
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return ChatBody{}, fmt.Errorf("decode chat body: %w", err)
	}
	return body, nil
}

// Outbound is the generic envelope every server-to-client frame shares.
type Outbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// RateLimitedFrame tells the client its request was shed by admission
// control and when to try again.
type RateLimitedFrame struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// TimeoutFrame is returned when an orchestration turn exceeds its
// deadline.
type TimeoutFrame struct {
	Type string `json:"type"`
}

// ErrorFrame carries a complaint the client can act on, without leaking
// internal detail: the code is a stable identifier, the message a short
// human-readable line.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongFrame answers an inbound ping.
type PongFrame struct {
	Type string `json:"type"`
}

// ChatReplyFrame carries a successful pipeline reply to the client.
type ChatReplyFrame struct {
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	SourceTag  string    `json:"source_tag"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// EncodeChatReply, EncodeRateLimited, EncodeTimeout, EncodeError,
// EncodePong each build the wire bytes for their respective outbound
// frame.
func EncodeChatReply(message, sourceTag string, confidence float64, timestamp time.Time) ([]byte, error) {
	return json.Marshal(ChatReplyFrame{
		Type: TypeChatReply, Message: message, SourceTag: sourceTag,
		Confidence: confidence, Timestamp: timestamp,
	})
}

func EncodeRateLimited(retryAfterSeconds int) ([]byte, error) {
	return json.Marshal(RateLimitedFrame{Type: TypeRateLimited, RetryAfter: retryAfterSeconds})
}

func EncodeTimeout() ([]byte, error) {
	return json.Marshal(TimeoutFrame{Type: TypeTimeout})
}

func EncodeError(code, message string) ([]byte, error) {
	return json.Marshal(ErrorFrame{Type: TypeError, Code: code, Message: message})
}

func EncodePong() ([]byte, error) {
	return json.Marshal(PongFrame{Type: TypePong})
}

// Named close codes carried in the close frame body.
const (
	CloseBackpressure  = "backpressure"
	CloseProtocolError = "protocol_error"
	CloseInternalError = "internal_error"
)
