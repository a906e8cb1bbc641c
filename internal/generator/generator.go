// Package generator defines the contract for the LLM-style fallback
// producer invoked only once every earlier matcher stage has declined. The
// concrete backend (local model, remote service) lives outside this repo;
// the circuit breaker in internal/circuit isolates its failures. This
// package states the interface and the deterministic polite-decline reply
// used when the generator is unavailable or its circuit is open.
package generator

import "context"

// Reply is one generator response: the text plus, when the backend reports
// it, how many tokens the call consumed.
type Reply struct {
	Text       string
	UsedTokens *int
}

// Generator produces a reply from the message and recent history, plus a
// health check for the /api/health aggregate.
type Generator interface {
	Reply(ctx context.Context, message string, history []string) (Reply, error)
	HealthCheck(ctx context.Context) bool
}

// FallbackText is the deterministic, polite-decline reply returned when
// the generator is unavailable or its circuit is open (source_tag
// "fallback", confidence 0).
const FallbackText = "Üzgünüm, şu anda bu soruya yanıt veremiyorum."

// Echo is a dependency-free development Generator: it acknowledges the
// message without attempting to understand it. Adequate for exercising the
// pipeline end to end without a real model wired in; never intended as a
// production Generator.
type Echo struct{}

func (Echo) Reply(ctx context.Context, message string, history []string) (Reply, error) {
	return Reply{Text: "Bunu anlıyorum: " + message}, nil
}

func (Echo) HealthCheck(ctx context.Context) bool { return true }
