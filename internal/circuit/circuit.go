// Package circuit implements the three-state breaker that main places in
// front of the generator and the vector index (KVStore calls have no
// breaker): closed -> open -> half-open, with a failure-count threshold to open, a
// timed transition to half-open, and a single probe slot that closes the
// breaker on success.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/metrics"
)

// ErrOpen is returned by Call when the breaker is open (or half-open and a
// probe is already in flight) and the wrapped call is skipped entirely.
var ErrOpen = errors.New("circuit: open")

// State mirrors metrics.CircuitState* numbering.
type State int

const (
	Closed   State = metrics.CircuitStateClosed
	Open     State = metrics.CircuitStateOpen
	HalfOpen State = metrics.CircuitStateHalfOpen
)

// Breaker guards one external dependency.
type Breaker struct {
	name             string
	failureThreshold int
	openDuration     time.Duration
	logger           zerolog.Logger

	mu            sync.Mutex
	state         State
	consecutive   int
	openedAt      time.Time
	probeInFlight bool
}

// New builds a Breaker named name (used as the metrics/log label). Zero
// values default to 5 consecutive failures to open and 30s to half-open.
func New(name string, failureThreshold int, openDuration time.Duration, logger zerolog.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		logger:           logger,
		state:            Closed,
	}
	metrics.CircuitState.WithLabelValues(name).Set(float64(Closed))
	return b
}

// State reports the breaker's current state, resolving an expired open
// window to half-open as a side effect.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && time.Since(b.openedAt) >= b.openDuration {
		b.transitionLocked(HalfOpen)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	b.logger.Warn().Str("dependency", b.name).Str("from", stateName(b.state)).Str("to", stateName(to)).Msg("circuit breaker transition")
	b.state = to
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(to))
	if to == Open {
		b.openedAt = time.Now()
	}
	if to != HalfOpen {
		b.probeInFlight = false
	}
}

// Allow reports whether a call may proceed right now, reserving the single
// half-open probe slot if this call is the one that gets to try it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // Open
		return false
	}
}

// RecordSuccess closes the breaker from half-open, or resets the failure
// counter if already closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.probeInFlight = false
	if b.state != Closed {
		b.transitionLocked(Closed)
	}
}

// RecordFailure increments the consecutive-failure count and opens the
// breaker once it reaches the threshold; a failed half-open probe reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	if b.state == HalfOpen {
		b.transitionLocked(Open)
		return
	}
	b.consecutive++
	if b.consecutive >= b.failureThreshold {
		b.transitionLocked(Open)
	}
}

// Call runs fn if the breaker allows it, recording the outcome. It returns
// ErrOpen without invoking fn when the breaker is not allowing calls.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func stateName(s State) string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
