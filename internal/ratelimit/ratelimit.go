// Package ratelimit implements sliding-window admission control: per
// (client_ip, endpoint_class) windows backed by the KVStore's sorted-set
// primitives, with a process-local token-bucket fallback when the shared
// backend is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kosee-dev/chatfleet/internal/idgen"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/metrics"
)

// Class identifies the endpoint class a request is admitted under; chat
// traffic gets a tighter ceiling than the general HTTP surface.
type Class string

const (
	ClassGeneral Class = "general"
	ClassChat    Class = "chat"
	// ClassLogin buckets brute-force protection counters, keyed by
	// (ip, username) rather than ip alone.
	ClassLogin Class = "login"
)

// Limits configures window size and per-class ceilings.
type Limits struct {
	Window          time.Duration
	General         int
	Chat            int
	Login           int
	CleanupInterval time.Duration
}

// DefaultLimits is the production default: a 60s window, 200
// general/100 chat requests per window, 5 login failures.
func DefaultLimits() Limits {
	return Limits{
		Window:          60 * time.Second,
		General:         200,
		Chat:            100,
		Login:           5,
		CleanupInterval: 300 * time.Second,
	}
}

func (l Limits) limitFor(class Class) int {
	switch class {
	case ClassChat:
		return l.Chat
	case ClassLogin:
		return l.Login
	default:
		return l.General
	}
}

// Limiter is the sliding-window admission controller. It prefers the
// distributed KVStore; on backend failure it falls back to a process-local
// in-memory window when fallbackToMemory is set, otherwise it fails
// closed.
type Limiter struct {
	store            kvstore.KVStore
	limits           Limits
	fallbackToMemory bool
	logger           zerolog.Logger

	mu       sync.Mutex
	degraded bool
	local    map[string]*localWindow

	stopCleanup chan struct{}
}

// localWindow approximates the distributed sliding-window counter with a
// token bucket sized so its sustained rate and burst both equal the
// configured limit over the configured window. It is intentionally an
// approximation: this path only runs once the shared backend is degraded.
type localWindow struct {
	limiter *rate.Limiter
}

// New builds a Limiter against store with the given limits.
func New(store kvstore.KVStore, limits Limits, fallbackToMemory bool, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		store:            store,
		limits:           limits,
		fallbackToMemory: fallbackToMemory,
		logger:           logger,
		local:            make(map[string]*localWindow),
		stopCleanup:      make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Close stops the background cleanup task.
func (l *Limiter) Close() {
	close(l.stopCleanup)
}

func windowKey(ip string, class Class) string {
	return fmt.Sprintf("rl:%s:%s", class, ip)
}

// IsAllowed admits or rejects one request: evict stale entries from the
// window, count what remains, and record this attempt only if it fits.
func (l *Limiter) IsAllowed(ctx context.Context, ip string, class Class) bool {
	limit := l.limits.limitFor(class)
	allowed, err := l.isAllowedDistributed(ctx, ip, class, limit)
	if err == nil {
		l.setDegraded(false)
		if allowed {
			metrics.RateLimitAdmitted.WithLabelValues(string(class)).Inc()
		} else {
			metrics.RateLimitDenied.WithLabelValues(string(class)).Inc()
		}
		return allowed
	}

	l.logger.Warn().Err(err).Str("class", string(class)).Msg("rate limiter backend unavailable")
	if !l.fallbackToMemory {
		metrics.RateLimitDenied.WithLabelValues(string(class)).Inc()
		return false
	}

	l.setDegraded(true)
	allowed = l.isAllowedLocal(ip, class, limit)
	if allowed {
		metrics.RateLimitAdmitted.WithLabelValues(string(class)).Inc()
	} else {
		metrics.RateLimitDenied.WithLabelValues(string(class)).Inc()
	}
	return allowed
}

// isAllowedDistributed runs the window check as a single
// SlidingWindowAdmit call, so the evict/count/add sequence runs as
// one server-side transaction rather than three independently-locked round
// trips: under concurrent callers on the same key, at most limit of them
// ever observe admission.
func (l *Limiter) isAllowedDistributed(ctx context.Context, ip string, class Class, limit int) (bool, error) {
	key := windowKey(ip, class)
	now := time.Now().UnixMilli()
	staleBefore := float64(now - l.limits.Window.Milliseconds())
	nonce := idgen.RequestID()
	ttl := l.limits.Window + 60*time.Second

	return l.store.SlidingWindowAdmit(ctx, key, float64(now), staleBefore, int64(limit), nonce, ttl)
}

func (l *Limiter) isAllowedLocal(ip string, class Class, limit int) bool {
	key := windowKey(ip, class)

	l.mu.Lock()
	win, ok := l.local[key]
	if !ok {
		perSecond := float64(limit) / l.limits.Window.Seconds()
		win = &localWindow{limiter: rate.NewLimiter(rate.Limit(perSecond), limit)}
		l.local[key] = win
	}
	l.mu.Unlock()

	return win.limiter.Allow()
}

func (l *Limiter) setDegraded(d bool) {
	l.mu.Lock()
	changed := l.degraded != d
	l.degraded = d
	l.mu.Unlock()
	if changed {
		if d {
			metrics.RateLimitFallback.Set(1)
		} else {
			metrics.RateLimitFallback.Set(0)
		}
	}
}

// Degraded reports whether the limiter is currently serving from the local
// fallback window rather than the shared backend.
func (l *Limiter) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// cleanupLoop evicts local windows that have gone idle, bounding the memory
// growth of the fallback map.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.limits.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.evictIdleLocal()
		}
	}
}

func (l *Limiter) evictIdleLocal() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, win := range l.local {
		// A bucket sitting at full capacity has seen no recent admission
		// checks; safe to forget rather than hold it for the life of the
		// process.
		if win.limiter.TokensAt(now) >= float64(win.limiter.Burst()) {
			delete(l.local, key)
		}
	}
}
