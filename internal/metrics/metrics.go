// Package metrics exposes chatfleet's Prometheus instrumentation:
// package-level collectors registered once in init(), small helper
// functions at each call site, and a /metrics HTTP handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionHub
	ConnectionsTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_connections_total", Help: "WebSocket connections accepted"})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_connections_active", Help: "Currently live WebSocket connections on this worker"})
	DisconnectsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_disconnects_total", Help: "Disconnections by reason"}, []string{"reason"})
	BackpressureDrops = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_backpressure_drops_total", Help: "Frames dropped due to a full per-connection send queue"}, []string{"reason"})
	FramesInbound     = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_frames_inbound_total", Help: "Inbound WebSocket frames processed"})
	FramesOutbound    = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_frames_outbound_total", Help: "Outbound WebSocket frames sent"})

	// RateLimiter
	RateLimitAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_rate_limit_admitted_total", Help: "Requests admitted by the rate limiter"}, []string{"class"})
	RateLimitDenied   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_rate_limit_denied_total", Help: "Requests rejected by the rate limiter"}, []string{"class"})
	RateLimitFallback = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_rate_limit_degraded", Help: "1 if the rate limiter has fallen back to the local in-memory window"})

	// SessionStore
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_sessions_active", Help: "Sessions currently tracked by the store"})

	// MessageBroker
	BrokerPublished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_broker_published_total", Help: "Envelopes published by topic"}, []string{"topic"})
	BrokerDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_broker_delivered_total", Help: "Envelopes delivered locally after subscription"}, []string{"topic"})
	BrokerSelfEcho  = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_broker_self_echo_suppressed_total", Help: "Envelopes ignored because origin_worker_id matched self"})

	// AuthService
	LoginAttempts        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_login_attempts_total", Help: "Login attempts by outcome"}, []string{"outcome"})
	RefreshRotations     = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_refresh_rotations_total", Help: "Successful refresh-token rotations"})
	RefreshReuseDetected = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_refresh_reuse_detected_total", Help: "Refresh-token reuse events (family revoked)"})

	// ResponseCache
	CacheHits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_cache_hits_total", Help: "Response cache hits"})
	CacheMisses    = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_cache_misses_total", Help: "Response cache misses"})
	CacheDedup     = prometheus.NewCounter(prometheus.CounterOpts{Name: "chatfleet_cache_inflight_dedup_total", Help: "Concurrent requests that awaited an in-flight computation instead of recomputing"})
	CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_cache_evictions_total", Help: "Cache evictions by reason"}, []string{"reason"})

	// MatcherStack
	MatcherStageHits = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_matcher_stage_hits_total", Help: "Replies produced by pipeline stage"}, []string{"source_tag"})

	// Circuit breakers
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "chatfleet_circuit_state", Help: "0=closed 1=open 2=half_open"}, []string{"dependency"})

	// System
	CPUUsagePercent  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_cpu_usage_percent", Help: "Container-aware CPU usage percentage"})
	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_goroutines_active", Help: "Active goroutines"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_errors_total", Help: "Errors by kind"}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, DisconnectsTotal, BackpressureDrops, FramesInbound, FramesOutbound,
		RateLimitAdmitted, RateLimitDenied, RateLimitFallback,
		SessionsActive,
		BrokerPublished, BrokerDelivered, BrokerSelfEcho,
		LoginAttempts, RefreshRotations, RefreshReuseDetected,
		CacheHits, CacheMisses, CacheDedup, CacheEvictions,
		MatcherStageHits,
		CircuitState,
		CPUUsagePercent, GoroutinesActive,
		ErrorsTotal,
	)
}

// Handler serves Prometheus metrics at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordError increments the error counter for the given error kind
// (admission_denied, transient_dependency, permanent_dependency,
// pipeline_exhaustion, protocol_violation, timeout, internal_bug).
func RecordError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}

// Circuit breaker state numbering used by CircuitState.
const (
	CircuitStateClosed   = 0
	CircuitStateOpen     = 1
	CircuitStateHalfOpen = 2
)
