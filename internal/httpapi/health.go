package httpapi

import (
	"encoding/json"
	"net/http"
)

type componentStatus struct {
	Healthy   bool  `json:"healthy"`
	LatencyMS int64 `json:"latency_ms,omitempty"`
}

type healthResponse struct {
	Status        string          `json:"status"`
	SessionStore  componentStatus `json:"session_store"`
	MessageBroker componentStatus `json:"message_broker"`
	RateLimiter   componentStatus `json:"rate_limiter"`
	Generator     componentStatus `json:"generator"`
}

// handleHealth implements GET /api/health: aggregates the health of
// session_store, message_broker, rate_limiter, and generator into a single
// status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionHealth := s.sessions.HealthCheck(ctx)
	brokerHealth := s.kv.HealthCheck(ctx)
	rateLimiterHealthy := !s.limiter.Degraded()
	generatorHealthy := true
	if s.gen != nil {
		generatorHealthy = s.gen.HealthCheck(ctx)
	}

	overall := "ok"
	if !sessionHealth.Healthy || !brokerHealth.Healthy || !rateLimiterHealthy || !generatorHealthy {
		overall = "degraded"
	}

	resp := healthResponse{
		Status:        overall,
		SessionStore:  componentStatus{Healthy: sessionHealth.Healthy, LatencyMS: sessionHealth.LatencyMS},
		MessageBroker: componentStatus{Healthy: brokerHealth.Healthy, LatencyMS: brokerHealth.LatencyMS},
		RateLimiter:   componentStatus{Healthy: rateLimiterHealthy},
		Generator:     componentStatus{Healthy: generatorHealthy},
	}

	w.Header().Set("Content-Type", "application/json")
	if overall != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
