package httpapi

import (
	"net/http"

	"github.com/kosee-dev/chatfleet/internal/ratelimit"
)

// WithRateLimit admits every request under ratelimit.ClassGeneral before
// it reaches auth, so unauthenticated abuse cannot exhaust auth
// resources.
func WithRateLimit(limiter *ratelimit.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIPFrom(r.Context())
			if !limiter.IsAllowed(r.Context(), ip, ratelimit.ClassGeneral) {
				writeJSONErrorStatus(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
