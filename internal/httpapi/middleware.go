// Package httpapi is the thin HTTP/WebSocket frontend:
// request-id/security-header/CORS/rate-limit/auth middleware in a fixed
// order, client-IP resolution from a header priority list, the
// /api/auth/* and /api/health handlers, and the /ws/{user_id} upgrade
// route wired to internal/hub. Routing stays on a plain net/http.ServeMux;
// the surface is too small to warrant a router library.
package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/idgen"
)

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in declaration order: the first listed runs
// first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyClientIP
	ctxKeyUserID
)

// WithRequestID stamps every request with an opaque id, logged alongside
// every downstream log line for this request.
func WithRequestID(logger zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := idgen.RequestID()
			w.Header().Set("X-Request-Id", id)
			ctx := withRequestID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithSecurityHeaders sets the baseline security headers, including HSTS
// only when production is true (plaintext dev servers can't honor it).
func WithSecurityHeaders(production bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", "default-src 'self'")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if production {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithCORS answers preflights and reflects allowed origins.
// allowedOrigins must be a concrete, non-wildcard list in production;
// internal/config.Validate already refuses anything else at startup, so
// this middleware only ever sees a safe configuration.
func WithCORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	allowAny := len(allowedOrigins) == 0

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				_, ok := allowed[origin]
				if allowAny || ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithClientIP resolves the real client IP and stashes it in the request
// context for downstream handlers (rate limiting, auth brute-force
// tracking, audit logging).
func WithClientIP() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ResolveClientIP(r)
			ctx := withClientIP(r.Context(), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolveClientIP walks the header priority list: the first non-empty of
// X-Forwarded-For, X-Real-IP, CF-Connecting-IP, falling back to the direct
// peer address. Every candidate is validated as a parseable IP before
// being trusted.
func ResolveClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if validIP(first) {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" && validIP(real) {
		return real
	}
	if cf := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); cf != "" && validIP(cf) {
		return cf
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host
}

func validIP(s string) bool {
	return net.ParseIP(s) != nil
}
