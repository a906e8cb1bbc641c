package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosee-dev/chatfleet/internal/auth"
	"github.com/kosee-dev/chatfleet/internal/generator"
	"github.com/kosee-dev/chatfleet/internal/hub"
	"github.com/kosee-dev/chatfleet/internal/kvstore"
	"github.com/kosee-dev/chatfleet/internal/ratelimit"
	"github.com/kosee-dev/chatfleet/internal/session"
)

// Config carries the tunables Server needs beyond its collaborators.
type Config struct {
	Addr           string
	Production     bool
	CookieSecure   bool
	AllowedOrigins []string
}

// Server is chatfleet's HTTP/WebSocket frontend. It owns the
// net/http.Server and the fixed middleware chain in front of every route;
// the WS route additionally hands the upgraded connection to the hub.
type Server struct {
	cfg Config

	auth     *auth.Service
	limiter  *ratelimit.Limiter
	sessions session.Store
	kv       kvstore.KVStore
	gen      generator.Generator
	hub      *hub.Hub
	logger   zerolog.Logger

	cookieSecure bool
	httpServer   *http.Server
}

// New builds a Server and its routed http.Handler.
func New(cfg Config, authSvc *auth.Service, limiter *ratelimit.Limiter, sessions session.Store, kv kvstore.KVStore, gen generator.Generator, h *hub.Hub, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		auth:         authSvc,
		limiter:      limiter,
		sessions:     sessions,
		kv:           kv,
		gen:          gen,
		hub:          h,
		logger:       logger,
		cookieSecure: cfg.CookieSecure,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/auth/login", s.withBaseChain(http.HandlerFunc(s.handleLogin)))
	mux.Handle("/api/auth/refresh", s.withBaseChain(http.HandlerFunc(s.handleRefresh)))
	mux.Handle("/api/auth/logout", s.withBaseChain(http.HandlerFunc(s.handleLogout)))
	mux.Handle("/api/auth/me", s.withAuthChain(http.HandlerFunc(s.handleMe)))
	mux.Handle("/api/health", s.withBaseChain(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/ws/", s.withAuthChain(http.HandlerFunc(s.handleWS)))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// withBaseChain is the fixed middleware order for routes that don't
// require auth: request-id, security headers, CORS, rate limiter.
func (s *Server) withBaseChain(h http.Handler) http.Handler {
	return Chain(h,
		WithRequestID(s.logger),
		WithSecurityHeaders(s.cfg.Production),
		WithCORS(s.cfg.AllowedOrigins),
		WithClientIP(),
		WithRateLimit(s.limiter),
	)
}

// withAuthChain appends auth as the last link; rate limiting runs before
// auth so unauthenticated abuse cannot exhaust auth resources.
func (s *Server) withAuthChain(h http.Handler) http.Handler {
	return Chain(h,
		WithRequestID(s.logger),
		WithSecurityHeaders(s.cfg.Production),
		WithCORS(s.cfg.AllowedOrigins),
		WithClientIP(),
		WithRateLimit(s.limiter),
		WithAuth(s.auth),
	)
}

// handleWS implements the /ws/{user_id} upgrade: the path's trailing
// segment must match the authenticated user_id, preventing a valid access
// token for one user from opening a socket under another user's identity.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	pathUserID := strings.TrimPrefix(r.URL.Path, "/ws/")
	authUserID := UserIDFrom(r.Context())
	if pathUserID == "" || pathUserID != authUserID {
		writeJSONErrorStatus(w, http.StatusForbidden, "user_mismatch", "path user_id does not match the authenticated session")
		return
	}

	if err := s.hub.Upgrade(w, r, authUserID, clientIPFrom(r.Context())); err != nil {
		s.logger.Warn().Err(err).Str("user_id", authUserID).Msg("websocket upgrade failed")
	}
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown is
// called or a fatal error occurs.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight HTTP requests (the hub's own graceful
// shutdown is a separate call; see internal/hub.Hub.Shutdown).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
