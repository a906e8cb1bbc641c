package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kosee-dev/chatfleet/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin implements POST /api/auth/login: 200 + cookies on success,
// 401 on bad credentials, 429 on rate limit, 423 when blocked.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONErrorStatus(w, http.StatusBadRequest, "malformed_body", "could not parse request body")
		return
	}

	ip := clientIPFrom(r.Context())
	pair, err := s.auth.Login(r.Context(), ip, req.Username, req.Password)
	switch {
	case err == nil:
		s.setAuthCookies(w, pair)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, auth.ErrBlocked):
		writeJSONErrorStatus(w, http.StatusLocked, "blocked", "too many failed attempts, try again later")
	case errors.Is(err, auth.ErrRateLimited):
		writeJSONErrorStatus(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
	default:
		writeJSONErrorStatus(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
	}
}

// handleRefresh implements POST /api/auth/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		writeJSONErrorStatus(w, http.StatusUnauthorized, "unauthenticated", "missing refresh token")
		return
	}

	pair, err := s.auth.Refresh(r.Context(), cookie.Value)
	if err != nil {
		s.clearAuthCookies(w)
		writeJSONErrorStatus(w, http.StatusUnauthorized, "invalid_token", "refresh token invalid, reused, or expired")
		return
	}

	s.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogout implements POST /api/auth/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		_ = s.auth.Logout(r.Context(), cookie.Value)
	}
	s.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMe implements GET /api/auth/me, behind WithAuth.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "username": userID})
}

const refreshCookieName = "refresh_token"

func (s *Server) setAuthCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(pair.AccessTTL.Seconds()),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/api/auth",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(pair.RefreshTTL.Seconds()),
	})
}

func (s *Server) clearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: accessCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: s.cookieSecure})
	http.SetCookie(w, &http.Cookie{Name: refreshCookieName, Value: "", Path: "/api/auth", MaxAge: -1, HttpOnly: true, Secure: s.cookieSecure})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
