package httpapi

import (
	"net/http"

	"github.com/kosee-dev/chatfleet/internal/auth"
)

const accessCookieName = "access_token"

// WithAuth verifies the access_token cookie and attaches its user_id to
// the request context (UserIDFrom). Requests with a missing or invalid
// token are rejected with 401 before reaching the handler; this middleware
// is only mounted in front of routes that require it, always as the last
// link in the chain.
func WithAuth(svc *auth.Service) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(accessCookieName)
			if err != nil {
				writeJSONErrorStatus(w, http.StatusUnauthorized, "unauthenticated", "missing access token")
				return
			}
			claims, err := svc.VerifyAccessToken(cookie.Value)
			if err != nil {
				writeJSONErrorStatus(w, http.StatusUnauthorized, "unauthenticated", "invalid access token")
				return
			}
			ctx := withUserID(r.Context(), claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
