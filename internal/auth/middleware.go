package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// SessionCookie is the cookie carrying the session JWT.
const SessionCookie = "queryowl_session"

// Middleware authenticates requests from the session cookie or an
// Authorization bearer token and stores the Identity in the context.
// Unauthenticated requests pass through with no identity; RequireAuth
// rejects them downstream.
func Middleware(sm *SessionManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := sm.ValidateToken(raw)
			if err != nil {
				logger.Debug("rejecting session token", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			userID, err := uuid.Parse(claims.UserID)
			if err != nil {
				logger.Warn("session token with malformed user id", "user_id", claims.UserID)
				next.ServeHTTP(w, r)
				return
			}

			id := &Identity{
				UserID:      userID,
				Email:       claims.Email,
				DisplayName: claims.Subject,
				Role:        claims.Role,
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ClientIP extracts the client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
