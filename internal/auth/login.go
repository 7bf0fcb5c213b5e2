package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserInfo is the public user information returned in auth responses.
type UserInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// LoginHandler handles operator email/password login.
type LoginHandler struct {
	sessionMgr  *SessionManager
	store       *Store
	logger      *slog.Logger
	rateLimiter *RateLimiter
}

// NewLoginHandler creates a new login handler.
func NewLoginHandler(sm *SessionManager, store *Store, logger *slog.Logger, rl *RateLimiter) *LoginHandler {
	return &LoginHandler{
		sessionMgr:  sm,
		store:       store,
		logger:      logger,
		rateLimiter: rl,
	}
}

// HandleLogin authenticates an operator and sets the session cookie.
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "email and password are required")
		return
	}

	ip := ClientIP(r)
	if h.rateLimiter != nil {
		res, err := h.rateLimiter.Check(r.Context(), ip)
		if err != nil {
			h.logger.Error("login: rate limit check", "error", err)
		} else if !res.Allowed {
			respondErr(w, http.StatusTooManyRequests, "rate_limited", "too many failed attempts, try again later")
			return
		}
	}

	user, err := h.store.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.logger.Error("login: user lookup", "error", err)
		}
		h.recordFailure(r, ip)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		h.recordFailure(r, ip)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.Reset(r.Context(), ip); err != nil {
			h.logger.Warn("login: rate limit reset", "error", err)
		}
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{
		Subject: user.DisplayName,
		Email:   user.Email,
		Role:    user.Role,
		UserID:  user.ID.String(),
	})
	if err != nil {
		h.logger.Error("login: issuing token", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionMgr.MaxAge().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	respondJSON(w, http.StatusOK, UserInfo{
		ID:          user.ID.String(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	})
}

// HandleMe returns the authenticated operator.
func (h *LoginHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	respondJSON(w, http.StatusOK, UserInfo{
		ID:          id.UserID.String(),
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Role:        id.Role,
	})
}

// HandleLogout clears the session cookie.
func (h *LoginHandler) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *LoginHandler) recordFailure(r *http.Request, ip string) {
	if h.rateLimiter == nil {
		return
	}
	if err := h.rateLimiter.Record(r.Context(), ip); err != nil {
		h.logger.Warn("login: recording failed attempt", "error", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
