package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/queryowl/internal/audit"
	"github.com/wisbric/queryowl/internal/auth"
	"github.com/wisbric/queryowl/internal/httpserver"
	"github.com/wisbric/queryowl/internal/telemetry"
	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
	"github.com/wisbric/queryowl/pkg/policy"
)

// Accounts is the slice of the operator store the admission path consults
// for dangerous-verb password re-authentication.
type Accounts interface {
	VerifyPassword(ctx context.Context, id uuid.UUID, password string) error
}

// Handler is the SQL execution admission path: policy, password re-auth,
// record creation, async kick-off, and the poll/cancel surface.
type Handler struct {
	executor *Executor
	store    execstore.Store
	active   *execstore.ActiveRegistry
	clouds   *cloud.Config
	accounts Accounts
	audit    *audit.Writer
	notify   Notifier
	logger   *slog.Logger
}

// NewHandler creates the query API handler. notify may be nil.
func NewHandler(executor *Executor, store execstore.Store, active *execstore.ActiveRegistry, clouds *cloud.Config, accounts Accounts, auditW *audit.Writer, notify Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		executor: executor,
		store:    store,
		active:   active,
		clouds:   clouds,
		accounts: accounts,
		audit:    auditW,
		notify:   notify,
		logger:   logger,
	}
}

// Routes returns the /api/query routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/execute", h.handleExecute)
	r.Post("/validate", h.handleValidate)
	r.Get("/status/{id}", h.handleStatus)
	r.Post("/cancel/{id}", h.handleCancel)
	r.Get("/active", h.handleActive)
	return r
}

// ValidateResponse is the result of a dry-run policy check.
type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// admit runs the shared admission pipeline: classification, role matrix,
// and — when required — password re-authentication. It writes the HTTP error
// response itself and reports whether admission passed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, id *auth.Identity, req Request) (policy.Decision, bool) {
	categories := policy.ClassifySQL(req.Query)
	if len(categories) == 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "query contains no statements")
		return policy.Decision{}, false
	}

	decision := policy.Authorize(id.Role, categories)
	if !decision.Allowed {
		telemetry.PolicyDenialsTotal.WithLabelValues("sql", "role").Inc()
		h.audit.LogFromRequest(r, "deny", "query", "", mustDetail(map[string]string{"reason": decision.Reason}))
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", decision.Reason)
		return policy.Decision{}, false
	}

	if decision.RequiresPassword {
		if req.Password == "" {
			httpserver.RespondError(w, http.StatusBadRequest, "password_required", "Password verification required")
			return policy.Decision{}, false
		}
		if err := h.accounts.VerifyPassword(r.Context(), id.UserID, req.Password); err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrNotFound) {
				telemetry.PolicyDenialsTotal.WithLabelValues("sql", "reauth").Inc()
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "password verification failed")
				return policy.Decision{}, false
			}
			h.logger.Error("password verification", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "password verification unavailable")
			return policy.Decision{}, false
		}
	}

	if req.PGSchema != "" && !policy.ValidIdentifier(req.PGSchema) {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid schema name")
		return policy.Decision{}, false
	}

	return decision, true
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req Request
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	decision, ok := h.admit(w, r, id, req)
	if !ok {
		return
	}

	// Unknown cloud or database is a request-time config error, not a
	// per-target failure.
	if _, err := h.executor.ResolveTargets(req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	primaryCloud := req.Mode
	if req.Mode == ModeBoth {
		primaryCloud = h.clouds.Primary.CloudName
	}
	if _, ok := h.clouds.FindDB(primaryCloud, req.Database); !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unknown database "+req.Database)
		return
	}

	executionID := uuid.New().String()
	userID := id.UserID
	if err := h.store.Init(r.Context(), executionID, "sql", &userID); err != nil {
		h.logger.Error("initialising execution record", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create execution record")
		return
	}

	if err := h.executor.Start(executionID, &userID, req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	h.audit.LogFromRequest(r, "execute", "query", executionID, mustDetail(map[string]any{
		"database":  req.Database,
		"mode":      req.Mode,
		"dangerous": decision.RequiresPassword,
	}))

	if decision.RequiresPassword && h.notify != nil {
		targets, _ := h.executor.ResolveTargets(req)
		names := make([]string, len(targets))
		for i, t := range targets {
			names[i] = t.Cloud
		}
		h.notify.NotifyDangerousQuery(id.Email, req.Query, names)
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"executionId": executionID})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req Request
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	categories := policy.ClassifySQL(req.Query)
	if len(categories) == 0 {
		httpserver.Respond(w, http.StatusOK, ValidateResponse{Valid: false, Error: "query contains no statements"})
		return
	}

	decision := policy.Authorize(id.Role, categories)
	if !decision.Allowed {
		httpserver.Respond(w, http.StatusOK, ValidateResponse{Valid: false, Error: decision.Reason})
		return
	}
	httpserver.Respond(w, http.StatusOK, ValidateResponse{Valid: true})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.getRecord(w, r)
	if !ok {
		return
	}
	httpserver.Respond(w, http.StatusOK, rec)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	rec, ok := h.getRecord(w, r)
	if !ok {
		return
	}

	// MASTER may cancel any execution; others only their own.
	if id.Role != auth.RoleMaster {
		if rec.UserID == nil || *rec.UserID != id.UserID {
			httpserver.RespondError(w, http.StatusForbidden, "forbidden", "may only cancel your own executions")
			return
		}
	}

	if err := h.executor.Cancel(r.Context(), rec.ID); err != nil {
		h.logger.Error("cancelling execution", "execution_id", rec.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel execution")
		return
	}

	h.audit.LogFromRequest(r, "cancel", "query", rec.ID, nil)
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "cancellation initiated"})
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	var records []*execstore.Record
	for _, id := range h.active.ActiveIDs() {
		rec, err := h.store.Get(r.Context(), id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"executions": records})
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) (*execstore.Record, bool) {
	id := chi.URLParam(r, "id")

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, execstore.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown execution")
			return nil, false
		}
		h.logger.Error("reading execution record", "execution_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read execution")
		return nil, false
	}
	return rec, true
}

func mustDetail(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
