package kvexec

import (
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

// Handler is the cache API admission path: command fan-out, scan submission,
// polling, and cancellation.
type Handler struct {
	commander *Commander
	scanner   *Scanner
	store     execstore.Store
	clouds    *cloud.Config
	audit     *audit.Writer
	logger    *slog.Logger
}

// NewHandler creates the cache API handler.
func NewHandler(commander *Commander, scanner *Scanner, store execstore.Store, clouds *cloud.Config, auditW *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{
		commander: commander,
		scanner:   scanner,
		store:     store,
		clouds:    clouds,
		audit:     auditW,
		logger:    logger,
	}
}

// Routes returns the /api/redis routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/execute", h.handleExecute)
	r.Post("/scan", h.handleScan)
	r.Get("/scan/{id}", h.handleScanStatus)
	r.Post("/scan/{id}/cancel", h.handleScanCancel)
	return r
}

// handleExecute fans a single command out to the selected clouds and blocks
// until every cloud has reported.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req CommandRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	decision := policy.AuthorizeRedis(id.Role, req.Command, req.Args)
	if !decision.Allowed {
		telemetry.PolicyDenialsTotal.WithLabelValues("redis", "policy").Inc()
		h.audit.LogFromRequest(r, "deny", "redis_command", "", detail(map[string]string{"reason": decision.Reason}))
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", decision.Reason)
		return
	}

	clouds, err := h.commander.ResolveClouds(req.Cloud)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unknown cloud "+req.Cloud)
		return
	}

	resp := h.commander.Execute(r.Context(), clouds, req)
	h.audit.LogFromRequest(r, "execute", "redis_command", resp.ID, detail(map[string]string{"command": resp.Command}))
	httpserver.Respond(w, http.StatusOK, resp)
}

// handleScan admits an asynchronous cluster-wide SCAN (preview or delete).
func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req ScanRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if d := policy.ValidateScanPattern(req.Pattern); !d.Allowed {
		telemetry.PolicyDenialsTotal.WithLabelValues("redis", "pattern").Inc()
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", d.Reason)
		return
	}

	// Deleting is a write; READER is scan-preview only.
	if req.Action == ActionDelete && id.Role == auth.RoleReader {
		telemetry.PolicyDenialsTotal.WithLabelValues("redis", "role").Inc()
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "role READER may not delete keys")
		return
	}

	clouds, err := h.commander.ResolveClouds(req.Cloud)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "unknown cloud "+req.Cloud)
		return
	}

	executionID := uuid.New().String()
	userID := id.UserID
	if err := h.store.Init(r.Context(), executionID, "scan", &userID); err != nil {
		h.logger.Error("initialising scan record", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create execution record")
		return
	}

	h.scanner.Start(executionID, id.Email, clouds, req)

	h.audit.LogFromRequest(r, req.Action, "redis_scan", executionID, detail(map[string]any{
		"pattern": req.Pattern,
		"clouds":  clouds,
	}))

	httpserver.Respond(w, http.StatusOK, map[string]string{"executionId": executionID})
}

func (h *Handler) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.getRecord(w, r)
	if !ok {
		return
	}
	httpserver.Respond(w, http.StatusOK, rec)
}

func (h *Handler) handleScanCancel(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	rec, ok := h.getRecord(w, r)
	if !ok {
		return
	}

	if id.Role != auth.RoleMaster {
		if rec.UserID == nil || *rec.UserID != id.UserID {
			httpserver.RespondError(w, http.StatusForbidden, "forbidden", "may only cancel your own executions")
			return
		}
	}

	if err := h.scanner.Cancel(r.Context(), rec.ID); err != nil {
		h.logger.Error("cancelling scan", "execution_id", rec.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel scan")
		return
	}

	h.audit.LogFromRequest(r, "cancel", "redis_scan", rec.ID, nil)
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "cancellation initiated"})
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) (*execstore.Record, bool) {
	id := chi.URLParam(r, "id")

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, execstore.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown execution")
			return nil, false
		}
		h.logger.Error("reading scan record", "execution_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read execution")
		return nil, false
	}
	return rec, true
}

func detail(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
