package audit

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/queryowl/internal/auth"
	"github.com/wisbric/queryowl/internal/httpserver"
)

// Response is one audit entry on the wire.
type Response struct {
	ID         int64      `json:"id"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Action     string     `json:"action"`
	Resource   string     `json:"resource"`
	ResourceID string     `json:"resource_id,omitempty"`
	Detail     any        `json:"detail,omitempty"`
	IPAddress  *string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Handler serves the audit log read API.
type Handler struct {
	dbtx   auth.DBTX
	logger *slog.Logger
}

// NewHandler creates the audit read handler.
func NewHandler(dbtx auth.DBTX, logger *slog.Logger) *Handler {
	return &Handler{dbtx: dbtx, logger: logger}
}

// Routes returns the audit log routes. Listing requires at least USER.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireMinRole(auth.RoleUser))
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var total int
	if err := h.dbtx.QueryRow(r.Context(), `SELECT COUNT(*) FROM audit_log`).Scan(&total); err != nil {
		h.logger.Error("counting audit entries", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	rows, err := h.dbtx.Query(r.Context(),
		`SELECT id, user_id, action, resource, resource_id, detail, ip_address, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit entries", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	items, err := scanEntries(rows)
	if err != nil {
		h.logger.Error("scanning audit entries", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

func scanEntries(rows pgx.Rows) ([]Response, error) {
	defer rows.Close()
	var items []Response
	for rows.Next() {
		var e Response
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return items, nil
}
