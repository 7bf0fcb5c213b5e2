package history

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

// Response is one archived submission on the wire.
type Response struct {
	ID         int64      `json:"id"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Query      string     `json:"query"`
	Database   string     `json:"database"`
	Mode       string     `json:"mode"`
	Success    bool       `json:"success"`
	DurationMS int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Handler serves the query-history read API.
type Handler struct {
	dbtx   auth.DBTX
	logger *slog.Logger
}

// NewHandler creates the history handler.
func NewHandler(dbtx auth.DBTX, logger *slog.Logger) *Handler {
	return &Handler{dbtx: dbtx, logger: logger}
}

// Routes returns the history routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// handleList returns the caller's own history; MASTER sees everyone's.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	id := auth.FromContext(r.Context())
	var filterUser *uuid.UUID
	if id.Role != auth.RoleMaster {
		filterUser = &id.UserID
	}

	var total int
	countErr := h.dbtx.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM query_history WHERE ($1::uuid IS NULL OR user_id = $1)`,
		filterUser).Scan(&total)
	if countErr != nil {
		h.logger.Error("counting history entries", "error", countErr)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list history")
		return
	}

	rows, err := h.dbtx.Query(r.Context(),
		`SELECT id, user_id, query, database_name, mode, success, duration_ms, created_at
		FROM query_history
		WHERE ($1::uuid IS NULL OR user_id = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		filterUser, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing history entries", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list history")
		return
	}

	items, err := scanEntries(rows)
	if err != nil {
		h.logger.Error("scanning history entries", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list history")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

func scanEntries(rows pgx.Rows) ([]Response, error) {
	defer rows.Close()
	var items []Response
	for rows.Next() {
		var e Response
		if err := rows.Scan(&e.ID, &e.UserID, &e.Query, &e.Database, &e.Mode, &e.Success, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return items, nil
}
