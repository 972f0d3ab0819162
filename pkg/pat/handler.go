package pat

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/audit"
	"github.com/aegiscore/vault/internal/httpserver"
	"github.com/aegiscore/vault/pkg/tenant"
)

// Handler provides HTTP handlers for the personal access tokens API.
type Handler struct {
	logger *slog.Logger
	audit  *audit.Writer
	store  *Store
}

// NewHandler creates a PAT Handler backed by the given global pool.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, pool *pgxpool.Pool) *Handler {
	return &Handler{logger: logger, audit: auditWriter, store: NewStore(pool)}
}

// Routes returns a chi.Router with all personal access token routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Delete("/{id}", h.handleDelete)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t := tenant.FromContext(r.Context())
	resp, err := h.store.Create(r.Context(), t.ID, req)
	if err != nil {
		h.logger.Error("creating personal access token", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create token")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "create", "personal_access_token", resp.ID, nil)
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())

	items, err := h.store.List(r.Context(), t.ID)
	if err != nil {
		h.logger.Error("listing personal access tokens", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list tokens")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"tokens": items,
		"count":  len(items),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	tokenID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid token ID")
		return
	}

	t := tenant.FromContext(r.Context())
	if err := h.store.Delete(r.Context(), t.ID, tokenID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "token not found")
			return
		}
		h.logger.Error("deleting personal access token", "error", err, "id", tokenID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete token")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "personal_access_token", tokenID, nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
