package requests

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const idempotencyScope = "permission_requests"

// Handler exposes the request workflow over HTTP.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency shared.IdempotencyGuard
}

// NewHandler builds Handler instance. idem may be nil.
func NewHandler(logger *slog.Logger, service *Service, idem shared.IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idempotency: idem}
}

// MountRoutes registers request routes. Reviewer authority is checked per request by
// the service, so no route-level permission is required.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/review", h.review)
}

type reviewPayload struct {
	Decision Decision `json:"decision" validate:"required,oneof=approved denied"`
	Notes    string   `json:"notes"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	scope := idempotencyScope + ":" + strconv.FormatInt(subject.UserID, 10)
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, scope); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
				return
			}
			h.logger.Error("requests idempotency", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}
	var in RequestInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.release(r, key, scope)
		httpx.Result(w, http.StatusCreated, err)
		return
	}
	req, err := h.service.RequestPermission(r.Context(), subject, in)
	if err != nil {
		h.release(r, key, scope)
		h.logInternal("requests create", err)
		httpx.Result(w, http.StatusCreated, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"success": true, "request": req})
}

func (h *Handler) release(r *http.Request, key, scope string) {
	if key == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Delete(r.Context(), key, scope); err != nil {
		h.logger.Warn("requests release idempotency key", slog.Any("error", err))
	}
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Result(w, http.StatusOK, shared.ErrNotFound)
		return
	}
	var payload reviewPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Result(w, http.StatusOK, err)
		return
	}
	req, err := h.service.ReviewRequest(r.Context(), subject, id, payload.Decision, payload.Notes)
	if err != nil {
		h.logInternal("requests review", err)
		httpx.Result(w, http.StatusOK, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "request": req})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.ErrNotFound)
		return
	}
	req, err := h.service.Get(r.Context(), subject.CompanyID, id)
	if err != nil {
		h.logInternal("requests get", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	q := r.URL.Query()
	filter := ListFilter{CompanyID: subject.CompanyID, Status: Status(strings.TrimSpace(q.Get("status")))}
	switch filter.Status {
	case "", StatusPending, StatusApproved, StatusDenied, StatusExpired:
	default:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status")
		return
	}
	if q.Get("mine") == "true" {
		filter.RequesterID = subject.UserID
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	list, paging, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logInternal("requests list", err)
		httpx.RespondError(w, err)
		return
	}
	if list == nil {
		list = []PermissionRequest{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requests": list, "pagination": paging})
}

func (h *Handler) logInternal(msg string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError && h.logger != nil {
		h.logger.Error(msg, slog.Any("error", err))
	}
}
