package roles

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Permission keys guarding role management.
var (
	CheckViewAssignments   = rbac.Check("security.read.role_assignment@company")
	CheckManageAssignments = rbac.Check("security.admin.role_assignment@company")
)

// Handler manages role assignment endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	engine  *rbac.Engine
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, engine *rbac.Engine, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, engine: engine, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/highest", h.highestRole)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(CheckViewAssignments))
		r.Get("/assignments", h.listAssignments)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(CheckManageAssignments))
		r.Post("/assignments", h.assignRole)
		r.Delete("/assignments/{id}", h.revokeRole)
	})
}

func (h *Handler) highestRole(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	role, err := h.engine.HighestRole(r.Context(), subject.UserID, subject.CompanyID)
	if err != nil {
		h.logger.Error("roles highest", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role": role})
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	subject, _ := shared.IdentityFromContext(r.Context())
	userID := subject.UserID
	if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user_id")
			return
		}
		userID = parsed
	}
	list, err := h.service.Assignments(r.Context(), userID, subject.CompanyID)
	if err != nil {
		h.logger.Error("roles list assignments", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if list == nil {
		list = []rbac.Assignment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": list})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	subject, _ := shared.IdentityFromContext(r.Context())
	var in AssignInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Result(w, http.StatusCreated, err)
		return
	}
	in.CompanyID = subject.CompanyID
	in.AssignedBy = subject.UserID
	assignment, err := h.service.AssignRole(r.Context(), in)
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("roles assign", slog.Any("error", err))
		}
		httpx.Result(w, http.StatusCreated, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"success": true, "assignment": assignment})
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	subject, _ := shared.IdentityFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Result(w, http.StatusOK, shared.ErrNotFound)
		return
	}
	err = h.service.RevokeRole(r.Context(), id, subject.CompanyID, subject.UserID)
	if err != nil && httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("roles revoke", slog.Any("error", err))
	}
	httpx.Result(w, http.StatusOK, err)
}
