// Package rbachttp exposes permission checks and effective permissions over HTTP.
package rbachttp

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Check modes accepted by the check endpoint.
const (
	ModeSingle = "single"
	ModeAll    = "all"
	ModeAny    = "any"
)

type checkRequest struct {
	Checks     []rbac.PermissionCheck `json:"checks" validate:"required,min=1,max=50,dive"`
	Mode       string                 `json:"mode" validate:"omitempty,oneof=single all any"`
	RequireMFA bool                   `json:"require_mfa"`
}

type checkResponse struct {
	Allowed  bool           `json:"allowed"`
	Mode     string         `json:"mode"`
	Decision *rbac.Decision `json:"decision,omitempty"`
}

// Handler serves permission queries for the calling identity.
type Handler struct {
	logger   *slog.Logger
	engine   *rbac.Engine
	catalogs rbac.CatalogProvider
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, engine *rbac.Engine, catalogs rbac.CatalogProvider) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, catalogs: catalogs}
}

// MountRoutes registers the permission endpoints. Every route requires an identity.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/effective", h.effective)
	r.Get("/levels", h.levels)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.Mode == "" {
		req.Mode = ModeSingle
	}
	opts := []rbac.CheckOption{rbac.Enforced()}
	if req.RequireMFA {
		opts = append(opts, rbac.RequireMFA())
	}

	resp := checkResponse{Mode: req.Mode}
	switch req.Mode {
	case ModeSingle:
		if len(req.Checks) != 1 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "single mode takes exactly one check")
			return
		}
		d := h.engine.Evaluate(r.Context(), subject, req.Checks[0], opts...)
		resp.Allowed = d.Allowed
		resp.Decision = &d
	case ModeAll:
		resp.Allowed = h.engine.HasAllPermissions(r.Context(), subject, req.Checks, opts...)
	case ModeAny:
		resp.Allowed = h.engine.HasAnyPermission(r.Context(), subject, req.Checks, opts...)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) effective(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	role, err := h.engine.HighestRole(r.Context(), subject.UserID, subject.CompanyID)
	if err != nil {
		// The listing is informational; a missing role must not hide it.
		h.logger.Warn("rbac highest role", slog.Int64("user_id", subject.UserID), slog.Any("error", err))
		role = nil
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":      subject.UserID,
		"company_id":   subject.CompanyID,
		"permissions":  h.engine.EffectivePermissions(r.Context(), subject),
		"highest_role": role,
	})
}

func (h *Handler) levels(w http.ResponseWriter, r *http.Request) {
	if _, ok := shared.IdentityFromContext(r.Context()); !ok {
		httpx.Unauthorized(w)
		return
	}
	catalog := h.catalogs.Current()
	httpx.JSON(w, http.StatusOK, map[string]any{
		"version": catalog.Version(),
		"levels":  catalog.Levels(),
	})
}
