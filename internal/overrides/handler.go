package overrides

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// CheckView guards override listings.
var CheckView = rbac.Check("security.read.permission_override@company")

// Input is the HTTP payload for a direct override.
type Input struct {
	TargetUserID int64      `json:"target_user_id" validate:"required,gt=0"`
	Permission   string     `json:"permission" validate:"required"`
	Granted      bool       `json:"granted"`
	Reason       string     `json:"reason"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Creator writes admin-gated overrides on behalf of an actor.
type Creator interface {
	CreatePermissionOverride(ctx context.Context, actor shared.Identity, in Input) (rbac.Override, error)
}

// Handler exposes overrides over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
	creator Creator
	rbac    rbac.Middleware
	now     func() time.Time
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, creator Creator, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, creator: creator, rbac: rbac, now: time.Now}
}

// MountRoutes registers override routes. Creation is gated inside Creator so the
// required admin permission follows the requested key.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(CheckView))
		r.Get("/", h.list)
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	var in Input
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Result(w, http.StatusCreated, err)
		return
	}
	o, err := h.creator.CreatePermissionOverride(r.Context(), subject, in)
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("overrides create", slog.Any("error", err))
		}
		httpx.Result(w, http.StatusCreated, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"success": true, "override": o})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	subject, _ := shared.IdentityFromContext(r.Context())
	q := r.URL.Query()
	userID := subject.UserID
	if raw := strings.TrimSpace(q.Get("user_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user_id")
			return
		}
		userID = parsed
	}
	var (
		list []rbac.Override
		err  error
	)
	if q.Get("include_expired") == "true" {
		list, err = h.service.ListOverrides(r.Context(), userID, subject.CompanyID)
	} else {
		list, err = h.service.ActiveOverrides(r.Context(), userID, subject.CompanyID, h.now())
	}
	if err != nil {
		h.logger.Error("overrides list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if list == nil {
		list = []rbac.Override{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": list})
}
