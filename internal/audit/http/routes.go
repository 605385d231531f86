package audithttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const rateLimit = 10
const rateWindow = time.Minute

// Permission keys guarding the audit endpoints.
var (
	CheckView   = rbac.Check("security.read.audit_log@company")
	CheckExport = rbac.Check("security.admin.audit_log@company")
)

// MountRoutes mendaftarkan endpoint audit keamanan dan ekspor CSV.
func (h *Handler) MountRoutes(r chi.Router, guard rbac.Middleware) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.With(guard.Require(CheckView)).Get("/audit/security", h.handleTimeline)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter, guard.Require(CheckExport))
		gr.Get("/audit/security/export", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if id, ok := shared.IdentityFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
