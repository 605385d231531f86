package rbac

import (
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Middleware wires engine-backed authorization for HTTP handlers.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// Require ensures the current identity passes check.
func (m Middleware) Require(check PermissionCheck, opts ...CheckOption) func(http.Handler) http.Handler {
	all := enforced(opts)
	return m.guard(func(r *http.Request, subject shared.Identity) bool {
		return m.Engine.HasPermission(r.Context(), subject, check, all...)
	})
}

// enforced returns a fresh slice of opts plus Enforced, never writing into the
// caller's backing array.
func enforced(opts []CheckOption) []CheckOption {
	out := make([]CheckOption, 0, len(opts)+1)
	out = append(out, opts...)
	return append(out, Enforced())
}

// RequireAll ensures the current identity passes every check.
func (m Middleware) RequireAll(checks ...PermissionCheck) func(http.Handler) http.Handler {
	return m.guard(func(r *http.Request, subject shared.Identity) bool {
		return m.Engine.HasAllPermissions(r.Context(), subject, checks, Enforced())
	})
}

// RequireAny ensures the current identity passes at least one check.
func (m Middleware) RequireAny(checks ...PermissionCheck) func(http.Handler) http.Handler {
	return m.guard(func(r *http.Request, subject shared.Identity) bool {
		if len(checks) == 0 {
			return true
		}
		return m.Engine.HasAnyPermission(r.Context(), subject, checks, Enforced())
	})
}

// RequireLevel ensures the current identity's highest role has one of levels.
func (m Middleware) RequireLevel(levels ...int) func(http.Handler) http.Handler {
	gate := NewGate(m.Engine)
	return m.guard(func(r *http.Request, _ shared.Identity) bool {
		return gate.AllowLevel(r.Context(), levels...)
	})
}

func (m Middleware) guard(allow func(*http.Request, shared.Identity) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := shared.IdentityFromContext(r.Context())
			if !ok {
				httpx.Unauthorized(w)
				return
			}
			if !allow(r, subject) {
				if m.Logger != nil {
					m.Logger.Debug("rbac forbidden",
						slog.String("path", r.URL.Path),
						slog.Int64("user_id", subject.UserID),
						slog.Int64("company_id", subject.CompanyID))
				}
				httpx.Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
