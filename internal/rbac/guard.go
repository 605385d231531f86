package rbac

import (
	"context"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Gate exposes boolean predicates over the engine for presentation code. It keeps no
// state and re-evaluates on every call.
type Gate struct {
	engine *Engine
}

// NewGate wraps engine.
func NewGate(engine *Engine) Gate {
	return Gate{engine: engine}
}

// Allow reports whether the identity in ctx passes check. Checks are enforced.
func (g Gate) Allow(ctx context.Context, check PermissionCheck, opts ...CheckOption) bool {
	subject, ok := shared.IdentityFromContext(ctx)
	if !ok {
		return false
	}
	return g.engine.HasPermission(ctx, subject, check, enforced(opts)...)
}

// AllowLevel reports whether the identity's highest role level is one of levels.
func (g Gate) AllowLevel(ctx context.Context, levels ...int) bool {
	subject, ok := shared.IdentityFromContext(ctx)
	if !ok {
		return false
	}
	role, err := g.engine.HighestRole(ctx, subject.UserID, subject.CompanyID)
	if err != nil || role == nil {
		return false
	}
	for _, lvl := range levels {
		if role.Level == lvl {
			return true
		}
	}
	return false
}

// When runs fn only if check passes and reports whether it ran.
func (g Gate) When(ctx context.Context, check PermissionCheck, fn func()) bool {
	if !g.Allow(ctx, check) {
		return false
	}
	fn()
	return true
}

// Render hands the verdict to fn for layouts that draw both branches.
func (g Gate) Render(ctx context.Context, check PermissionCheck, fn func(allowed bool)) {
	fn(g.Allow(ctx, check))
}
