package roles

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Store persists role assignments. Implementations must be read-after-write consistent.
type Store interface {
	Insert(ctx context.Context, a rbac.Assignment) error
	Get(ctx context.Context, id uuid.UUID) (rbac.Assignment, error)
	ListByUser(ctx context.Context, userID, companyID int64) ([]rbac.Assignment, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// AssignInput carries the fields needed to assign a role.
type AssignInput struct {
	UserID     int64      `json:"user_id" validate:"required,gt=0"`
	RoleID     int64      `json:"role_id" validate:"required,gt=0"`
	CompanyID  int64      `json:"-"`
	AssignedBy int64      `json:"-"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}
