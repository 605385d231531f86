// Package requests implements the elevated-access request and approval workflow.
package requests

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Status enumerates request lifecycle states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
)

// PermissionRequest asks for one or more permissions to be granted to a user.
type PermissionRequest struct {
	ID           uuid.UUID            `json:"id"`
	RequesterID  int64                `json:"requester_id"`
	TargetUserID int64                `json:"target_user_id"`
	CompanyID    int64                `json:"company_id"`
	Permissions  []rbac.PermissionKey `json:"permissions"`
	Reason       string               `json:"reason"`
	Status       Status               `json:"status"`
	ReviewerID   *int64               `json:"reviewer_id,omitempty"`
	ReviewNotes  string               `json:"review_notes,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	ReviewedAt   *time.Time           `json:"reviewed_at,omitempty"`
	ExpiresAt    time.Time            `json:"expires_at"`
}

// PendingAt reports whether the request can still be reviewed at t.
func (r PermissionRequest) PendingAt(t time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt.After(t)
}

// ListFilter narrows request listings to one company.
type ListFilter struct {
	CompanyID   int64
	Status      Status
	RequesterID int64
	Page        int
	PerPage     int
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Insert(ctx context.Context, req PermissionRequest) error
	Get(ctx context.Context, id uuid.UUID) (PermissionRequest, error)
	List(ctx context.Context, filter ListFilter) ([]PermissionRequest, int, error)
	// ExpirePending flips overdue pending requests to expired and returns them.
	ExpirePending(ctx context.Context, asOf time.Time) ([]PermissionRequest, error)
}

// TxRepository is the transactional view used during review.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id uuid.UUID) (PermissionRequest, error)
	UpdateReview(ctx context.Context, req PermissionRequest) error
	InsertOverride(ctx context.Context, o rbac.Override) error
}

// Notifier tells reviewers about new requests. Delivery is best effort.
type Notifier interface {
	NotifyPendingRequest(ctx context.Context, req PermissionRequest) error
}
