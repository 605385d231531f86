package overrides

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// CreateInput describes a new override.
type CreateInput struct {
	TargetUserID int64
	CompanyID    int64
	Key          rbac.PermissionKey
	Granted      bool
	Reason       string
	CreatedBy    int64
	ExpiresAt    *time.Time
	RequestID    *uuid.UUID
}

// Service validates and records overrides, and serves them to the engine.
type Service struct {
	store  Store
	locker shared.Locker
	audit  rbac.AuditRecorder
	now    func() time.Time
}

// NewService constructs the service. A nil locker falls back to an in-process one.
func NewService(store Store, locker shared.Locker, recorder rbac.AuditRecorder, clock func() time.Time) *Service {
	if locker == nil {
		locker = shared.NewMutexLocker()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, locker: locker, audit: recorder, now: clock}
}

// Build validates in and returns the override it describes, stamped at now.
func Build(in CreateInput, now time.Time) (rbac.Override, error) {
	if in.TargetUserID <= 0 || in.CompanyID <= 0 {
		return rbac.Override{}, fmt.Errorf("overrides: target user and company required: %w", shared.ErrValidation)
	}
	if err := in.Key.Validate(); err != nil {
		return rbac.Override{}, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return rbac.Override{}, fmt.Errorf("overrides: reason required: %w", shared.ErrValidation)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return rbac.Override{}, fmt.Errorf("overrides: expiry %s not after %s: %w", in.ExpiresAt.Format(time.RFC3339), now.Format(time.RFC3339), shared.ErrInvalidOverride)
	}
	return rbac.Override{
		ID:           uuid.New(),
		TargetUserID: in.TargetUserID,
		CompanyID:    in.CompanyID,
		Key:          in.Key,
		Granted:      in.Granted,
		Reason:       reason,
		CreatedBy:    in.CreatedBy,
		CreatedAt:    now,
		ExpiresAt:    in.ExpiresAt,
		RequestID:    in.RequestID,
	}, nil
}

// Create validates and stores an override inside the (user, company) critical section.
func (s *Service) Create(ctx context.Context, in CreateInput) (rbac.Override, error) {
	var created rbac.Override
	err := s.locker.WithLock(ctx, shared.AccessLockKey(in.TargetUserID, in.CompanyID), func(ctx context.Context) error {
		o, err := Build(in, s.now())
		if err != nil {
			return err
		}
		if err := s.store.Create(ctx, o); err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		return rbac.Override{}, err
	}
	RecordCreated(ctx, s.audit, created)
	return created, nil
}

// RecordCreated writes the override_created audit entry for o.
func RecordCreated(ctx context.Context, recorder rbac.AuditRecorder, o rbac.Override) {
	if recorder == nil {
		return
	}
	verb := "deny"
	risk := audit.RiskMedium
	if o.Granted {
		verb, risk = "grant", audit.RiskHigh
	}
	data := map[string]any{
		"override_id":    o.ID.String(),
		"target_user_id": o.TargetUserID,
		"permission":     o.Key.String(),
		"granted":        o.Granted,
		"reason":         o.Reason,
	}
	if o.ExpiresAt != nil {
		data["expires_at"] = o.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if o.RequestID != nil {
		data["request_id"] = o.RequestID.String()
	}
	recorder.Record(ctx, audit.SecurityEvent{
		UserID:      o.CreatedBy,
		CompanyID:   o.CompanyID,
		EventType:   audit.EventOverrideCreated,
		Description: fmt.Sprintf("override %s %s for user %d", verb, o.Key, o.TargetUserID),
		RiskLevel:   risk,
		Data:        data,
		Timestamp:   o.CreatedAt,
	})
}

// Get loads one override.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (rbac.Override, error) {
	return s.store.Get(ctx, id)
}

// ActiveOverrides returns overrides in force at asOf, newest first.
func (s *Service) ActiveOverrides(ctx context.Context, userID, companyID int64, asOf time.Time) ([]rbac.Override, error) {
	return s.store.Active(ctx, userID, companyID, asOf)
}

// ListOverrides returns every override regardless of expiry, newest first.
func (s *Service) ListOverrides(ctx context.Context, userID, companyID int64) ([]rbac.Override, error) {
	return s.store.List(ctx, userID, companyID)
}

var _ rbac.OverrideSource = (*Service)(nil)
