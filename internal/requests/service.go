package requests

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	// DefaultRequestTTL is how long a request stays reviewable.
	DefaultRequestTTL = 7 * 24 * time.Hour
	// DefaultGrantTTL is the lifetime of overrides created by approval.
	DefaultGrantTTL = 7 * 24 * time.Hour
)

// Config wires the workflow service.
type Config struct {
	Repo       RepositoryPort
	Engine     *rbac.Engine
	Overrides  *overrides.Service
	Notifier   Notifier
	Audit      rbac.AuditRecorder
	Locker     shared.Locker
	Logger     *slog.Logger
	Clock      func() time.Time
	RequestTTL time.Duration
	GrantTTL   time.Duration
}

// Service orchestrates permission requests and administrative overrides.
type Service struct {
	repo       RepositoryPort
	engine     *rbac.Engine
	overrides  *overrides.Service
	notifier   Notifier
	audit      rbac.AuditRecorder
	locker     shared.Locker
	logger     *slog.Logger
	now        func() time.Time
	requestTTL time.Duration
	grantTTL   time.Duration
}

// NewService constructs the workflow service.
func NewService(cfg Config) *Service {
	s := &Service{
		repo:       cfg.Repo,
		engine:     cfg.Engine,
		overrides:  cfg.Overrides,
		notifier:   cfg.Notifier,
		audit:      cfg.Audit,
		locker:     cfg.Locker,
		logger:     cfg.Logger,
		now:        cfg.Clock,
		requestTTL: cfg.RequestTTL,
		grantTTL:   cfg.GrantTTL,
	}
	if s.locker == nil {
		s.locker = shared.NewMutexLocker()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.requestTTL <= 0 {
		s.requestTTL = DefaultRequestTTL
	}
	if s.grantTTL <= 0 {
		s.grantTTL = DefaultGrantTTL
	}
	return s
}

// RequestInput describes a request for elevated access.
type RequestInput struct {
	// TargetUserID defaults to the requester.
	TargetUserID  int64    `json:"target_user_id,omitempty"`
	Permissions   []string `json:"permissions" validate:"required,min=1,dive,required"`
	Justification string   `json:"justification"`
}

// RequestPermission records a pending request and notifies reviewers.
func (s *Service) RequestPermission(ctx context.Context, requester shared.Identity, in RequestInput) (PermissionRequest, error) {
	if !requester.Valid() {
		return PermissionRequest{}, fmt.Errorf("requests: requester required: %w", shared.ErrValidation)
	}
	reason := strings.TrimSpace(in.Justification)
	if reason == "" {
		return PermissionRequest{}, fmt.Errorf("requests: justification required: %w", shared.ErrValidation)
	}
	if len(in.Permissions) == 0 {
		return PermissionRequest{}, fmt.Errorf("requests: at least one permission required: %w", shared.ErrValidation)
	}
	keys := make([]rbac.PermissionKey, 0, len(in.Permissions))
	seen := make(map[rbac.PermissionKey]bool, len(in.Permissions))
	for _, raw := range in.Permissions {
		key, err := rbac.ParsePermissionKey(raw)
		if err != nil {
			return PermissionRequest{}, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	target := in.TargetUserID
	if target == 0 {
		target = requester.UserID
	}
	if target < 0 {
		return PermissionRequest{}, fmt.Errorf("requests: invalid target user: %w", shared.ErrValidation)
	}

	now := s.now()
	req := PermissionRequest{
		ID:           uuid.New(),
		RequesterID:  requester.UserID,
		TargetUserID: target,
		CompanyID:    requester.CompanyID,
		Permissions:  keys,
		Reason:       reason,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.requestTTL),
	}
	if err := s.repo.Insert(ctx, req); err != nil {
		return PermissionRequest{}, err
	}
	s.record(ctx, requester, audit.EventPermissionRequested, audit.RiskLow,
		fmt.Sprintf("user %d requested %d permissions for user %d", requester.UserID, len(keys), target),
		requestData(req))
	if s.notifier != nil {
		if err := s.notifier.NotifyPendingRequest(context.WithoutCancel(ctx), req); err != nil {
			s.logger.Warn("requests notify reviewers", slog.String("request_id", req.ID.String()), slog.Any("error", err))
		}
	}
	return req, nil
}

// ReviewRequest approves or denies a pending request. Approval writes one override per
// requested permission in the same transaction as the status change.
func (s *Service) ReviewRequest(ctx context.Context, reviewer shared.Identity, id uuid.UUID, decision Decision, notes string) (PermissionRequest, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return PermissionRequest{}, fmt.Errorf("requests: unknown decision %q: %w", decision, shared.ErrValidation)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PermissionRequest{}, err
	}
	now := s.now()
	if current.CompanyID != reviewer.CompanyID || !current.PendingAt(now) {
		return PermissionRequest{}, fmt.Errorf("requests: %s is not pending: %w", id, shared.ErrNotFound)
	}
	if current.RequesterID == reviewer.UserID || current.TargetUserID == reviewer.UserID {
		return PermissionRequest{}, fmt.Errorf("requests: reviewer cannot decide own request: %w", shared.ErrForbidden)
	}
	eligible, err := s.engine.HasCapability(ctx, reviewer.UserID, reviewer.CompanyID, rbac.CapabilityApproveRequests)
	if err != nil {
		return PermissionRequest{}, err
	}
	if !eligible {
		return PermissionRequest{}, fmt.Errorf("requests: reviewer level cannot approve requests: %w", shared.ErrForbidden)
	}
	for _, key := range current.Permissions {
		if !s.engine.HasPermission(ctx, reviewer, ReviewerCheck(key), rbac.Enforced()) {
			return PermissionRequest{}, fmt.Errorf("requests: reviewer lacks admin on %s: %w", key.Module, shared.ErrForbidden)
		}
	}

	var (
		reviewed PermissionRequest
		created  []rbac.Override
	)
	err = s.locker.WithLock(ctx, shared.AccessLockKey(current.TargetUserID, current.CompanyID), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			req, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !req.PendingAt(now) {
				return fmt.Errorf("requests: %s is not pending: %w", id, shared.ErrNotFound)
			}
			reviewerID := reviewer.UserID
			req.Status = Status(decision)
			req.ReviewerID = &reviewerID
			req.ReviewNotes = strings.TrimSpace(notes)
			req.ReviewedAt = &now
			if err := tx.UpdateReview(ctx, req); err != nil {
				return err
			}
			if decision == DecisionApprove {
				expires := now.Add(s.grantTTL)
				requestID := req.ID
				for _, key := range req.Permissions {
					o, err := overrides.Build(overrides.CreateInput{
						TargetUserID: req.TargetUserID,
						CompanyID:    req.CompanyID,
						Key:          key,
						Granted:      true,
						Reason:       req.Reason,
						CreatedBy:    reviewer.UserID,
						ExpiresAt:    &expires,
						RequestID:    &requestID,
					}, now)
					if err != nil {
						return err
					}
					if err := tx.InsertOverride(ctx, o); err != nil {
						return err
					}
					created = append(created, o)
				}
			}
			reviewed = req
			return nil
		})
	})
	if err != nil {
		return PermissionRequest{}, err
	}

	eventType, risk := audit.EventRequestDenied, audit.RiskLow
	if decision == DecisionApprove {
		eventType, risk = audit.EventRequestApproved, audit.RiskHigh
	}
	data := requestData(reviewed)
	data["notes"] = reviewed.ReviewNotes
	s.record(ctx, reviewer, eventType, risk,
		fmt.Sprintf("request %s %s by user %d", reviewed.ID, decision, reviewer.UserID), data)
	for _, o := range created {
		overrides.RecordCreated(ctx, s.audit, o)
	}
	return reviewed, nil
}

// CreatePermissionOverride writes an override directly for another user. The actor must
// itself hold admin on the permission at the key's scope, checked through the engine.
func (s *Service) CreatePermissionOverride(ctx context.Context, actor shared.Identity, in overrides.Input) (rbac.Override, error) {
	key, err := rbac.ParsePermissionKey(in.Permission)
	if err != nil {
		return rbac.Override{}, err
	}
	if in.TargetUserID == actor.UserID {
		return rbac.Override{}, fmt.Errorf("requests: actor cannot override own permissions: %w", shared.ErrForbidden)
	}
	if !s.engine.HasPermission(ctx, actor, ReviewerCheck(key), rbac.Enforced()) {
		return rbac.Override{}, fmt.Errorf("requests: actor lacks admin on %s: %w", key.Module, shared.ErrForbidden)
	}
	return s.overrides.Create(ctx, overrides.CreateInput{
		TargetUserID: in.TargetUserID,
		CompanyID:    actor.CompanyID,
		Key:          key,
		Granted:      in.Granted,
		Reason:       in.Reason,
		CreatedBy:    actor.UserID,
		ExpiresAt:    in.ExpiresAt,
	})
}

// ExpirePending marks overdue pending requests expired and returns how many changed.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpirePending(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, req := range expired {
		s.record(ctx, shared.Identity{UserID: req.RequesterID, CompanyID: req.CompanyID}, audit.EventRequestExpired, audit.RiskLow,
			fmt.Sprintf("request %s expired without review", req.ID), requestData(req))
	}
	return len(expired), nil
}

// Get loads a request visible to companyID.
func (s *Service) Get(ctx context.Context, companyID int64, id uuid.UUID) (PermissionRequest, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return PermissionRequest{}, err
	}
	if req.CompanyID != companyID {
		return PermissionRequest{}, fmt.Errorf("requests: %s: %w", id, shared.ErrNotFound)
	}
	return req, nil
}

// List returns one page of requests for the filter's company.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]PermissionRequest, shared.Pagination, error) {
	if filter.PerPage <= 0 || filter.PerPage > 100 {
		filter.PerPage = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	list, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// ReviewerCheck is the engine check guarding changes to key: admin on the same module
// and resource type at the key's scope. An unscoped key applies everywhere and so
// needs global admin.
func ReviewerCheck(key rbac.PermissionKey) rbac.PermissionCheck {
	scope := key.Scope
	if scope == "" {
		scope = rbac.ScopeGlobal
	}
	return rbac.PermissionCheck{
		Module:       key.Module,
		Action:       rbac.ActionAdmin,
		ResourceType: key.ResourceType,
		Scope:        scope,
	}
}

func requestData(req PermissionRequest) map[string]any {
	keys := make([]string, 0, len(req.Permissions))
	for _, k := range req.Permissions {
		keys = append(keys, k.String())
	}
	return map[string]any{
		"request_id":     req.ID.String(),
		"target_user_id": req.TargetUserID,
		"permissions":    keys,
		"status":         string(req.Status),
	}
}

func (s *Service) record(ctx context.Context, actor shared.Identity, eventType audit.EventType, risk audit.RiskLevel, description string, data map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.SecurityEvent{
		UserID:      actor.UserID,
		CompanyID:   actor.CompanyID,
		EventType:   eventType,
		Description: description,
		IPAddress:   actor.IPAddress,
		UserAgent:   actor.UserAgent,
		RiskLevel:   risk,
		Data:        data,
	})
}

var _ overrides.Creator = (*Service)(nil)
