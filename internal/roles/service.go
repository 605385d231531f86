package roles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ServiceConfig wires the assignment service.
type ServiceConfig struct {
	Store    Store
	Catalogs rbac.CatalogProvider
	Locker   shared.Locker
	Audit    rbac.AuditRecorder
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Service handles role assignment business logic and serves as the engine's RoleSource.
type Service struct {
	store    Store
	catalogs rbac.CatalogProvider
	locker   shared.Locker
	audit    rbac.AuditRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		store:    cfg.Store,
		catalogs: cfg.Catalogs,
		locker:   cfg.Locker,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		now:      cfg.Clock,
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
	return s
}

// AssignRole grants a catalog role to a user within a company.
func (s *Service) AssignRole(ctx context.Context, in AssignInput) (rbac.Assignment, error) {
	if in.UserID <= 0 || in.CompanyID <= 0 || in.RoleID <= 0 {
		return rbac.Assignment{}, fmt.Errorf("roles: assign: user, company and role required: %w", shared.ErrValidation)
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return rbac.Assignment{}, fmt.Errorf("roles: assign: expiry must be in the future: %w", shared.ErrValidation)
	}
	role, ok := s.catalogs.Current().Role(in.RoleID)
	if !ok {
		return rbac.Assignment{}, fmt.Errorf("roles: assign: role %d: %w", in.RoleID, shared.ErrNotFound)
	}
	if !role.IsActive {
		return rbac.Assignment{}, fmt.Errorf("roles: assign: role %d inactive: %w", in.RoleID, shared.ErrInvalidRole)
	}
	if !role.AvailableTo(in.CompanyID) {
		return rbac.Assignment{}, fmt.Errorf("roles: assign: role %d belongs to another company: %w", in.RoleID, shared.ErrInvalidRole)
	}
	if err := s.checkAssigner(ctx, in, role, now); err != nil {
		return rbac.Assignment{}, err
	}

	var created rbac.Assignment
	err := s.locker.WithLock(ctx, shared.AccessLockKey(in.UserID, in.CompanyID), func(ctx context.Context) error {
		existing, err := s.store.ListByUser(ctx, in.UserID, in.CompanyID)
		if err != nil {
			return err
		}
		for _, a := range existing {
			if a.RoleID != in.RoleID || !a.IsActive {
				continue
			}
			if a.ActiveAt(now) {
				return fmt.Errorf("roles: assign: role %d to user %d: %w", in.RoleID, in.UserID, shared.ErrDuplicateAssignment)
			}
			// Retire the lapsed assignment so the new one can take its slot.
			if err := s.store.Deactivate(ctx, a.ID); err != nil {
				return err
			}
		}
		created = rbac.Assignment{
			ID:         uuid.New(),
			UserID:     in.UserID,
			RoleID:     in.RoleID,
			CompanyID:  in.CompanyID,
			AssignedBy: in.AssignedBy,
			AssignedAt: now,
			ExpiresAt:  in.ExpiresAt,
			IsActive:   true,
		}
		return s.store.Insert(ctx, created)
	})
	if err != nil {
		return rbac.Assignment{}, err
	}
	s.record(ctx, audit.SecurityEvent{
		UserID:      in.AssignedBy,
		CompanyID:   in.CompanyID,
		EventType:   audit.EventRoleAssigned,
		Description: fmt.Sprintf("role %s assigned to user %d", role.Name, in.UserID),
		RiskLevel:   riskForLevel(role.Level),
		Data: map[string]any{
			"assignment_id":  created.ID.String(),
			"target_user_id": in.UserID,
			"role_id":        role.ID,
			"role_level":     role.Level,
		},
	})
	return created, nil
}

// checkAssigner enforces that a user assigner holds a level with the manage_roles
// capability, never hands out a role above their own highest role, and never assigns
// to themselves. AssignedBy zero is a system
// assignment (seeding, bootstrap) and is not checked.
func (s *Service) checkAssigner(ctx context.Context, in AssignInput, role rbac.Role, now time.Time) error {
	if in.AssignedBy <= 0 {
		return nil
	}
	if in.AssignedBy == in.UserID {
		return fmt.Errorf("roles: assign: user %d cannot assign own roles: %w", in.UserID, shared.ErrForbidden)
	}
	own, err := s.HighestRole(ctx, in.AssignedBy, in.CompanyID, now)
	if err != nil {
		return err
	}
	if own == nil || rbac.MorePrivileged(role.Level, own.Level) {
		return fmt.Errorf("roles: assign: role %d outranks assigner %d: %w", role.ID, in.AssignedBy, shared.ErrForbidden)
	}
	if lvl, ok := s.catalogs.Current().Level(own.Level); !ok || !lvl.HasCapability(rbac.CapabilityManageRoles) {
		return fmt.Errorf("roles: assign: level %d of assigner %d cannot manage roles: %w", own.Level, in.AssignedBy, shared.ErrForbidden)
	}
	return nil
}

// RevokeRole deactivates an assignment within companyID.
func (s *Service) RevokeRole(ctx context.Context, id uuid.UUID, companyID, revokedBy int64) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.CompanyID != companyID || !a.IsActive {
		return fmt.Errorf("roles: revoke: assignment %s: %w", id, shared.ErrNotFound)
	}
	err = s.locker.WithLock(ctx, shared.AccessLockKey(a.UserID, a.CompanyID), func(ctx context.Context) error {
		return s.store.Deactivate(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, audit.SecurityEvent{
		UserID:      revokedBy,
		CompanyID:   companyID,
		EventType:   audit.EventRoleRevoked,
		Description: fmt.Sprintf("role %d revoked from user %d", a.RoleID, a.UserID),
		RiskLevel:   audit.RiskMedium,
		Data: map[string]any{
			"assignment_id":  id.String(),
			"target_user_id": a.UserID,
			"role_id":        a.RoleID,
		},
	})
	return nil
}

// Assignments lists every assignment of the user in the company.
func (s *Service) Assignments(ctx context.Context, userID, companyID int64) ([]rbac.Assignment, error) {
	return s.store.ListByUser(ctx, userID, companyID)
}

// ActiveRoles returns the catalog roles of assignments active at asOf.
func (s *Service) ActiveRoles(ctx context.Context, userID, companyID int64, asOf time.Time) ([]rbac.Role, error) {
	held, err := s.heldAssignments(ctx, userID, companyID, func(a rbac.Assignment) bool { return a.ActiveAt(asOf) })
	if err != nil {
		return nil, err
	}
	return rolesOf(held), nil
}

// HeldRoles returns the catalog roles of active assignments, ignoring expiry.
func (s *Service) HeldRoles(ctx context.Context, userID, companyID int64) ([]rbac.Role, error) {
	held, err := s.heldAssignments(ctx, userID, companyID, func(a rbac.Assignment) bool { return a.IsActive })
	if err != nil {
		return nil, err
	}
	return rolesOf(held), nil
}

// HighestRole returns the most privileged role active at asOf; ties go to the
// earliest assignment. It returns nil when the user holds no active role.
func (s *Service) HighestRole(ctx context.Context, userID, companyID int64, asOf time.Time) (*rbac.Role, error) {
	held, err := s.heldAssignments(ctx, userID, companyID, func(a rbac.Assignment) bool { return a.ActiveAt(asOf) })
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, nil
	}
	sort.SliceStable(held, func(i, j int) bool {
		if held[i].role.Level != held[j].role.Level {
			return rbac.MorePrivileged(held[i].role.Level, held[j].role.Level)
		}
		return held[i].assignment.AssignedAt.Before(held[j].assignment.AssignedAt)
	})
	role := held[0].role
	return &role, nil
}

type heldRole struct {
	assignment rbac.Assignment
	role       rbac.Role
}

// heldAssignments joins assignments with the current catalog, skipping roles that
// vanished, were deactivated or belong to another company.
func (s *Service) heldAssignments(ctx context.Context, userID, companyID int64, keep func(rbac.Assignment) bool) ([]heldRole, error) {
	list, err := s.store.ListByUser(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}
	catalog := s.catalogs.Current()
	out := make([]heldRole, 0, len(list))
	for _, a := range list {
		if !keep(a) {
			continue
		}
		role, ok := catalog.Role(a.RoleID)
		if !ok {
			s.logger.Warn("roles: assignment references unknown role", slog.String("assignment_id", a.ID.String()), slog.Int64("role_id", a.RoleID))
			continue
		}
		if !role.IsActive || !role.AvailableTo(companyID) {
			continue
		}
		out = append(out, heldRole{assignment: a, role: role})
	}
	return out, nil
}

func rolesOf(held []heldRole) []rbac.Role {
	seen := make(map[int64]bool, len(held))
	out := make([]rbac.Role, 0, len(held))
	for _, h := range held {
		if seen[h.role.ID] {
			continue
		}
		seen[h.role.ID] = true
		out = append(out, h.role)
	}
	return out
}

func riskForLevel(level int) audit.RiskLevel {
	switch {
	case level <= 1:
		return audit.RiskCritical
	case level == 2:
		return audit.RiskHigh
	}
	return audit.RiskMedium
}

func (s *Service) record(ctx context.Context, ev audit.SecurityEvent) {
	if s.audit != nil {
		s.audit.Record(ctx, ev)
	}
}

var _ rbac.RoleSource = (*Service)(nil)
