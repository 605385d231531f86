package users

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListCompanyUsers(ctx context.Context, companyID int64) ([]User, error)
}

// RoleLookup resolves a user's most privileged active role.
type RoleLookup interface {
	HighestRole(ctx context.Context, userID, companyID int64) (*rbac.Role, error)
}

// Service handles user directory logic.
type Service struct {
	repo   RepositoryPort
	roles  RoleLookup
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, roles RoleLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, roles: roles, logger: logger}
}

// ListMembers returns the company's users with their highest role. A failed role
// lookup leaves that member's role empty rather than failing the listing.
func (s *Service) ListMembers(ctx context.Context, companyID int64) ([]Member, error) {
	list, err := s.repo.ListCompanyUsers(ctx, companyID)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(list))
	for _, u := range list {
		m := Member{User: u}
		if s.roles != nil && u.IsActive {
			role, err := s.roles.HighestRole(ctx, u.ID, companyID)
			if err != nil {
				s.logger.Warn("users highest role", slog.Int64("user_id", u.ID), slog.Any("error", err))
			}
			m.HighestRole = summarize(role)
		}
		members = append(members, m)
	}
	return members, nil
}
