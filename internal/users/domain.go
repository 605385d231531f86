package users

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// User represents a user account within a company directory.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleSummary is the part of a role shown next to a user.
type RoleSummary struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Member is a user with the most privileged role they currently hold in the company.
type Member struct {
	User
	HighestRole *RoleSummary `json:"highest_role"`
}

func summarize(r *rbac.Role) *RoleSummary {
	if r == nil {
		return nil
	}
	return &RoleSummary{ID: r.ID, Name: r.Name, Level: r.Level}
}
