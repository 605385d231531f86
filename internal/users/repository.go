package users

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListCompanyUsers returns every user attached to the company, inactive ones included.
func (r *Repository) ListCompanyUsers(ctx context.Context, companyID int64) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT u.id, u.email, u.is_active, u.created_at FROM users u
WHERE u.default_company_id = $1
   OR EXISTS (SELECT 1 FROM user_companies uc WHERE uc.user_id = u.id AND uc.company_id = $1)
ORDER BY u.id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("users: list: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByPos[User])
	if err != nil {
		return nil, fmt.Errorf("users: scan: %w", err)
	}
	return users, nil
}
