package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PostgresStore provides PostgreSQL backed persistence for user_role_assignments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const assignmentColumns = `id, user_id, role_id, company_id, assigned_by, assigned_at, expires_at, is_active`

// Insert stores a new assignment. A concurrent identical active assignment surfaces as
// ErrDuplicateAssignment through the partial unique index.
func (s *PostgresStore) Insert(ctx context.Context, a rbac.Assignment) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO user_role_assignments (`+assignmentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UserID, a.RoleID, a.CompanyID, a.AssignedBy, a.AssignedAt, toPgTime(a.ExpiresAt), a.IsActive)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("roles: insert: %w", shared.ErrDuplicateAssignment)
		}
		return fmt.Errorf("roles: insert: %w", err)
	}
	return nil
}

// Get loads one assignment.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (rbac.Assignment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM user_role_assignments WHERE id = $1`, id)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.Assignment{}, fmt.Errorf("roles: assignment %s: %w", id, shared.ErrNotFound)
		}
		return rbac.Assignment{}, fmt.Errorf("roles: get: %w", err)
	}
	return a, nil
}

// ListByUser returns every assignment of the user in the company, oldest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID, companyID int64) ([]rbac.Assignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM user_role_assignments
WHERE user_id = $1 AND company_id = $2 ORDER BY assigned_at, id`, userID, companyID)
	if err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	defer rows.Close()
	var out []rbac.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("roles: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Deactivate flags the assignment inactive. Rows are kept for audit.
func (s *PostgresStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE user_role_assignments SET is_active = FALSE WHERE id = $1 AND is_active`, id)
	if err != nil {
		return fmt.Errorf("roles: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("roles: assignment %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

func scanAssignment(row pgx.Row) (rbac.Assignment, error) {
	var (
		a       rbac.Assignment
		expires pgtype.Timestamptz
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.CompanyID, &a.AssignedBy, &a.AssignedAt, &expires, &a.IsActive); err != nil {
		return rbac.Assignment{}, err
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return a, nil
}

func toPgTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// MemoryStore keeps assignments in process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]rbac.Assignment
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]rbac.Assignment)}
}

// Insert stores a new assignment, rejecting an identical active one.
func (s *MemoryStore) Insert(ctx context.Context, a rbac.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.IsActive && a.IsActive && existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.CompanyID == a.CompanyID {
			return fmt.Errorf("roles: insert: %w", shared.ErrDuplicateAssignment)
		}
	}
	s.items[a.ID] = a
	return nil
}

// Get loads one assignment.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return rbac.Assignment{}, fmt.Errorf("roles: assignment %s: %w", id, shared.ErrNotFound)
	}
	return a, nil
}

// ListByUser returns every assignment of the user in the company, oldest first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID, companyID int64) ([]rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Assignment
	for _, a := range s.items {
		if a.UserID == userID && a.CompanyID == companyID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Deactivate flags the assignment inactive.
func (s *MemoryStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok || !a.IsActive {
		return fmt.Errorf("roles: assignment %s: %w", id, shared.ErrNotFound)
	}
	a.IsActive = false
	s.items[id] = a
	return nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
