// Package overrides stores user-specific permission grants and denials.
package overrides

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Store persists overrides. Once Create returns, every subsequent read observes the row.
type Store interface {
	Create(ctx context.Context, o rbac.Override) error
	Get(ctx context.Context, id uuid.UUID) (rbac.Override, error)
	// Active returns overrides not expired at asOf, newest first.
	Active(ctx context.Context, userID, companyID int64, asOf time.Time) ([]rbac.Override, error)
	// List returns every override, newest first.
	List(ctx context.Context, userID, companyID int64) ([]rbac.Override, error)
}

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists overrides in permission_overrides.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const overrideColumns = `id, target_user_id, company_id, module, action, resource_type, scope, granted, reason, created_by, created_at, expires_at, request_id`

// newestFirst orders by creation time, then by insertion sequence for same-instant rows,
// matching MemoryStore.
const newestFirst = `ORDER BY created_at DESC, seq DESC`

// Create inserts the override.
func (s *PostgresStore) Create(ctx context.Context, o rbac.Override) error {
	return Insert(ctx, s.pool, o)
}

// Insert writes o through db so callers can include it in a wider transaction.
func Insert(ctx context.Context, db DBTX, o rbac.Override) error {
	var requestID pgtype.UUID
	if o.RequestID != nil {
		requestID = pgtype.UUID{Bytes: *o.RequestID, Valid: true}
	}
	var expires pgtype.Timestamptz
	if o.ExpiresAt != nil {
		expires = pgtype.Timestamptz{Time: *o.ExpiresAt, Valid: true}
	}
	_, err := db.Exec(ctx, `INSERT INTO permission_overrides (`+overrideColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.TargetUserID, o.CompanyID, o.Key.Module, string(o.Key.Action), o.Key.ResourceType, string(o.Key.Scope),
		o.Granted, o.Reason, o.CreatedBy, o.CreatedAt, expires, requestID)
	if err != nil {
		return fmt.Errorf("overrides: insert: %w", err)
	}
	return nil
}

// Get loads one override.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (rbac.Override, error) {
	o, err := scanOverride(s.pool.QueryRow(ctx, `SELECT `+overrideColumns+` FROM permission_overrides WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.Override{}, fmt.Errorf("overrides: %s: %w", id, shared.ErrNotFound)
		}
		return rbac.Override{}, fmt.Errorf("overrides: get: %w", err)
	}
	return o, nil
}

// Active returns overrides not expired at asOf, newest first.
func (s *PostgresStore) Active(ctx context.Context, userID, companyID int64, asOf time.Time) ([]rbac.Override, error) {
	return s.query(ctx, `SELECT `+overrideColumns+` FROM permission_overrides
WHERE target_user_id = $1 AND company_id = $2 AND (expires_at IS NULL OR expires_at > $3)
`+newestFirst, userID, companyID, asOf)
}

// List returns every override, newest first.
func (s *PostgresStore) List(ctx context.Context, userID, companyID int64) ([]rbac.Override, error) {
	return s.query(ctx, `SELECT `+overrideColumns+` FROM permission_overrides
WHERE target_user_id = $1 AND company_id = $2
`+newestFirst, userID, companyID)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]rbac.Override, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("overrides: query: %w", err)
	}
	defer rows.Close()
	var out []rbac.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("overrides: scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanOverride(row pgx.Row) (rbac.Override, error) {
	var (
		o         rbac.Override
		action    string
		scope     string
		expires   pgtype.Timestamptz
		requestID pgtype.UUID
	)
	if err := row.Scan(&o.ID, &o.TargetUserID, &o.CompanyID, &o.Key.Module, &action, &o.Key.ResourceType, &scope,
		&o.Granted, &o.Reason, &o.CreatedBy, &o.CreatedAt, &expires, &requestID); err != nil {
		return rbac.Override{}, err
	}
	o.Key.Action = rbac.Action(action)
	o.Key.Scope = rbac.Scope(scope)
	if expires.Valid {
		t := expires.Time
		o.ExpiresAt = &t
	}
	if requestID.Valid {
		id := uuid.UUID(requestID.Bytes)
		o.RequestID = &id
	}
	return o, nil
}

// MemoryStore keeps overrides in process.
type MemoryStore struct {
	mu    sync.RWMutex
	items []rbac.Override
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create appends the override.
func (s *MemoryStore) Create(ctx context.Context, o rbac.Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, o)
	return nil
}

// Get loads one override.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (rbac.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.items {
		if o.ID == id {
			return o, nil
		}
	}
	return rbac.Override{}, fmt.Errorf("overrides: %s: %w", id, shared.ErrNotFound)
}

// Active returns overrides not expired at asOf, newest first.
func (s *MemoryStore) Active(ctx context.Context, userID, companyID int64, asOf time.Time) ([]rbac.Override, error) {
	return s.filter(userID, companyID, func(o rbac.Override) bool { return o.ActiveAt(asOf) }), nil
}

// List returns every override, newest first.
func (s *MemoryStore) List(ctx context.Context, userID, companyID int64) ([]rbac.Override, error) {
	return s.filter(userID, companyID, func(rbac.Override) bool { return true }), nil
}

func (s *MemoryStore) filter(userID, companyID int64, keep func(rbac.Override) bool) []rbac.Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Override
	for _, o := range s.items {
		if o.TargetUserID == userID && o.CompanyID == companyID && keep(o) {
			out = append(out, o)
		}
	}
	// Stable on insertion order, so the later of two same-instant overrides comes first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
