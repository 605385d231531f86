package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository persists permission requests in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const requestColumns = `id, requester_id, target_user_id, company_id, permissions, reason, status, reviewer_id, review_notes, created_at, reviewed_at, expires_at`

// WithTx runs fn inside a single transaction so review and override writes commit together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Insert stores a new request.
func (r *Repository) Insert(ctx context.Context, req PermissionRequest) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO permission_requests (`+requestColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.RequesterID, req.TargetUserID, req.CompanyID, keyStrings(req.Permissions), req.Reason, string(req.Status),
		optionalInt8(req.ReviewerID), req.ReviewNotes, req.CreatedAt, optionalTime(req.ReviewedAt), req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("requests: insert: %w", err)
	}
	return nil
}

// Get loads one request.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (PermissionRequest, error) {
	return getRequest(ctx, r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM permission_requests WHERE id = $1`, id), id)
}

// List returns one page of requests, newest first, plus the total match count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]PermissionRequest, int, error) {
	where := ` WHERE company_id = $1 AND ($2::text IS NULL OR status = $2) AND ($3::bigint IS NULL OR requester_id = $3)`
	status := pgtype.Text{String: string(filter.Status), Valid: filter.Status != ""}
	requester := pgtype.Int8{Int64: filter.RequesterID, Valid: filter.RequesterID != 0}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permission_requests`+where, filter.CompanyID, status, requester).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("requests: count: %w", err)
	}
	offset := (filter.Page - 1) * filter.PerPage
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM permission_requests`+where+
		` ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`, filter.CompanyID, status, requester, filter.PerPage, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("requests: list: %w", err)
	}
	list, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ExpirePending flips overdue pending requests to expired and returns them.
func (r *Repository) ExpirePending(ctx context.Context, asOf time.Time) ([]PermissionRequest, error) {
	rows, err := r.pool.Query(ctx, `UPDATE permission_requests SET status = 'expired'
WHERE status = 'pending' AND expires_at <= $1 RETURNING `+requestColumns, asOf)
	if err != nil {
		return nil, fmt.Errorf("requests: expire: %w", err)
	}
	return collect(rows)
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (PermissionRequest, error) {
	return getRequest(ctx, t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM permission_requests WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *txRepo) UpdateReview(ctx context.Context, req PermissionRequest) error {
	_, err := t.tx.Exec(ctx, `UPDATE permission_requests SET status = $2, reviewer_id = $3, review_notes = $4, reviewed_at = $5 WHERE id = $1`,
		req.ID, string(req.Status), optionalInt8(req.ReviewerID), req.ReviewNotes, optionalTime(req.ReviewedAt))
	if err != nil {
		return fmt.Errorf("requests: update review: %w", err)
	}
	return nil
}

func (t *txRepo) InsertOverride(ctx context.Context, o rbac.Override) error {
	return overrides.Insert(ctx, t.tx, o)
}

func getRequest(ctx context.Context, row pgx.Row, id uuid.UUID) (PermissionRequest, error) {
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionRequest{}, fmt.Errorf("requests: %s: %w", id, shared.ErrNotFound)
		}
		return PermissionRequest{}, fmt.Errorf("requests: get: %w", err)
	}
	return req, nil
}

func collect(rows pgx.Rows) ([]PermissionRequest, error) {
	defer rows.Close()
	var out []PermissionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("requests: scan: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRequest(row pgx.Row) (PermissionRequest, error) {
	var (
		req        PermissionRequest
		keys       []string
		status     string
		reviewerID pgtype.Int8
		reviewedAt pgtype.Timestamptz
	)
	if err := row.Scan(&req.ID, &req.RequesterID, &req.TargetUserID, &req.CompanyID, &keys, &req.Reason, &status,
		&reviewerID, &req.ReviewNotes, &req.CreatedAt, &reviewedAt, &req.ExpiresAt); err != nil {
		return PermissionRequest{}, err
	}
	req.Status = Status(status)
	for _, raw := range keys {
		key, err := rbac.ParsePermissionKey(raw)
		if err != nil {
			return PermissionRequest{}, err
		}
		req.Permissions = append(req.Permissions, key)
	}
	if reviewerID.Valid {
		id := reviewerID.Int64
		req.ReviewerID = &id
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		req.ReviewedAt = &t
	}
	return req, nil
}

func keyStrings(keys []rbac.PermissionKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func optionalInt8(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func optionalTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

var _ RepositoryPort = (*Repository)(nil)
