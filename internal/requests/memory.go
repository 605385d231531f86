package requests

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/overrides"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// MemoryRepository keeps requests in process and writes approved overrides into an
// in-memory override store. Transactions are serialised and staged so a failed review
// leaves no partial writes.
type MemoryRepository struct {
	mu        sync.Mutex
	items     map[uuid.UUID]PermissionRequest
	overrides overrides.Store
}

// NewMemoryRepository constructs a repository writing overrides into store.
func NewMemoryRepository(store overrides.Store) *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]PermissionRequest), overrides: store}
}

// WithTx runs fn against a staging area and applies it when fn succeeds.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stage := &memoryTx{repo: m, updates: map[uuid.UUID]PermissionRequest{}}
	if err := fn(ctx, stage); err != nil {
		return err
	}
	for id, req := range stage.updates {
		m.items[id] = req
	}
	for _, o := range stage.inserts {
		if err := m.overrides.Create(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores a new request.
func (m *MemoryRepository) Insert(ctx context.Context, req PermissionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[req.ID] = req
	return nil
}

// Get loads one request.
func (m *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (PermissionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *MemoryRepository) get(id uuid.UUID) (PermissionRequest, error) {
	req, ok := m.items[id]
	if !ok {
		return PermissionRequest{}, fmt.Errorf("requests: %s: %w", id, shared.ErrNotFound)
	}
	return req, nil
}

// List returns one page of requests, newest first, plus the total match count.
func (m *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]PermissionRequest, int, error) {
	m.mu.Lock()
	var all []PermissionRequest
	for _, req := range m.items {
		if req.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.RequesterID != 0 && req.RequesterID != filter.RequesterID {
			continue
		}
		all = append(all, req)
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() > all[j].ID.String()
	})
	total := len(all)
	offset := (filter.Page - 1) * filter.PerPage
	if offset >= total {
		return []PermissionRequest{}, total, nil
	}
	end := offset + filter.PerPage
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// ExpirePending flips overdue pending requests to expired and returns them.
func (m *MemoryRepository) ExpirePending(ctx context.Context, asOf time.Time) ([]PermissionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PermissionRequest
	for id, req := range m.items {
		if req.Status == StatusPending && !req.ExpiresAt.After(asOf) {
			req.Status = StatusExpired
			m.items[id] = req
			out = append(out, req)
		}
	}
	return out, nil
}

type memoryTx struct {
	repo    *MemoryRepository
	updates map[uuid.UUID]PermissionRequest
	inserts []rbac.Override
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id uuid.UUID) (PermissionRequest, error) {
	if req, ok := t.updates[id]; ok {
		return req, nil
	}
	return t.repo.get(id)
}

func (t *memoryTx) UpdateReview(ctx context.Context, req PermissionRequest) error {
	t.updates[req.ID] = req
	return nil
}

func (t *memoryTx) InsertOverride(ctx context.Context, o rbac.Override) error {
	t.inserts = append(t.inserts, o)
	return nil
}

var _ RepositoryPort = (*MemoryRepository)(nil)
