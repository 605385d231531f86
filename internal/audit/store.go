package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository menyediakan akses baca ke log audit keamanan.
type Repository interface {
	Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]SecurityEvent, error)
	All(ctx context.Context, filters TimelineFilters) ([]SecurityEvent, error)
}

// PostgresStore appends to and queries security_audit_logs.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append inserts the event. Existing rows are never updated.
func (s *PostgresStore) Append(ctx context.Context, event SecurityEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("audit: encode data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO security_audit_logs
(id, user_id, company_id, event_type, description, ip_address, user_agent, risk_level, data, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.UserID, event.CompanyID, string(event.EventType), event.Description,
		event.IPAddress, event.UserAgent, string(event.RiskLevel), data, event.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

const timelineWhere = `WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::bigint IS NULL OR user_id = $3)
  AND ($4::bigint IS NULL OR company_id = $4)
  AND ($5::text IS NULL OR event_type = $5)
  AND ($6::text IS NULL OR risk_level = $6)`

const timelineColumns = `SELECT id, user_id, company_id, event_type, description, ip_address, user_agent, risk_level, data, occurred_at
FROM security_audit_logs `

// Window returns one page of events, newest first.
func (s *PostgresStore) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]SecurityEvent, error) {
	args := filterArgs(filters)
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, timelineColumns+timelineWhere+` ORDER BY occurred_at DESC, id DESC LIMIT $7 OFFSET $8`, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: window: %w", err)
	}
	return scanEvents(rows)
}

// All returns every matching event, newest first.
func (s *PostgresStore) All(ctx context.Context, filters TimelineFilters) ([]SecurityEvent, error) {
	rows, err := s.pool.Query(ctx, timelineColumns+timelineWhere+` ORDER BY occurred_at DESC, id DESC`, filterArgs(filters)...)
	if err != nil {
		return nil, fmt.Errorf("audit: all: %w", err)
	}
	return scanEvents(rows)
}

func filterArgs(filters TimelineFilters) []any {
	return []any{
		toPgTime(filters.From),
		toPgTime(filters.To),
		optionalInt8(filters.UserID),
		optionalInt8(filters.CompanyID),
		optionalText(filters.EventType),
		optionalText(filters.RiskLevel),
	}
}

func scanEvents(rows pgx.Rows) ([]SecurityEvent, error) {
	defer rows.Close()
	var events []SecurityEvent
	for rows.Next() {
		var (
			ev        SecurityEvent
			eventType string
			risk      string
			data      []byte
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.CompanyID, &eventType, &ev.Description, &ev.IPAddress, &ev.UserAgent, &risk, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.EventType = EventType(eventType)
		ev.RiskLevel = RiskLevel(risk)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("audit: decode data %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalInt8(value int64) pgtype.Int8 {
	if value == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: value, Valid: true}
}

// MemoryStore keeps events in process. It backs tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	events []SecurityEvent
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of the event.
func (s *MemoryStore) Append(ctx context.Context, event SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot in insertion order.
func (s *MemoryStore) Events() []SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SecurityEvent(nil), s.events...)
}

// Window returns one page of matching events, newest first.
func (s *MemoryStore) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]SecurityEvent, error) {
	all, _ := s.All(ctx, filters)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// All returns every matching event, newest first.
func (s *MemoryStore) All(ctx context.Context, filters TimelineFilters) ([]SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SecurityEvent
	for _, ev := range s.events {
		if matches(ev, filters) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func matches(ev SecurityEvent, f TimelineFilters) bool {
	switch {
	case !f.From.IsZero() && ev.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !ev.Timestamp.Before(f.To):
		return false
	case f.UserID != 0 && ev.UserID != f.UserID:
		return false
	case f.CompanyID != 0 && ev.CompanyID != f.CompanyID:
		return false
	case f.EventType != "" && string(ev.EventType) != f.EventType:
		return false
	case f.RiskLevel != "" && string(ev.RiskLevel) != f.RiskLevel:
		return false
	}
	return true
}

var (
	_ Sink       = (*PostgresStore)(nil)
	_ Repository = (*PostgresStore)(nil)
	_ Sink       = (*MemoryStore)(nil)
	_ Repository = (*MemoryStore)(nil)
)
