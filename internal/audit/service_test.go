package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type stubTimelineRepo struct {
	windowRows []SecurityEvent
	allRows    []SecurityEvent
	lastOffset int
	lastLimit  int
}

func (s *stubTimelineRepo) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]SecurityEvent, error) {
	s.lastOffset, s.lastLimit = offset, limit
	return s.windowRows, nil
}

func (s *stubTimelineRepo) All(ctx context.Context, filters TimelineFilters) ([]SecurityEvent, error) {
	return s.allRows, nil
}

func mockEvent(ts string, eventType EventType) SecurityEvent {
	at, _ := time.Parse(time.RFC3339, ts)
	return SecurityEvent{ID: shared.NewSortableID(at), UserID: 7, CompanyID: 3, EventType: eventType, RiskLevel: RiskMedium, Timestamp: at}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{
		windowRows: []SecurityEvent{
			mockEvent("2024-03-10T10:00:00Z", EventPermissionDenied),
			mockEvent("2024-03-09T09:00:00Z", EventRoleAssigned),
			mockEvent("2024-03-08T08:00:00Z", EventOverrideCreated),
		},
	}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("unexpected paging: %+v", result.Paging)
	}
	if repo.lastLimit != 3 {
		t.Fatalf("expected limit 3, got %d", repo.lastLimit)
	}
	if repo.lastOffset != 0 {
		t.Fatalf("expected offset 0, got %d", repo.lastOffset)
	}
}

func TestServiceTimelineClampsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 500})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if result.Paging.PageSize != maxPageSize {
		t.Fatalf("expected page size %d, got %d", maxPageSize, result.Paging.PageSize)
	}
	if repo.lastOffset != 2*maxPageSize {
		t.Fatalf("expected offset %d, got %d", 2*maxPageSize, repo.lastOffset)
	}
	if result.Paging.PrevPage != 2 || result.Rows == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestMemoryStoreFiltersNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	older := mockEvent("2024-03-01T10:00:00Z", EventPermissionDenied)
	newer := mockEvent("2024-03-02T10:00:00Z", EventPermissionDenied)
	other := mockEvent("2024-03-03T10:00:00Z", EventRoleAssigned)
	other.CompanyID = 4
	for _, ev := range []SecurityEvent{older, newer, other} {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rows, err := store.All(ctx, TimelineFilters{CompanyID: 3})
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != newer.ID || rows[1].ID != older.ID {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	page, _ := store.Window(ctx, TimelineFilters{}, 1, 5)
	if len(page) != 2 {
		t.Fatalf("expected 2 rows after offset, got %d", len(page))
	}
}

func TestWriteCSV(t *testing.T) {
	ev := mockEvent("2024-03-10T10:00:00Z", EventPermissionDenied)
	ev.Data = map[string]any{"permission": "finance.delete.transaction@company"}
	out, err := WriteCSV([]SecurityEvent{ev})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}
	body := string(out)
	if !strings.HasPrefix(body, "id,timestamp,user_id") {
		t.Fatalf("missing header: %s", body)
	}
	for _, want := range []string{"permission_denied", "2024-03-10T10:00:00Z", "finance.delete.transaction@company"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in csv: %s", want, body)
		}
	}
}
