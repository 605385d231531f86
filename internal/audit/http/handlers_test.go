package audithttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.SecurityEvent
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.SecurityEvent, error) {
	s.lastFilters = filters
	return s.exportRows, nil
}

func newAuditHandler(service *stubTimelineService) *Handler {
	handler := NewHandler(nil, service)
	handler.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }
	return handler
}

func withIdentity(req *http.Request) *http.Request {
	ctx := shared.ContextWithIdentity(req.Context(), shared.Identity{UserID: 7, CompanyID: 3})
	return req.WithContext(ctx)
}

func TestTimelineRequiresIdentity(t *testing.T) {
	handler := newAuditHandler(&stubTimelineService{})
	req := httptest.NewRequest(http.MethodGet, "/audit/security", nil)
	rr := httptest.NewRecorder()
	handler.handleTimeline(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestTimelineReturnsRowsForCallerCompany(t *testing.T) {
	rows := []audit.SecurityEvent{{ID: "01HX", UserID: 9, CompanyID: 3, EventType: audit.EventPermissionDenied, Description: "finance.delete.transaction@own no matching grant"}}
	service := &stubTimelineService{result: audit.Result{Rows: rows, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}}
	handler := newAuditHandler(service)
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/audit/security?from=2024-03-01&to=2024-03-15&company_id=99", nil))
	rr := httptest.NewRecorder()
	handler.handleTimeline(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "permission_denied") {
		t.Fatalf("expected event in response: %s", rr.Body.String())
	}
	if service.lastFilters.From.Format("2006-01-02") != "2024-03-01" {
		t.Fatalf("unexpected filters: %+v", service.lastFilters)
	}
	if service.lastFilters.CompanyID != 3 {
		t.Fatalf("expected company pinned to caller, got %d", service.lastFilters.CompanyID)
	}
}

func TestTimelineRejectsBadRange(t *testing.T) {
	handler := newAuditHandler(&stubTimelineService{})
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/audit/security?from=2024-03-10&to=2024-03-01", nil))
	rr := httptest.NewRecorder()
	handler.handleTimeline(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTimelineClampsPageSize(t *testing.T) {
	service := &stubTimelineService{}
	handler := newAuditHandler(service)
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/audit/security?page_size=500", nil))
	rr := httptest.NewRecorder()
	handler.handleTimeline(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if service.lastFilters.PageSize != maxPageSize {
		t.Fatalf("expected page size %d, got %d", maxPageSize, service.lastFilters.PageSize)
	}
}

func TestExportCSV(t *testing.T) {
	rows := []audit.SecurityEvent{{ID: "01HX", UserID: 7, CompanyID: 3, EventType: audit.EventRoleAssigned, RiskLevel: audit.RiskMedium}}
	service := &stubTimelineService{exportRows: rows}
	handler := newAuditHandler(service)
	req := withIdentity(httptest.NewRequest(http.MethodGet, "/audit/security/export?from=2024-03-01&to=2024-03-05", nil))
	rr := httptest.NewRecorder()
	handler.handleExport(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ctype := rr.Header().Get("Content-Type"); !strings.Contains(ctype, "text/csv") {
		t.Fatalf("unexpected content-type: %s", ctype)
	}
	if !strings.Contains(rr.Body.String(), "role_assigned") {
		t.Fatalf("expected event type in csv: %s", rr.Body.String())
	}
}
