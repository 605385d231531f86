package rbachttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type fixedRoles struct {
	roles []rbac.Role
}

func (f fixedRoles) ActiveRoles(ctx context.Context, userID, companyID int64, asOf time.Time) ([]rbac.Role, error) {
	return f.roles, nil
}

func (f fixedRoles) HeldRoles(ctx context.Context, userID, companyID int64) ([]rbac.Role, error) {
	return f.roles, nil
}

func (f fixedRoles) HighestRole(ctx context.Context, userID, companyID int64, asOf time.Time) (*rbac.Role, error) {
	if len(f.roles) == 0 {
		return nil, nil
	}
	role := f.roles[0]
	return &role, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	catalog, err := rbac.NewCatalog(rbac.CatalogSpec{
		Levels: []rbac.RoleLevel{{Rank: 2, Name: "manager", MaxScope: rbac.ScopeCompany}},
		Roles: []rbac.Role{{ID: 1, Name: "finance manager", Level: 2, IsActive: true, Permissions: []rbac.Permission{
			{Key: rbac.MustParsePermissionKey("finance.read.transaction@company")},
		}}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	role, _ := catalog.Role(1)
	holder := rbac.NewCatalogHolder(catalog)
	engine := rbac.NewEngine(rbac.EngineConfig{Catalogs: holder, Roles: fixedRoles{roles: []rbac.Role{role}}})

	r := chi.NewRouter()
	r.Route("/permissions", NewHandler(nil, engine, holder).MountRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, identity *shared.Identity) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if identity != nil {
		req = req.WithContext(shared.ContextWithIdentity(req.Context(), *identity))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

var caller = &shared.Identity{UserID: 5, CompanyID: 1}

func TestCheckSingle(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodPost, "/permissions/check",
		`{"checks":[{"module":"finance","action":"read","resource_type":"transaction","scope":"department"}]}`, caller)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp checkResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Allowed || resp.Decision == nil || resp.Decision.Source != rbac.SourceRole {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCheckModes(t *testing.T) {
	h := newTestRouter(t)
	checks := `[{"module":"finance","action":"read","resource_type":"transaction","scope":"company"},{"module":"finance","action":"delete","resource_type":"transaction","scope":"company"}]`
	cases := map[string]bool{ModeAll: false, ModeAny: true}
	for mode, want := range cases {
		rr := do(t, h, http.MethodPost, "/permissions/check", `{"mode":"`+mode+`","checks":`+checks+`}`, caller)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", mode, rr.Code)
		}
		var resp checkResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Allowed != want {
			t.Fatalf("%s: expected allowed=%v", mode, want)
		}
	}
}

func TestCheckRequireMFA(t *testing.T) {
	h := newTestRouter(t)
	body := `{"require_mfa":true,"checks":[{"module":"finance","action":"read","resource_type":"transaction","scope":"company"}]}`
	rr := do(t, h, http.MethodPost, "/permissions/check", body, caller)
	var resp checkResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Allowed || resp.Decision.Source != rbac.SourceMFA {
		t.Fatalf("expected mfa denial, got %+v", resp)
	}
}

func TestCheckRejectsBadInput(t *testing.T) {
	h := newTestRouter(t)
	bodies := []string{
		`{"checks":[]}`,
		`{"checks":[{"module":"finance"}]}`,
		`{"mode":"most","checks":[{"module":"finance","action":"read","resource_type":"transaction"}]}`,
		`{"checks":[{"module":"finance","action":"read","resource_type":"transaction"},{"module":"finance","action":"read","resource_type":"transaction"}]}`,
		`{"checks":[{"module":"finance","action":"read","resource_type":"transaction"}],"extra":1}`,
	}
	for _, body := range bodies {
		if rr := do(t, h, http.MethodPost, "/permissions/check", body, caller); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rr.Code)
		}
	}
	if rr := do(t, h, http.MethodPost, "/permissions/check", `{"checks":[]}`, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}
}

func TestEffectiveAndLevels(t *testing.T) {
	h := newTestRouter(t)
	rr := do(t, h, http.MethodGet, "/permissions/effective", "", caller)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Permissions []string   `json:"permissions"`
		HighestRole *rbac.Role `json:"highest_role"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Permissions) != 1 || body.Permissions[0] != "finance.read.transaction@company" {
		t.Fatalf("unexpected permissions %v", body.Permissions)
	}
	if body.HighestRole == nil || body.HighestRole.ID != 1 {
		t.Fatalf("unexpected highest role %+v", body.HighestRole)
	}

	rr = do(t, h, http.MethodGet, "/permissions/levels", "", caller)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"manager"`) {
		t.Fatalf("unexpected levels response %d %s", rr.Code, rr.Body.String())
	}
}
