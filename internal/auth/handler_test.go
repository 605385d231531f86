package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	_ "github.com/odyssey-erp/odyssey-access/testing"
)

type memoryRepo struct {
	user *auth.User
}

func (m *memoryRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if m.user == nil || m.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return m.user, nil
}

func (m *memoryRepo) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	if m.user == nil || m.user.ID != id {
		return nil, shared.ErrNotFound
	}
	return m.user, nil
}

func (m *memoryRepo) IsMember(ctx context.Context, userID, companyID int64) (bool, error) {
	return false, nil
}

func (m *memoryRepo) CreateSession(ctx context.Context, id string, userID, companyID int64, expiresAt time.Time, ip, ua string) error {
	return nil
}

func (m *memoryRepo) DeleteSession(ctx context.Context, id string) error {
	return nil
}

type testServer struct {
	router   http.Handler
	sessions *shared.SessionManager
}

// newTestServer mounts the auth routes behind session loading and identity resolution,
// committing the session after each request the way the app middleware does.
func newTestServer(t *testing.T) testServer {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "test_session", time.Hour, false)
	tokens, err := auth.NewTokenIssuer("secret", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	service := auth.NewService(auth.ServiceConfig{
		Repo:   &memoryRepo{user: &auth.User{ID: 1, Email: "ana@odyssey.local", PasswordHash: string(hashed), IsActive: true, DefaultCompanyID: 10}},
		Tokens: tokens,
	})
	handler := auth.NewHandler(nil, service, sessions, shared.NewCSRFManager("csrfsecret"))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, err := sessions.Load(req.Context(), req)
			if err != nil {
				t.Fatalf("load session: %v", err)
			}
			ctx := shared.ContextWithSession(req.Context(), sess)
			rec := httptest.NewRecorder()
			next.ServeHTTP(rec, req.WithContext(ctx))
			if err := sessions.Commit(ctx, w, sess); err != nil {
				t.Fatalf("commit session: %v", err)
			}
			for k, v := range rec.Header() {
				w.Header()[k] = v
			}
			w.WriteHeader(rec.Code)
			_, _ = w.Write(rec.Body.Bytes())
		})
	})
	r.Use(auth.IdentityResolver{Tokens: tokens}.Middleware)
	r.Route("/auth", handler.MountRoutes)
	return testServer{router: r, sessions: sessions}
}

func (s testServer) post(path, body string, cookies []*http.Cookie, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.post("/auth/login", `{"email":"ana@odyssey.local","password":"wrong-horse"}`, nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var result shared.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Success || result.Code != "invalid_credentials" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestLoginValidation(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.post("/auth/login", `{"email":"not-an-email","password":"x"}`, nil, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLoginThenIssueToken(t *testing.T) {
	srv := newTestServer(t)
	rr := srv.post("/auth/login", `{"email":"ana@odyssey.local","password":"correct-horse"}`, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var login struct {
		Success   bool   `json:"success"`
		CompanyID int64  `json:"company_id"`
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !login.Success || login.CompanyID != 10 || login.CSRFToken == "" {
		t.Fatalf("unexpected login response %+v", login)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("expected session cookie")
	}

	rr = srv.post("/auth/token", "", cookies, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected token, got %d: %s", rr.Code, rr.Body.String())
	}
	var tok struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tok.Token == "" || tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token response %+v", tok)
	}

	if rr := srv.post("/auth/token", "", nil, tok.Token); rr.Code != http.StatusOK {
		t.Fatalf("bearer identity should also mint tokens, got %d", rr.Code)
	}
}

func TestTokenRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)
	if rr := srv.post("/auth/token", "", nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := srv.post("/auth/mfa/challenge", "", nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
