package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type stubRepo struct {
	users    map[string]*User
	members  map[int64][]int64
	sessions map[string]int64
}

func newStubRepo(t *testing.T) *stubRepo {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	return &stubRepo{
		users: map[string]*User{
			"ana@odyssey.local":  {ID: 1, Email: "ana@odyssey.local", PasswordHash: string(hashed), IsActive: true, DefaultCompanyID: 10},
			"gone@odyssey.local": {ID: 2, Email: "gone@odyssey.local", PasswordHash: string(hashed), IsActive: false, DefaultCompanyID: 10},
		},
		members:  map[int64][]int64{1: {10, 20}},
		sessions: map[string]int64{},
	}
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*User, error) {
	if u, ok := s.users[email]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubRepo) FindByID(ctx context.Context, id int64) (*User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubRepo) IsMember(ctx context.Context, userID, companyID int64) (bool, error) {
	for _, c := range s.members[userID] {
		if c == companyID {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID, companyID int64, expiresAt time.Time, ip, ua string) error {
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type captureSender struct {
	mu   sync.Mutex
	sent []MFACode
}

func (c *captureSender) SendMFACode(ctx context.Context, msg MFACode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureSender) last() MFACode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

type captureAudit struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (c *captureAudit) Record(ctx context.Context, ev audit.SecurityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureAudit) types() []audit.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.EventType
	for _, ev := range c.events {
		out = append(out, ev.EventType)
	}
	return out
}

type serviceFixture struct {
	svc    *Service
	repo   *stubRepo
	sender *captureSender
	audit  *captureAudit
	redis  *redis.Client
	mr     *miniredis.Miniredis
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tokens, err := NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	f := serviceFixture{
		repo:   newStubRepo(t),
		sender: &captureSender{},
		audit:  &captureAudit{},
		redis:  client,
		mr:     mr,
	}
	f.svc = NewService(ServiceConfig{
		Repo:       f.repo,
		Challenges: NewChallengeStore(client, time.Minute),
		Sender:     f.sender,
		Tokens:     tokens,
		Audit:      f.audit,
	})
	return f
}

func TestAuthenticate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	user, company, err := f.svc.Authenticate(ctx, LoginInput{Email: "ana@odyssey.local", Password: "correct-horse"})
	require.NoError(t, err)
	require.Equal(t, int64(1), user.ID)
	require.Equal(t, int64(10), company)

	_, company, err = f.svc.Authenticate(ctx, LoginInput{Email: "ana@odyssey.local", Password: "correct-horse", CompanyID: 20})
	require.NoError(t, err)
	require.Equal(t, int64(20), company)

	cases := []LoginInput{
		{Email: "ana@odyssey.local", Password: "wrong-horse"},
		{Email: "nobody@odyssey.local", Password: "correct-horse"},
		{Email: "gone@odyssey.local", Password: "correct-horse"},
		{Email: "ana@odyssey.local", Password: "correct-horse", CompanyID: 30},
	}
	for _, in := range cases {
		_, _, err := f.svc.Authenticate(ctx, in)
		require.ErrorIs(t, err, shared.ErrInvalidCredentials, "input %+v", in)
	}
	types := f.audit.types()
	require.Len(t, types, 6)
	require.Equal(t, audit.EventLoginSucceeded, types[0])
	require.Equal(t, audit.EventLoginFailed, types[5])
}

func TestMFAChallengeRoundTrip(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	subject := shared.Identity{UserID: 1, CompanyID: 10}

	require.NoError(t, f.svc.StartMFA(ctx, subject))
	msg := f.sender.last()
	require.Equal(t, "ana@odyssey.local", msg.Email)
	require.Len(t, msg.Code, 6)
	require.True(t, f.mr.Exists("mfa:challenge:1"))

	_, err := f.svc.VerifyMFA(ctx, subject, "not-it")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)

	verified, err := f.svc.VerifyMFA(ctx, subject, msg.Code)
	require.NoError(t, err)
	require.True(t, verified.MFAVerified)
	require.False(t, f.mr.Exists("mfa:challenge:1"), "codes are single use")

	_, err = f.svc.VerifyMFA(ctx, subject, msg.Code)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	require.Contains(t, f.audit.types(), audit.EventMFAVerified)
	require.Contains(t, f.audit.types(), audit.EventMFAFailed)
}

func TestMFAChallengeLocksAfterTooManyAttempts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	subject := shared.Identity{UserID: 1, CompanyID: 10}

	require.NoError(t, f.svc.StartMFA(ctx, subject))
	code := f.sender.last().Code
	for i := 0; i < defaultMaxAttempts; i++ {
		_, err := f.svc.VerifyMFA(ctx, subject, "000000x")
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	}
	_, err := f.svc.VerifyMFA(ctx, subject, code)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials, "the challenge is burned once attempts run out")
}

func TestMFAChallengeExpires(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	subject := shared.Identity{UserID: 1, CompanyID: 10}

	require.NoError(t, f.svc.StartMFA(ctx, subject))
	code := f.sender.last().Code
	f.mr.FastForward(2 * time.Minute)
	_, err := f.svc.VerifyMFA(ctx, subject, code)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}
