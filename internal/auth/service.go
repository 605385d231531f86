package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ServiceConfig wires the authentication service.
type ServiceConfig struct {
	Repo       Repository
	Challenges *ChallengeStore
	Sender     CodeSender
	Tokens     *TokenIssuer
	Audit      rbac.AuditRecorder
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Service wraps authentication business rules.
type Service struct {
	repo       Repository
	challenges *ChallengeStore
	sender     CodeSender
	tokens     *TokenIssuer
	audit      rbac.AuditRecorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewService constructs a new Service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		repo:       cfg.Repo,
		challenges: cfg.Challenges,
		sender:     cfg.Sender,
		tokens:     cfg.Tokens,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		now:        cfg.Clock,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Authenticate validates email/password credentials and resolves the company the
// session will act in.
func (s *Service) Authenticate(ctx context.Context, in LoginInput) (*User, int64, error) {
	email := strings.TrimSpace(in.Email)
	fail := func(userID int64, reason string) (*User, int64, error) {
		s.record(ctx, audit.SecurityEvent{
			UserID:      userID,
			CompanyID:   in.CompanyID,
			EventType:   audit.EventLoginFailed,
			Description: "login failed: " + reason,
			IPAddress:   in.IPAddress,
			UserAgent:   in.UserAgent,
			RiskLevel:   audit.RiskMedium,
			Data:        map[string]any{"email": email},
		})
		return nil, 0, shared.ErrInvalidCredentials
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Error("auth find user", slog.Any("error", err))
		}
		return fail(0, "unknown account")
	}
	if !user.IsActive {
		return fail(user.ID, "inactive account")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		return fail(user.ID, "wrong password")
	}
	companyID := in.CompanyID
	if companyID == 0 {
		companyID = user.DefaultCompanyID
	}
	if companyID <= 0 {
		return fail(user.ID, "no company")
	}
	if companyID != user.DefaultCompanyID {
		member, err := s.repo.IsMember(ctx, user.ID, companyID)
		if err != nil {
			return nil, 0, err
		}
		if !member {
			return fail(user.ID, "not a member of the company")
		}
	}

	s.record(ctx, audit.SecurityEvent{
		UserID:      user.ID,
		CompanyID:   companyID,
		EventType:   audit.EventLoginSucceeded,
		Description: fmt.Sprintf("user %d signed in", user.ID),
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		RiskLevel:   audit.RiskLow,
	})
	return user, companyID, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID, companyID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, companyID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

// StartMFA issues a one-time code and hands it to the sender.
func (s *Service) StartMFA(ctx context.Context, subject shared.Identity) error {
	if s.challenges == nil || s.sender == nil {
		return errors.New("auth: mfa is not configured")
	}
	user, err := s.repo.FindByID(ctx, subject.UserID)
	if err != nil {
		return err
	}
	code, err := s.challenges.Issue(ctx, user.ID)
	if err != nil {
		return err
	}
	return s.sender.SendMFACode(ctx, MFACode{
		UserID:    user.ID,
		Email:     user.Email,
		Code:      code,
		ExpiresAt: s.now().Add(s.challenges.TTL()),
	})
}

// VerifyMFA checks the code and returns the identity with its second factor marked.
func (s *Service) VerifyMFA(ctx context.Context, subject shared.Identity, code string) (shared.Identity, error) {
	if s.challenges == nil {
		return shared.Identity{}, errors.New("auth: mfa is not configured")
	}
	if err := s.challenges.Verify(ctx, subject.UserID, strings.TrimSpace(code)); err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			s.record(ctx, audit.SecurityEvent{
				UserID:      subject.UserID,
				CompanyID:   subject.CompanyID,
				EventType:   audit.EventMFAFailed,
				Description: "mfa verification failed",
				IPAddress:   subject.IPAddress,
				UserAgent:   subject.UserAgent,
				RiskLevel:   audit.RiskHigh,
			})
		}
		return shared.Identity{}, err
	}
	s.record(ctx, audit.SecurityEvent{
		UserID:      subject.UserID,
		CompanyID:   subject.CompanyID,
		EventType:   audit.EventMFAVerified,
		Description: "mfa verified",
		IPAddress:   subject.IPAddress,
		UserAgent:   subject.UserAgent,
		RiskLevel:   audit.RiskLow,
	})
	subject.MFAVerified = true
	return subject, nil
}

// IssueToken signs a bearer token for the identity.
func (s *Service) IssueToken(subject shared.Identity) (string, time.Time, error) {
	if s.tokens == nil {
		return "", time.Time{}, errors.New("auth: bearer tokens are not configured")
	}
	return s.tokens.Issue(subject)
}

func (s *Service) record(ctx context.Context, ev audit.SecurityEvent) {
	if s.audit != nil {
		s.audit.Record(ctx, ev)
	}
}
