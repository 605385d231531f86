package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.csrfToken)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/mfa/challenge", h.handleChallenge)
	r.Post("/mfa/verify", h.handleVerify)
	r.Post("/token", h.handleToken)
}

type verifyPayload struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type tokenResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token,omitempty"`
	TokenType string    `json:"token_type,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) csrfToken(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	var in LoginInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Result(w, http.StatusOK, err)
		return
	}
	in.IPAddress = clientIP(r)
	in.UserAgent = r.UserAgent()

	user, companyID, err := h.service.Authenticate(r.Context(), in)
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("auth login", slog.Any("error", err))
		}
		httpx.Result(w, http.StatusOK, err)
		return
	}
	sess.SignIn(user.ID, companyID)
	// Fresh CSRF token per sign-in.
	sess.Delete(shared.CSRFSessionKey)
	csrf, _ := h.csrfManager.EnsureToken(r.Context(), sess)

	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, companyID, expiresAt, in.IPAddress, in.UserAgent); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"user_id":    user.ID,
		"company_id": companyID,
		"csrf_token": csrf,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	httpx.Result(w, http.StatusOK, nil)
}

func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	err := h.service.StartMFA(r.Context(), subject)
	if err != nil && httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error("auth mfa challenge", slog.Any("error", err))
	}
	httpx.Result(w, http.StatusAccepted, err)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	var payload verifyPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Result(w, http.StatusOK, err)
		return
	}
	verified, err := h.service.VerifyMFA(r.Context(), subject, payload.Code)
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("auth mfa verify", slog.Any("error", err))
		}
		httpx.Result(w, http.StatusOK, err)
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil && sess.User() == subject.UserID {
		sess.MarkMFAVerified(time.Now())
	}
	resp := tokenResponse{Success: true}
	if _, bearer := BearerToken(r); bearer {
		// Bearer clients carry the second factor in the token itself.
		token, expires, err := h.service.IssueToken(verified)
		if err != nil {
			h.logger.Error("auth reissue token", slog.Any("error", err))
			httpx.Result(w, http.StatusOK, err)
			return
		}
		resp.Token, resp.TokenType, resp.ExpiresAt = token, "Bearer", expires
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Unauthorized(w)
		return
	}
	token, expires, err := h.service.IssueToken(subject)
	if err != nil {
		h.logger.Error("auth issue token", slog.Any("error", err))
		httpx.Result(w, http.StatusOK, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tokenResponse{Success: true, Token: token, TokenType: "Bearer", ExpiresAt: expires})
}
