package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// IdentityResolver turns a bearer token or a signed-in session into a shared.Identity.
type IdentityResolver struct {
	Tokens *TokenIssuer
	// MFAMaxAge bounds how long a session's second factor counts; zero means the session lifetime.
	MFAMaxAge time.Duration
	Logger    *slog.Logger
	Clock     func() time.Time
}

// BearerToken returns the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// Middleware resolves the identity for downstream handlers. Requests without
// credentials pass through anonymous; an invalid bearer token is rejected.
func (res IdentityResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			id    shared.Identity
			found bool
		)
		if raw, ok := BearerToken(r); ok {
			if res.Tokens == nil {
				httpx.Unauthorized(w)
				return
			}
			parsed, err := res.Tokens.Parse(raw)
			if err != nil {
				if res.Logger != nil {
					res.Logger.Debug("auth bearer rejected", slog.String("path", r.URL.Path))
				}
				httpx.Unauthorized(w)
				return
			}
			id, found = parsed, true
		} else if sess := shared.SessionFromContext(r.Context()); sess != nil && sess.User() > 0 {
			id = shared.Identity{
				UserID:      sess.User(),
				CompanyID:   sess.Company(),
				MFAVerified: sess.MFAVerified(res.now(), res.MFAMaxAge),
			}
			found = true
		}
		if !found {
			next.ServeHTTP(w, r)
			return
		}
		id.IPAddress = clientIP(r)
		id.UserAgent = r.UserAgent()
		next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), id)))
	})
}

func (res IdentityResolver) now() time.Time {
	if res.Clock != nil {
		return res.Clock()
	}
	return time.Now()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
