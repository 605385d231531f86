package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const tokenIssuer = "odyssey-access"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents the JWT claims carried by bearer tokens.
type Claims struct {
	CompanyID int64 `json:"cid"`
	MFA       bool  `json:"mfa,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer validates the secret and ttl.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token ttl must be greater than zero")
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the identity.
func (t *TokenIssuer) Issue(id shared.Identity) (string, time.Time, error) {
	if !id.Valid() {
		return "", time.Time{}, fmt.Errorf("auth: issue token: %w", shared.ErrValidation)
	}
	now := t.now().UTC()
	expires := now.Add(t.ttl)
	claims := Claims{
		CompanyID: id.CompanyID,
		MFA:       id.MFAVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies the token and returns the identity it carries.
func (t *TokenIssuer) Parse(raw string) (shared.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return shared.Identity{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return shared.Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return shared.Identity{}, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return shared.Identity{}, ErrInvalidToken
	}
	id := shared.Identity{UserID: userID, CompanyID: claims.CompanyID, MFAVerified: claims.MFA}
	if !id.Valid() {
		return shared.Identity{}, ErrInvalidToken
	}
	return id, nil
}

// TTL exposes the token lifetime.
func (t *TokenIssuer) TTL() time.Duration {
	return t.ttl
}
