package shared

import "context"

type sessionContextKey struct{}

type identityContextKey struct{}

// Identity is the authenticated actor as reported by the session or bearer token.
type Identity struct {
	UserID      int64
	CompanyID   int64
	MFAVerified bool
	IPAddress   string
	UserAgent   string
}

// Valid reports whether the identity names both a user and a company.
func (i Identity) Valid() bool {
	return i.UserID > 0 && i.CompanyID > 0
}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithIdentity stores the resolved identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity; ok is false when none was resolved.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || !id.Valid() {
		return Identity{}, false
	}
	return id, true
}
