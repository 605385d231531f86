package shared

import "errors"

var (
	// ErrNotFound indicates an unknown request, override, role or assignment.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input such as a blank justification.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateAssignment indicates an identical active role assignment exists.
	ErrDuplicateAssignment = errors.New("duplicate role assignment")
	// ErrInvalidRole indicates an inactive, unknown or cross-tenant role.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidOverride indicates an override whose expiry is not in the future.
	ErrInvalidOverride = errors.New("invalid override")
	// ErrForbidden indicates the actor lacks the permission to perform a mutation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// Result is the outcome shape returned by every mutating operation at the boundary.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ResultFrom converts an error into a Result without leaking internals.
func ResultFrom(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	code := ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return Result{Success: false, Error: msg, Code: code}
}

// ErrorCode names the taxonomy bucket an error falls into.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrDuplicateAssignment):
		return "duplicate_assignment"
	case errors.Is(err, ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, ErrInvalidOverride):
		return "invalid_override"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "internal"
	}
}
