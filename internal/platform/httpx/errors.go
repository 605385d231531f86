// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrDuplicateAssignment):
		Problem(w, http.StatusConflict, "Duplicate Assignment", err.Error())
	case errors.Is(err, shared.ErrInvalidRole):
		Problem(w, http.StatusUnprocessableEntity, "Invalid Role", err.Error())
	case errors.Is(err, shared.ErrInvalidOverride):
		Problem(w, http.StatusUnprocessableEntity, "Invalid Override", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrCSRFTokenMissing), errors.Is(err, shared.ErrCSRFTokenMismatch):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// Unauthorized responds 401 without detail.
func Unauthorized(w http.ResponseWriter) {
	Problem(w, http.StatusUnauthorized, "Unauthorized", "")
}

// Forbidden responds 403 without detail.
func Forbidden(w http.ResponseWriter) {
	Problem(w, http.StatusForbidden, "Forbidden", "")
}

// Result writes a mutation outcome. Failures keep the Result body and carry the mapped status.
func Result(w http.ResponseWriter, status int, err error) {
	if err == nil {
		JSON(w, status, shared.Result{Success: true})
		return
	}
	JSON(w, StatusFor(err), shared.ResultFrom(err))
}

// StatusFor returns the status RespondError would use for err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrDuplicateAssignment):
		return http.StatusConflict
	case errors.Is(err, shared.ErrInvalidRole), errors.Is(err, shared.ErrInvalidOverride):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrForbidden), errors.Is(err, shared.ErrCSRFTokenMissing), errors.Is(err, shared.ErrCSRFTokenMismatch):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrInvalidCredentials):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
