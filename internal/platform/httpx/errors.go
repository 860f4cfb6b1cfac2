package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-pharmacy/internal/shared"
)

// StatusFor maps the error taxonomy to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrAuthenticationMissing):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrAuthorizationDenied),
		errors.Is(err, shared.ErrTenantMismatch),
		errors.Is(err, shared.ErrImpersonationNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrTargetNotImpersonable),
		errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrSessionNotFound),
		errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrSessionAlreadyActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes the error as {"error": "..."}. Unclassified errors are
// logged and replaced with a generic message.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", slog.Any("error", err))
		Error(w, status, "internal server error")
		return
	}
	Error(w, status, err.Error())
}
