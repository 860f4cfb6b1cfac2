package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationMissing indicates absent or invalid identity claims.
	ErrAuthenticationMissing = errors.New("authentication required")
	// ErrAuthorizationDenied indicates a failed role or permission check.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrTenantMismatch indicates an attempt to reach data of another tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrImpersonationNotAllowed indicates the caller may not impersonate anyone.
	ErrImpersonationNotAllowed = errors.New("impersonation not allowed")
	// ErrTargetNotImpersonable indicates the target is missing or outranks the lattice limit.
	ErrTargetNotImpersonable = errors.New("target user cannot be impersonated")
	// ErrSessionNotFound indicates no active impersonation session exists.
	ErrSessionNotFound = errors.New("no active impersonation session")
	// ErrSessionAlreadyActive indicates the admin already drives an active session.
	ErrSessionAlreadyActive = errors.New("impersonation session already active")
	// ErrValidation indicates a malformed request.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)

// ValidationError wraps ErrValidation with the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError for the field.
func Invalid(field, message string) error {
	return ValidationError{Field: field, Message: message}
}
