// Package errors defines the gateway error taxonomy.
//
// Every failure that crosses a component boundary is represented as *Error
// carrying a taxonomy kind, a sanitized message safe to show to callers, and
// an optional cause. Conversion to a transport status happens in exactly one
// place (HTTPStatus); nothing below the dispatch boundary formats HTTP
// responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds.
const (
	// Authentication.
	ErrJWTInvalidFormat = "JWT_INVALID_FORMAT"
	ErrJWTBadSignature  = "JWT_BAD_SIGNATURE"
	ErrJWTExpired       = "JWT_EXPIRED"
	ErrJWTNotYetValid   = "JWT_NOT_YET_VALID"
	ErrJWTBadAudience   = "JWT_BAD_AUDIENCE"
	ErrJWTBadIssuer     = "JWT_BAD_ISSUER"
	ErrJWTBadAlgorithm  = "JWT_BAD_ALGORITHM"
	ErrJWTMissingClaim  = "JWT_MISSING_CLAIM"
	ErrUnknownIDP       = "UNKNOWN_IDP"

	// Authorization.
	ErrInsufficientPermissions       = "INSUFFICIENT_PERMISSIONS"
	ErrUnauthorizedDelegationTarget  = "UNAUTHORIZED_DELEGATION_TARGET"

	// Delegation.
	ErrDelegationFailed       = "DELEGATION_FAILED"
	ErrDelegationMissingClaim = "DELEGATION_MISSING_CLAIM"
	ErrModuleNotFound         = "MODULE_NOT_FOUND"
	ErrModuleUnavailable      = "MODULE_UNAVAILABLE"

	// Protocol / upstream.
	ErrTokenExchangeFailed = "TOKEN_EXCHANGE_FAILED"
	ErrKDCUnreachable      = "KDC_UNREACHABLE"
	ErrClockSkew           = "CLOCK_SKEW"

	// Configuration.
	ErrConfigInvalid          = "CONFIG_INVALID"
	ErrConfigUnresolvedSecret = "CONFIG_UNRESOLVED_SECRET"

	// Generic.
	ErrInvalidInput = "INVALID_INPUT"
	ErrInternal     = "INTERNAL_ERROR"
)

// Error represents a gateway error with a taxonomy kind.
type Error struct {
	// Kind is the taxonomy kind, one of the Err* constants.
	Kind string

	// Message is a sanitized message. It must never contain tokens, secret
	// values, role names, or raw upstream error bodies.
	Message string

	// Cause is the underlying error. It is surfaced to audit, never to the
	// caller.
	Cause error
}

// Error returns the sanitized error message.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new taxonomy error.
func New(kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf creates a new taxonomy error with a formatted message and no cause.
func Newf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Kind extracts the taxonomy kind from err. Non-taxonomy errors (including
// nil) report ErrInternal so unknown failures are never presented with a
// misleading kind.
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Internal wraps an arbitrary error as INTERNAL_ERROR with an opaque
// message. The cause is preserved for audit.
func Internal(cause error) *Error {
	return &Error{Kind: ErrInternal, Message: "internal error", Cause: cause}
}

// HTTPStatus maps a taxonomy kind to the transport status code. This is the
// single conversion boundary from the error taxonomy to HTTP semantics.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrJWTInvalidFormat, ErrJWTBadSignature, ErrJWTExpired,
		ErrJWTNotYetValid, ErrJWTBadAudience, ErrJWTBadIssuer,
		ErrJWTBadAlgorithm, ErrJWTMissingClaim, ErrUnknownIDP:
		return http.StatusUnauthorized
	case ErrInsufficientPermissions, ErrUnauthorizedDelegationTarget:
		return http.StatusForbidden
	case ErrInvalidInput, ErrConfigInvalid, ErrConfigUnresolvedSecret:
		return http.StatusBadRequest
	case ErrDelegationFailed, ErrDelegationMissingClaim, ErrModuleNotFound,
		ErrModuleUnavailable, ErrTokenExchangeFailed, ErrKDCUnreachable,
		ErrClockSkew:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
