package server

import "net/http"

// OAuth error codes (RFC 6749 §5.2, RFC 8628 §3.5, RFC 8707 §2.2).
// These are duplicated in the root package to avoid import cycles since
// the root package imports the server package.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidTarget        = "invalid_target"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeServerError          = "server_error"
)

// Error is an OAuth 2.0 protocol error carrying the wire error code and a
// description that is safe to return to clients. Details that could help an
// attacker probe the server (which validation step failed, whether a token
// exists) stay in the debug log, never in the Description.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_grant")
	Description string // Client-safe human-readable description
	Status      int    // HTTP status code for the token endpoint
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func errInvalidRequest(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: desc, Status: http.StatusBadRequest}
}

func errInvalidClient(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: desc, Status: http.StatusUnauthorized}
}

func errInvalidGrant(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: desc, Status: http.StatusBadRequest}
}

func errUnauthorizedClient(desc string) *Error {
	return &Error{Code: ErrorCodeUnauthorizedClient, Description: desc, Status: http.StatusBadRequest}
}

func errInvalidScope(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidScope, Description: desc, Status: http.StatusBadRequest}
}

func errInvalidTarget(desc string) *Error {
	return &Error{Code: ErrorCodeInvalidTarget, Description: desc, Status: http.StatusBadRequest}
}

func errAuthorizationPending() *Error {
	return &Error{
		Code:        ErrorCodeAuthorizationPending,
		Description: "the authorization request is still pending",
		Status:      http.StatusBadRequest,
	}
}

func errSlowDown() *Error {
	return &Error{
		Code:        ErrorCodeSlowDown,
		Description: "polling too frequently, increase your polling interval",
		Status:      http.StatusBadRequest,
	}
}

func errExpiredToken(desc string) *Error {
	return &Error{Code: ErrorCodeExpiredToken, Description: desc, Status: http.StatusBadRequest}
}

func errAccessDenied(desc string) *Error {
	return &Error{Code: ErrorCodeAccessDenied, Description: desc, Status: http.StatusBadRequest}
}

func errServerError(desc string) *Error {
	return &Error{Code: ErrorCodeServerError, Description: desc, Status: http.StatusInternalServerError}
}
