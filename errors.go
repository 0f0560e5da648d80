package grantkit

// OAuth 2.0 error codes used on the wire (RFC 6749 §5.2, RFC 8628 §3.5,
// RFC 8707 §2.2). These mirror the server package constants so hosts can
// match protocol errors without importing the grant engine directly.
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

// Transport-layer error codes. The bearer challenge codes come from
// RFC 6750 §3.1, unsupported_token_type from RFC 7009 §2.2.1, and
// rate_limit_exceeded is this server's code for throttled requests
// (always paired with HTTP 429 and a Retry-After header).
const (
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeInsufficientScope    = "insufficient_scope"
	ErrorCodeUnsupportedTokenType = "unsupported_token_type"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)
