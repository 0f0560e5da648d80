package security

// Audit event types. Everything the auditor emits uses one of these, so
// log pipelines can filter and alert on exact strings.
const (
	// Token lifecycle.
	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"

	// Authorization code flow.
	EventAuthorizationCodeIssued        = "authorization_code_issued"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Device authorization flow.
	EventDeviceAuthorizationStarted = "device_authorization_started"
	EventDeviceApproved             = "device_authorization_approved"
	EventDeviceDenied               = "device_authorization_denied"

	// Dynamic client registration.
	EventClientRegistered                    = "client_registered"
	EventClientRegistrationRejected          = "client_registration_rejected"
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"

	// Violations. These fire on requests the server refused; several of
	// them (code reuse, token reuse, revoked family access) indicate a
	// stolen credential being replayed rather than a buggy client.
	EventAuthFailure                    = "auth_failure"
	EventRateLimitExceeded              = "rate_limit_exceeded"
	EventPKCEValidationFailed           = "pkce_validation_failed"
	EventPKCERequiredForPublicClient    = "pkce_required_for_public_client"
	EventTokenReuseDetected             = "token_reuse_detected" //nolint:gosec // event name, not a credential
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt"
	EventInvalidRedirect                = "invalid_redirect"
	EventScopeEscalationAttempt         = "scope_escalation_attempt"
	EventResourceMismatch               = "resource_mismatch"
)
