package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events to the structured log. User IDs and
// other identifiers derived from secrets are hashed before they leave
// the process, so the audit trail stays useful without becoming a PII
// store.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	hook    func(eventType string)
}

// NewAuditor returns an auditor writing through logger. A disabled
// auditor swallows every event, which lets call sites stay
// unconditional.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// SetEventHook registers a function invoked once per emitted event,
// after logging. The server uses this to count events in metrics
// without this package depending on the metrics stack. Not safe to call
// concurrently with LogEvent; set it during startup.
func (a *Auditor) SetEventHook(hook func(eventType string)) {
	a.hook = hook
}

// Event is one security-relevant occurrence. Details carries
// event-specific context and must never contain token material.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent emits the event. The user ID is logged as a truncated hash;
// client IDs are public identifiers and pass through as-is.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Details are flattened into a group so each key stays individually
	// queryable instead of being dumped as one opaque map value.
	details := make([]any, 0, len(event.Details)*2)
	for k, v := range event.Details {
		details = append(details, k, v)
	}
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashPII(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"timestamp", event.Timestamp,
		slog.Group("details", details...),
	)
	if a.hook != nil {
		a.hook(event.Type)
	}
}

// LogTokenIssued records an access token issuance.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed records a refresh grant; rotated says whether the
// presented refresh token was replaced.
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": rotated},
	})
}

// LogTokenRevoked records an explicit revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogAuthorizationCodeIssued records a code handed to a client.
func (a *Auditor) LogAuthorizationCodeIssued(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogCodeReuseDetected records an authorization code replay.
// tokensRevoked is how many descended tokens were revoked in response.
func (a *Auditor) LogCodeReuseDetected(userID, clientID, ipAddress string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"tokens_revoked": tokensRevoked},
	})
}

// LogTokenReuseDetected records a rotated refresh token replay. The
// family ID is hashed: it is derived from token material.
func (a *Auditor) LogTokenReuseDetected(userID, clientID, ipAddress, familyID string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:      EventTokenReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"family_id_hash": hashPII(familyID),
			"tokens_revoked": tokensRevoked,
		},
	})
}

// LogDeviceAuthorizationStarted records the start of a device flow.
func (a *Auditor) LogDeviceAuthorizationStarted(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventDeviceAuthorizationStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogDeviceApproved records a user approving a device authorization.
func (a *Auditor) LogDeviceApproved(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventDeviceApproved,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogDeviceDenied records a user denying a device authorization.
func (a *Auditor) LogDeviceDenied(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventDeviceDenied,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure records a failed client or token authentication.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogClientRegistered records a dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// hashPII returns the first 16 hex characters of the SHA-256 of a
// sensitive value: stable enough to correlate events, useless for
// recovering the value.
func hashPII(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
