package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

// maxUserCodeAttempts bounds collision retries during user code generation.
// With a 31-character alphabet and 8-character codes the keyspace is ~8.5e11,
// so more than one retry is already rare.
const maxUserCodeAttempts = 10

// BeginDeviceAuthorization starts an RFC 8628 device authorization flow for
// a client on an input-constrained device. It returns the stored
// authorization carrying the device code the client polls with and the user
// code a person types at the verification URI.
func (s *Server) BeginDeviceAuthorization(ctx context.Context, clientID, scope string, resources []string, ipAddress string) (*storage.DeviceAuthorization, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Device authorization for unknown client",
			"client_id", clientID,
			"error", err)
		return nil, errInvalidClient("unknown client")
	}

	if !clientAllowsGrant(client, GrantTypeDeviceCode) {
		return nil, errUnauthorizedClient("client is not authorized for the device_code grant")
	}

	if err := s.validateScopes(scope); err != nil {
		return nil, errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(client, scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details:   map[string]any{"requested_scope": scope},
			})
		}
		return nil, errInvalidScope(err.Error())
	}

	if err := validateResources(resources); err != nil {
		return nil, errInvalidTarget(err.Error())
	}
	if !s.clientResourcesAllowed(client, resources) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventResourceMismatch,
				ClientID:  clientID,
				IPAddress: ipAddress,
				Details:   map[string]any{"resources": resources},
			})
		}
		return nil, errInvalidTarget("client is not authorized for one or more requested resources")
	}

	now := time.Now()
	auth := &storage.DeviceAuthorization{
		ID:         uuid.NewString(),
		DeviceCode: generateRandomToken(),
		ClientID:   clientID,
		Scope:      grantedScope(client, scope),
		Resources:  resources,
		Status:     storage.DeviceStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(s.Config.DeviceCodeTTL) * time.Second),
		Interval:   s.Config.DevicePollInterval,
	}

	// User codes are short enough that collisions with live
	// authorizations are possible. Retry generation; the store also rejects
	// a save that would alias a live code.
	saved := false
	for attempt := 0; attempt < maxUserCodeAttempts; attempt++ {
		userCode, err := generateUserCode(s.Config.UserCodeLength)
		if err != nil {
			s.Logger.Error("User code generation failed", "error", err)
			return nil, errServerError("failed to start device authorization")
		}

		_, lookupErr := s.deviceStore.GetDeviceAuthorizationByUserCode(ctx, userCode)
		if lookupErr == nil {
			continue // live collision
		}
		if !errors.Is(lookupErr, storage.ErrUserCodeNotFound) && !errors.Is(lookupErr, storage.ErrDeviceCodeNotFound) {
			// Expired record still holding the code, or a backend error.
			// Either way this candidate is not usable.
			continue
		}

		auth.UserCode = userCode
		if err := s.deviceStore.SaveDeviceAuthorization(ctx, auth); err != nil {
			s.Logger.Debug("Device authorization save failed, retrying user code",
				"attempt", attempt,
				"error", err)
			continue
		}
		saved = true
		break
	}
	if !saved {
		s.Logger.Error("Failed to allocate a device user code",
			"client_id", clientID,
			"attempts", maxUserCodeAttempts)
		return nil, errServerError("failed to start device authorization")
	}

	if s.Auditor != nil {
		s.Auditor.LogDeviceAuthorizationStarted(clientID, ipAddress)
	}
	if m := s.metrics(); m != nil {
		m.RecordDeviceFlowStarted(ctx, clientID)
	}

	s.Logger.Debug("Device authorization started",
		"client_id", clientID,
		"device_code", util.SafeTruncate(auth.DeviceCode, 8),
		"user_code", FormatUserCode(auth.UserCode),
		"expires_at", auth.ExpiresAt)

	return auth, nil
}

// VerificationURIComplete renders the verification URI with the user code
// pre-filled (RFC 8628 §3.3.1), for QR codes and deep links.
func (s *Server) VerificationURIComplete(userCode string) string {
	return s.Config.VerificationURI + "?user_code=" + url.QueryEscape(FormatUserCode(userCode))
}

// PollDeviceToken handles one device_code grant poll at the token endpoint.
// The store resolves the poll atomically, so an approved authorization is
// consumed by exactly one of N concurrent polls. Premature polls grow the
// authorization's interval (slow_down) and restart its wait window.
func (s *Server) PollDeviceToken(ctx context.Context, clientID, deviceCode, ipAddress string) (*TokenGrant, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Device poll for unknown client",
			"client_id", clientID,
			"error", err)
		return nil, errInvalidClient("unknown client")
	}

	if !clientAllowsGrant(client, GrantTypeDeviceCode) {
		return nil, errUnauthorizedClient("client is not authorized for the device_code grant")
	}

	// Binding precedes the poll: a stolen device code polled from another
	// client must neither consume the approval nor shift the poll window.
	existing, err := s.deviceStore.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDeviceCodeExpired):
			s.recordDevicePoll(ctx, "expired")
			return nil, errExpiredToken("device code has expired")
		case errors.Is(err, storage.ErrDeviceCodeNotFound):
			return nil, errInvalidGrant("device code is invalid")
		default:
			s.Logger.Error("Device authorization lookup failed", "error", err)
			return nil, errServerError("device authorization poll failed")
		}
	}
	if existing.ClientID != clientID {
		s.Logger.Warn("Device code polled by wrong client",
			"code_client_id", existing.ClientID,
			"polling_client_id", clientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "device code client mismatch")
		}
		return nil, errInvalidGrant("device code is invalid")
	}

	auth, err := s.deviceStore.AtomicPollDeviceAuthorization(ctx, deviceCode, time.Now(), s.Config.SlowDownIncrement)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDeviceSlowDown):
			s.recordDevicePoll(ctx, "slow_down")
			return nil, errSlowDown()
		case errors.Is(err, storage.ErrDeviceAuthorizationPending):
			s.recordDevicePoll(ctx, "pending")
			return nil, errAuthorizationPending()
		case errors.Is(err, storage.ErrDeviceAccessDenied):
			s.recordDevicePoll(ctx, "denied")
			return nil, errAccessDenied("the user denied the authorization request")
		case errors.Is(err, storage.ErrDeviceCodeConsumed):
			s.recordDevicePoll(ctx, "consumed")
			return nil, errInvalidGrant("device code has already been used")
		case errors.Is(err, storage.ErrDeviceCodeExpired):
			s.recordDevicePoll(ctx, "expired")
			return nil, errExpiredToken("device code has expired")
		case errors.Is(err, storage.ErrDeviceCodeNotFound):
			return nil, errInvalidGrant("device code is invalid")
		default:
			s.Logger.Error("Device authorization poll failed", "error", err)
			return nil, errServerError("device authorization poll failed")
		}
	}

	// The approved → consumed transition was won by this poll; tokens are
	// issued exactly once per device authorization.
	withRefresh := clientAllowsGrant(client, GrantTypeRefreshToken)
	grant, err := s.issueTokens(ctx, client, auth.UserID, auth.Username, auth.Scope, auth.Resources, GrantTypeDeviceCode, ipAddress, withRefresh)
	if err != nil {
		return nil, err
	}

	s.recordDevicePoll(ctx, "success")

	s.Logger.Debug("Device authorization redeemed",
		"client_id", clientID,
		"device_code", util.SafeTruncate(deviceCode, 8))

	return grant, nil
}

// GetDeviceAuthorizationByUserCode resolves the user code a person typed at
// the verification UI to its device authorization, so the host can show
// which client is asking for which scopes before the user decides. The code
// is normalized first, so "abcd-efgh" and "ABCDEFGH" resolve identically.
func (s *Server) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	normalized := NormalizeUserCode(userCode)
	if normalized == "" {
		return nil, errInvalidRequest("user_code is required")
	}

	auth, err := s.deviceStore.GetDeviceAuthorizationByUserCode(ctx, normalized)
	if err != nil {
		return nil, s.mapUserCodeError(err, "lookup")
	}
	return auth, nil
}

// ApproveDeviceAuthorization records a user's approval of a pending device
// authorization, identified by the user code they typed. Called by the
// host's verification UI after authenticating the user. Only pending,
// unexpired authorizations can be approved.
func (s *Server) ApproveDeviceAuthorization(ctx context.Context, userCode, userID, username, ipAddress string) (*storage.DeviceAuthorization, error) {
	normalized := NormalizeUserCode(userCode)
	if normalized == "" {
		return nil, errInvalidRequest("user_code is required")
	}

	auth, err := s.deviceStore.ApproveDeviceAuthorization(ctx, normalized, userID, username)
	if err != nil {
		return nil, s.mapUserCodeError(err, "approve")
	}

	if s.Auditor != nil {
		s.Auditor.LogDeviceApproved(userID, auth.ClientID, ipAddress)
	}

	s.Logger.Debug("Device authorization approved",
		"client_id", auth.ClientID,
		"user_code", FormatUserCode(normalized))

	return auth, nil
}

// DenyDeviceAuthorization records a user's denial of a pending device
// authorization. Subsequent polls for its device code fail with
// access_denied.
func (s *Server) DenyDeviceAuthorization(ctx context.Context, userCode, ipAddress string) (*storage.DeviceAuthorization, error) {
	normalized := NormalizeUserCode(userCode)
	if normalized == "" {
		return nil, errInvalidRequest("user_code is required")
	}

	auth, err := s.deviceStore.DenyDeviceAuthorization(ctx, normalized)
	if err != nil {
		return nil, s.mapUserCodeError(err, "deny")
	}

	if s.Auditor != nil {
		s.Auditor.LogDeviceDenied(auth.ClientID, ipAddress)
	}

	s.Logger.Debug("Device authorization denied",
		"client_id", auth.ClientID,
		"user_code", FormatUserCode(normalized))

	return auth, nil
}

// mapUserCodeError converts storage sentinels from user-code operations
// into protocol errors.
func (s *Server) mapUserCodeError(err error, operation string) error {
	switch {
	case errors.Is(err, storage.ErrUserCodeNotFound), errors.Is(err, storage.ErrDeviceCodeNotFound):
		return errInvalidGrant("user code is invalid")
	case errors.Is(err, storage.ErrDeviceCodeExpired):
		return errExpiredToken("device authorization has expired")
	case errors.Is(err, storage.ErrDeviceNotPending):
		return errInvalidGrant("device authorization is no longer pending")
	default:
		s.Logger.Error("Device authorization update failed",
			"operation", operation,
			"error", err)
		return errServerError("device authorization update failed")
	}
}

// recordDevicePoll records the outcome of a device poll when
// instrumentation is configured.
func (s *Server) recordDevicePoll(ctx context.Context, result string) {
	if m := s.metrics(); m != nil {
		m.RecordDevicePoll(ctx, result)
	}
}
