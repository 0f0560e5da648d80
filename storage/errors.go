package storage

import "errors"

// Sentinel errors returned by storage backends. Callers match these with
// errors.Is; backends wrap them with %w when adding detail. The protocol
// engine maps them to OAuth error codes at the grant boundary so storage
// details never reach clients directly.
var (
	// ErrTokenNotFound indicates the access token does not exist.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the access token exists but is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the access token has been revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrRefreshTokenNotFound indicates the refresh token does not exist.
	// During rotation this may mean the token was already consumed.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrRefreshTokenExpired indicates the refresh token exists but is past its expiry.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrTokenFamilyNotFound indicates no family record exists for the refresh token.
	ErrTokenFamilyNotFound = errors.New("refresh token family not found")

	// ErrTokenFamilyRevoked indicates the refresh token's family has been revoked.
	ErrTokenFamilyRevoked = errors.New("refresh token family revoked")

	// ErrClientNotFound indicates no client is registered under the given ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented client secret does not
	// match the stored hash.
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrClientLimitExceeded indicates an IP has reached its client
	// registration limit.
	ErrClientLimitExceeded = errors.New("client registration limit exceeded")

	// ErrAuthorizationCodeNotFound indicates the authorization code does not exist.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeExpired indicates the authorization code is past its expiry.
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrAuthorizationCodeUsed indicates the authorization code was already
	// consumed. Receiving this from an atomic consume means a reuse attempt
	// was detected and previously issued tokens should be revoked.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrDeviceCodeNotFound indicates the device code does not exist.
	ErrDeviceCodeNotFound = errors.New("device code not found")

	// ErrDeviceCodeExpired indicates the device authorization is past its expiry.
	ErrDeviceCodeExpired = errors.New("device code expired")

	// ErrDeviceAuthorizationPending indicates the user has not yet completed
	// the verification step for the device authorization.
	ErrDeviceAuthorizationPending = errors.New("device authorization pending")

	// ErrDeviceSlowDown indicates the device polled before the minimum
	// polling interval elapsed.
	ErrDeviceSlowDown = errors.New("device polled too frequently")

	// ErrDeviceAccessDenied indicates the user denied the device authorization.
	ErrDeviceAccessDenied = errors.New("device authorization denied")

	// ErrDeviceCodeConsumed indicates tokens were already issued for the
	// device code. A second issuance attempt must never succeed.
	ErrDeviceCodeConsumed = errors.New("device code already consumed")

	// ErrDeviceNotPending indicates an approval or denial was attempted on a
	// device authorization that already left the pending state.
	ErrDeviceNotPending = errors.New("device authorization not pending")

	// ErrUserCodeNotFound indicates no device authorization matches the user code.
	ErrUserCodeNotFound = errors.New("user code not found")
)
