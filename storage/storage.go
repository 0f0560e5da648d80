// Package storage defines interfaces for persisting OAuth clients, tokens,
// authorization codes, and device authorizations. It supports various backend
// implementations including in-memory and Redis.
package storage

import (
	"context"
	"time"
)

// TokenStore defines the interface for storing and retrieving tokens.
// Access and refresh tokens are keyed by their opaque value; the stored
// metadata is the authoritative record for introspection and revocation,
// including for self-encoded token formats.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken saves an access token and its metadata
	SaveAccessToken(ctx context.Context, meta *TokenMetadata) error

	// GetAccessToken retrieves metadata for an access token
	GetAccessToken(ctx context.Context, token string) (*TokenMetadata, error)

	// DeleteAccessToken removes an access token
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken saves a refresh token and its metadata.
	// The family record derived from the metadata is persisted alongside and
	// outlives the token itself (see RefreshTokenFamilyStore).
	SaveRefreshToken(ctx context.Context, meta *RefreshTokenMetadata) error

	// GetRefreshToken retrieves metadata for a refresh token
	GetRefreshToken(ctx context.Context, token string) (*RefreshTokenMetadata, error)

	// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh token.
	// This is the rotation consume step: exactly one concurrent caller receives
	// the metadata; the rest observe ErrRefreshTokenNotFound. The family record
	// is deliberately retained so a replay of the consumed token is detectable.
	// SECURITY: This operation MUST be atomic to prevent concurrent refresh attacks.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*RefreshTokenMetadata, error)
}

// RefreshTokenFamilyStore tracks families of rotated refresh tokens for reuse
// detection. A family record is written for every refresh token and survives
// the token's deletion: a presented token that is absent from the token store
// but still has a family record is a rotated-out token being replayed.
// All methods accept context.Context for tracing and cancellation.
type RefreshTokenFamilyStore interface {
	// GetRefreshTokenFamily retrieves the family record written for a refresh
	// token, including for tokens that were already consumed by rotation.
	GetRefreshTokenFamily(ctx context.Context, refreshToken string) (*RefreshTokenFamily, error)

	// RevokeRefreshTokenFamily marks a family revoked and deletes every live
	// access and refresh token issued under it. Returns the number of tokens
	// revoked. Idempotent: revoking an already-revoked family is not an error.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error)

	// IsFamilyRevoked reports whether a family has been revoked.
	// Unknown families report false.
	IsFamilyRevoked(ctx context.Context, familyID string) (bool, error)
}

// TokenRevocationStore supports bulk token revocation operations.
// Used for critical security scenarios like authorization code reuse detection.
// All methods accept context.Context for tracing and cancellation.
type TokenRevocationStore interface {
	// RevokeAllTokensForUserClient revokes all tokens (access + refresh) for a
	// specific user+client combination. Called when authorization code reuse
	// is detected. Returns the number of tokens revoked.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)

	// GetTokensByUserClient retrieves all access token values for a
	// user+client combination (for testing and debugging).
	GetTokensByUserClient(ctx context.Context, userID, clientID string) ([]string, error)
}

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the stored
	// bcrypt hash. Implementations must take the same time for unknown
	// clients as for known clients with a wrong secret.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error
}

// FlowStore defines the interface for managing authorization codes.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicConsumeAuthorizationCode atomically checks that a code is unused
	// and marks it used. Exactly one concurrent caller succeeds. Returns:
	//   - the code record on success
	//   - the code record with ErrAuthorizationCodeUsed when the code was
	//     already consumed, so the caller can revoke descendant tokens
	//   - ErrAuthorizationCodeNotFound / ErrAuthorizationCodeExpired otherwise
	// SECURITY: This operation MUST be atomic to prevent concurrent exchange attacks.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// DeviceStore defines the interface for managing device authorizations
// (RFC 8628). All methods accept context.Context for tracing and cancellation.
type DeviceStore interface {
	// SaveDeviceAuthorization saves a new device authorization in the pending state
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorization retrieves a device authorization by device code
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetDeviceAuthorizationByUserCode retrieves a device authorization by its
	// normalized user code (uppercase, separators stripped).
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// AtomicPollDeviceAuthorization performs one linearizable polling step for
	// a device code at wall-clock time now. In a single atomic operation it:
	//   - reports ErrDeviceCodeNotFound for unknown codes
	//   - reports ErrDeviceCodeExpired past ExpiresAt
	//   - updates LastPolledAt, and for a poll arriving before Interval
	//     elapsed grows Interval by slowDownIncrement and reports
	//     ErrDeviceSlowDown (the window restarts, so premature pollers keep
	//     getting slow_down until they honor the interval)
	//   - reports ErrDeviceAuthorizationPending / ErrDeviceAccessDenied /
	//     ErrDeviceCodeConsumed for the corresponding states
	//   - transitions approved → consumed and returns the record; exactly one
	//     concurrent poller of an approved code can win this transition
	// SECURITY: This operation MUST be atomic; token issuance for a device
	// code must happen at most once.
	AtomicPollDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time, slowDownIncrement int64) (*DeviceAuthorization, error)

	// ApproveDeviceAuthorization transitions a pending device authorization to
	// approved and binds the approving user. Fails with ErrDeviceNotPending if
	// the authorization already left the pending state, or
	// ErrDeviceCodeExpired if past expiry. Looked up by normalized user code.
	ApproveDeviceAuthorization(ctx context.Context, userCode, userID, username string) (*DeviceAuthorization, error)

	// DenyDeviceAuthorization transitions a pending device authorization to
	// denied. Same lookup and failure rules as ApproveDeviceAuthorization.
	DenyDeviceAuthorization(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// DeleteDeviceAuthorization removes a device authorization
	DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error
}

// Store is the composite interface implemented by full storage backends.
type Store interface {
	TokenStore
	RefreshTokenFamilyStore
	TokenRevocationStore
	ClientStore
	FlowStore
	DeviceStore

	// Close releases backend resources and stops background maintenance.
	Close() error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash; empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	// Audiences lists the resource URIs this client may request tokens for
	// (RFC 8707). Empty means any resource may be requested.
	Audiences []string
	CreatedAt time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code        string
	ClientID    string
	UserID      string
	Username    string
	RedirectURI string
	Scope       string
	// Resources holds the RFC 8707 resource indicators captured at
	// authorization time. Tokens minted from this code may only be bound to a
	// subset of these.
	Resources           []string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// DeviceAuthorizationStatus enumerates device authorization states.
type DeviceAuthorizationStatus string

const (
	// DeviceStatusPending means the user has not yet acted on the verification prompt.
	DeviceStatusPending DeviceAuthorizationStatus = "pending"
	// DeviceStatusApproved means the user approved; tokens not yet issued.
	DeviceStatusApproved DeviceAuthorizationStatus = "approved"
	// DeviceStatusDenied means the user denied the authorization. Terminal.
	DeviceStatusDenied DeviceAuthorizationStatus = "denied"
	// DeviceStatusConsumed means tokens were issued for the device code. Terminal.
	DeviceStatusConsumed DeviceAuthorizationStatus = "consumed"
)

// DeviceAuthorization represents an RFC 8628 device authorization.
// Expiry is not a stored status: stores compare ExpiresAt lazily at access
// time and report it as ErrDeviceCodeExpired.
type DeviceAuthorization struct {
	ID         string // uuid, for audit correlation
	DeviceCode string
	// UserCode is stored normalized: uppercase with separators stripped.
	UserCode  string
	ClientID  string
	Scope     string
	Resources []string
	Status    DeviceAuthorizationStatus
	// UserID and Username are set when the user approves.
	UserID    string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
	// Interval is the currently enforced minimum seconds between polls. It
	// starts at the configured default and grows when the device is told to
	// slow down.
	Interval     int64
	LastPolledAt time.Time
}

// TokenMetadata is the authoritative record for an issued access token.
type TokenMetadata struct {
	Token    string
	ClientID string
	// UserID is empty for client-credentials tokens.
	UserID   string
	Username string
	Scope    string
	// Audience lists the resource URIs the token is bound to (RFC 8707).
	// Empty means unrestricted.
	Audience  []string
	GrantType string
	// FamilyID links the token to its refresh token family, when one exists.
	FamilyID  string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RefreshTokenMetadata is the authoritative record for an issued refresh token.
type RefreshTokenMetadata struct {
	Token    string
	ClientID string
	UserID   string
	Username string
	Scope    string
	Audience []string
	// FamilyID and Generation track the rotation lineage (generation 0 is the
	// first token issued for a grant; each rotation increments).
	FamilyID   string
	Generation int
	// AccessToken is the access token paired with this refresh token, revoked
	// alongside it.
	AccessToken string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// RefreshTokenFamily records rotation lineage shared by all refresh tokens
// descended from one grant. Family records outlive their tokens so replays of
// rotated-out tokens remain detectable.
type RefreshTokenFamily struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time // for forensics and retention cleanup
}
