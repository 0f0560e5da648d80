package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/grantkit/grantkit/storage"
)

// Identity shared by all fixtures.
const (
	ClientID = "test-client-id"
	UserID   = "test-user-123"
	Username = "testuser"
	Scope    = "openid email profile"

	// RedirectURI is registered on the client fixture and baked into
	// authorization code fixtures.
	RedirectURI = "https://example.com/callback"

	// ClientSecret is the plaintext behind the client fixture's stored
	// bcrypt hash.
	ClientSecret = "secret"
)

// bcrypt(ClientSecret) at cost 10.
const clientSecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// GenerateRandomString returns n characters of URL-safe random text,
// for tests that need unique tokens or identifiers.
func GenerateRandomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:n]
}

// GenerateTestAccessToken returns access token metadata for the fixture
// client and user, freshly issued and valid for an hour.
func GenerateTestAccessToken() *storage.TokenMetadata {
	now := time.Now()
	return &storage.TokenMetadata{
		Token:     GenerateRandomString(32),
		ClientID:  ClientID,
		UserID:    UserID,
		Username:  Username,
		Scope:     Scope,
		GrantType: "authorization_code",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

// GenerateTestRefreshToken returns first-generation refresh token
// metadata in a family of its own.
func GenerateTestRefreshToken() *storage.RefreshTokenMetadata {
	now := time.Now()
	return &storage.RefreshTokenMetadata{
		Token:      GenerateRandomString(32),
		ClientID:   ClientID,
		UserID:     UserID,
		Username:   Username,
		Scope:      Scope,
		FamilyID:   GenerateRandomString(16),
		Generation: 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(90 * 24 * time.Hour),
	}
}

// GenerateTestClient returns the confidential client the token and
// code fixtures were issued to. Authenticate it with ClientSecret.
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                ClientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              "confidential",
		RedirectURIs:            []string{RedirectURI},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"openid", "email", "profile"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationCode returns a pending authorization code
// with an S256 challenge. The matching verifier is discarded; tests
// that redeem the code build their own challenge pair instead.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            ClientID,
		UserID:              UserID,
		Username:            Username,
		RedirectURI:         RedirectURI,
		Scope:               Scope,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()),
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// GenerateTestDeviceAuthorization returns a pending device
// authorization with a unique user code, since stores index device
// authorizations by user code.
func GenerateTestDeviceAuthorization() *storage.DeviceAuthorization {
	now := time.Now()
	return &storage.DeviceAuthorization{
		ID:         GenerateRandomString(16),
		DeviceCode: GenerateRandomString(32),
		UserCode:   userCode(),
		ClientID:   ClientID,
		Scope:      Scope,
		Status:     storage.DeviceStatusPending,
		Interval:   5,
		CreatedAt:  now,
		ExpiresAt:  now.Add(30 * time.Minute),
	}
}

// userCode returns an 8-character code shaped like what the device
// flow shows users. Uniqueness is what matters here; a fixture does
// not need the production alphabet's rejection sampling.
func userCode() string {
	const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
