package token

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Claims carries the data bound to an access token at mint time. Generators
// may encode all, some, or none of it into the token value itself.
type Claims struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string

	// Subject is the authenticated user ID. Empty for client-credentials
	// tokens, which act on behalf of the client alone.
	Subject string

	// ClientID is the client the token was issued to.
	ClientID string

	// Scope is the space-separated granted scope.
	Scope string

	// Audience is the set of resource identifiers the token is bound to.
	// Empty means unrestricted.
	Audience []string

	// JTI is the unique token identifier.
	JTI string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Generator mints access token values.
type Generator interface {
	Generate(ctx context.Context, claims *Claims) (string, error)
}

// OpaqueGenerator produces random URL-safe token values carrying no embedded
// claims. This is the default: opaque tokens force every consumer through
// introspection or the shared store, which keeps revocation authoritative.
type OpaqueGenerator struct{}

var _ Generator = OpaqueGenerator{}

// Generate returns a cryptographically random URL-safe string. The claims
// are not encoded; they live only in storage.
func (OpaqueGenerator) Generate(_ context.Context, _ *Claims) (string, error) {
	return oauth2.GenerateVerifier(), nil
}
