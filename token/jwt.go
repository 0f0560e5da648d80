package token

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// minHMACKeyLength is the minimum HS256 key length in bytes.
// Shorter keys make brute-forcing the signature practical.
const minHMACKeyLength = 32

// JWTClaims is the claim set encoded into self-encoded access tokens.
// Registered claims follow RFC 7519; client_id and scope follow RFC 9068
// conventions for OAuth access tokens.
type JWTClaims struct {
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// JWTGenerator mints self-encoded JWS access tokens. The signing method is
// fixed at construction (HS256 with a shared secret, or RS256 with an RSA
// private key).
//
// Tokens are still persisted in the store; the JWT format only lets resource
// servers read claims without a lookup. Revocation stays storage-backed.
type JWTGenerator struct {
	method jwt.SigningMethod
	key    any
}

var _ Generator = (*JWTGenerator)(nil)

// NewHS256Generator creates a JWT generator signing with HMAC-SHA256.
// The key must be at least 32 bytes.
func NewHS256Generator(key []byte) (*JWTGenerator, error) {
	if len(key) < minHMACKeyLength {
		return nil, fmt.Errorf("HS256 key must be at least %d bytes, got %d", minHMACKeyLength, len(key))
	}
	return &JWTGenerator{
		method: jwt.SigningMethodHS256,
		key:    key,
	}, nil
}

// NewRS256Generator creates a JWT generator signing with RSA-SHA256.
func NewRS256Generator(key *rsa.PrivateKey) (*JWTGenerator, error) {
	if key == nil {
		return nil, fmt.Errorf("RS256 private key is required")
	}
	return &JWTGenerator{
		method: jwt.SigningMethodRS256,
		key:    key,
	}, nil
}

// Generate encodes the claims as a signed JWT.
func (g *JWTGenerator) Generate(_ context.Context, claims *Claims) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("claims are required")
	}

	jwtClaims := JWTClaims{
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    claims.Issuer,
			Subject:   claims.Subject,
			Audience:  jwt.ClaimStrings(claims.Audience),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ID:        claims.JTI,
		},
	}

	signed, err := jwt.NewWithClaims(g.method, jwtClaims).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}
