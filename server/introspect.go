package server

import (
	"context"

	"github.com/grantkit/grantkit/internal/util"
)

// IntrospectionResponse is an RFC 7662 §2.2 introspection result. Every
// field except Active is omitted for inactive tokens. Aud is omitted
// entirely (no key, not null or empty) for tokens without an audience
// restriction, so resource servers can distinguish "unrestricted" from
// "restricted to nothing I serve".
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       []string `json:"aud,omitempty"`
	Iss       string   `json:"iss,omitempty"`
	Jti       string   `json:"jti,omitempty"`
}

// IntrospectToken resolves the state of a token for an authenticated
// introspection caller (RFC 7662). Token-state problems are never errors:
// unknown, revoked, and expired tokens all yield the same bare
// {"active": false} through the same code path, so a probing caller learns
// nothing about which tokens exist.
//
// tokenTypeHint is only a hint (RFC 7662 §2.1): it orders nothing away,
// both lookups always run, and a hint that mismatches the token's actual
// type still finds it.
func (s *Server) IntrospectToken(ctx context.Context, tok, callerClientID, tokenTypeHint string) *IntrospectionResponse {
	resp := &IntrospectionResponse{}
	if tok == "" {
		return resp
	}

	// Both lookups run unconditionally so inactive outcomes cost the same
	// work regardless of why the token is inactive. The stores apply
	// revocation flags and lazy wall-clock expiry internally; a non-nil
	// result here means found, unrevoked, and unexpired.
	accessMeta, accessErr := s.tokenStore.GetAccessToken(ctx, tok)
	if accessErr != nil {
		accessMeta = nil
	}
	refreshMeta, refreshErr := s.tokenStore.GetRefreshToken(ctx, tok)
	if refreshErr != nil {
		refreshMeta = nil
	}

	preferRefresh := refreshMeta != nil && (accessMeta == nil || tokenTypeHint == "refresh_token")

	switch {
	case preferRefresh:
		resp.Active = true
		resp.Scope = refreshMeta.Scope
		resp.ClientID = refreshMeta.ClientID
		resp.Username = refreshMeta.Username
		resp.TokenType = "refresh_token"
		resp.Exp = refreshMeta.ExpiresAt.Unix()
		resp.Iat = refreshMeta.IssuedAt.Unix()
		resp.Sub = refreshMeta.UserID
		resp.Iss = s.Config.Issuer
		if len(refreshMeta.Audience) > 0 {
			resp.Aud = refreshMeta.Audience
		}

	case accessMeta != nil:
		resp.Active = true
		resp.Scope = accessMeta.Scope
		resp.ClientID = accessMeta.ClientID
		resp.Username = accessMeta.Username
		resp.TokenType = "Bearer"
		resp.Exp = accessMeta.ExpiresAt.Unix()
		resp.Iat = accessMeta.IssuedAt.Unix()
		resp.Sub = accessMeta.UserID
		resp.Iss = s.Config.Issuer
		resp.Jti = accessMeta.JTI
		if len(accessMeta.Audience) > 0 {
			resp.Aud = accessMeta.Audience
		}
	}

	if m := s.metrics(); m != nil {
		m.RecordIntrospection(ctx, resp.Active)
	}

	s.Logger.Debug("Token introspected",
		"caller_client_id", callerClientID,
		"token", util.SafeTruncate(tok, 8),
		"active", resp.Active)

	return resp
}
