package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

// Client type constants. Duplicated in the root package to avoid import
// cycles since the root package imports the server package.
const (
	// ClientTypeConfidential is a client that can keep a secret (RFC 6749 §2.1).
	ClientTypeConfidential = "confidential"

	// ClientTypePublic is a client that cannot keep a secret and relies on
	// PKCE instead (native apps, CLIs, SPAs).
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591).
const (
	// TokenEndpointAuthMethodNone means no authentication (public clients).
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic means HTTP Basic authentication.
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost means POST form parameters.
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// RegisterClientRequest carries the metadata for a dynamic client
// registration (RFC 7591 §2).
type RegisterClientRequest struct {
	ClientName              string
	ClientType              string // "public", "confidential", or empty to derive from the auth method
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	GrantTypes              []string // defaults to authorization_code + refresh_token
	Scopes                  []string // scopes the client may request; empty allows any supported scope
	Audiences               []string // resource URIs the client may target; empty allows any
	IPAddress               string
}

// RegisterClient registers a new OAuth client and returns it together with
// the plaintext client secret. The secret is bcrypt-hashed before storage
// and cannot be recovered later, so this is the caller's only chance to
// see it. Public clients get no secret.
//
// Registration is rate limited per IP twice over: a sliding-window request
// limiter and a cap on total clients registered per IP, both to keep an
// unauthenticated endpoint from flooding the store.
func (s *Server) RegisterClient(ctx context.Context, req *RegisterClientRequest) (*storage.Client, string, error) {
	if req == nil {
		return nil, "", errInvalidRequest("registration request is required")
	}

	if s.ClientRegistrationLimiter != nil && !s.ClientRegistrationLimiter.Allow(req.IPAddress) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventClientRegistrationRateLimitExceeded,
				IPAddress: req.IPAddress,
			})
		}
		s.Logger.Warn("Client registration rate limit exceeded", "ip", req.IPAddress)
		return nil, "", &Error{
			Code:        ErrorCodeInvalidRequest,
			Description: "too many registration requests, try again later",
			Status:      http.StatusTooManyRequests,
		}
	}

	if err := s.clientStore.CheckIPLimit(ctx, req.IPAddress, s.Config.MaxClientsPerIP); err != nil {
		s.Logger.Warn("Client registration IP limit reached", "ip", req.IPAddress, "error", err)
		return nil, "", &Error{
			Code:        ErrorCodeInvalidRequest,
			Description: "registration limit reached for this address",
			Status:      http.StatusTooManyRequests,
		}
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(req.ClientType, req.TokenEndpointAuthMethod)
	if err != nil {
		return nil, "", err
	}

	grantTypes, err := s.resolveGrantTypes(req.GrantTypes, clientType)
	if err != nil {
		return nil, "", err
	}

	if err := s.validateRegistrationRedirectURIs(req.RedirectURIs, grantTypes, req.IPAddress); err != nil {
		return nil, "", err
	}

	if len(req.Scopes) > 0 {
		if err := s.validateScopes(strings.Join(req.Scopes, " ")); err != nil {
			return nil, "", errInvalidScope(err.Error())
		}
	}

	if err := validateResources(req.Audiences); err != nil {
		return nil, "", errInvalidTarget("one or more audience values are not valid resource URIs")
	}

	clientID := generateRandomToken()
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		s.Logger.Error("Failed to generate client secret", "error", err)
		return nil, "", errServerError("failed to register client")
	}

	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              req.ClientName,
		Scopes:                  req.Scopes,
		Audiences:               req.Audiences,
		CreatedAt:               time.Now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		s.Logger.Error("Failed to save client", "error", err)
		return nil, "", errServerError("failed to register client")
	}

	if tracker, ok := s.clientStore.(interface{ TrackClientIP(string) }); ok {
		tracker.TrackClientIP(req.IPAddress)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, req.IPAddress)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.ClientType)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"grant_types", client.GrantTypes,
		"ip", req.IPAddress)

	return client, clientSecret, nil
}

// resolveClientTypeAndAuthMethod derives the client type and auth method
// from whichever the registration supplied. Per RFC 7591 §2 the
// token_endpoint_auth_method determines the client type when both are
// given; contradictory combinations are rejected rather than silently
// producing a public client that thinks it has a secret.
func resolveClientTypeAndAuthMethod(clientType, authMethod string) (string, string, error) {
	switch authMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return "", "", errInvalidRequest("unsupported token_endpoint_auth_method")
	}

	switch clientType {
	case "", ClientTypePublic, ClientTypeConfidential:
	default:
		return "", "", errInvalidRequest("client type must be public or confidential")
	}

	if authMethod == TokenEndpointAuthMethodNone {
		if clientType == ClientTypeConfidential {
			return "", "", errInvalidRequest("confidential clients must use a secret-based token_endpoint_auth_method")
		}
		return ClientTypePublic, TokenEndpointAuthMethodNone, nil
	}

	if clientType == ClientTypePublic {
		if authMethod != "" {
			return "", "", errInvalidRequest("public clients must use token_endpoint_auth_method none")
		}
		return ClientTypePublic, TokenEndpointAuthMethodNone, nil
	}

	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodBasic
	}
	return ClientTypeConfidential, authMethod, nil
}

// resolveGrantTypes validates the requested grant types against the set
// this server implements and applies the RFC 7591 default.
func (s *Server) resolveGrantTypes(grantTypes []string, clientType string) ([]string, error) {
	if len(grantTypes) == 0 {
		return []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}, nil
	}

	for _, gt := range grantTypes {
		switch gt {
		case GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeDeviceCode:
		case GrantTypeClientCredentials:
			if clientType != ClientTypeConfidential {
				return nil, errInvalidRequest("client_credentials requires a confidential client")
			}
		default:
			return nil, errInvalidRequest("unsupported grant type: " + gt)
		}
	}
	return grantTypes, nil
}

// validateRegistrationRedirectURIs checks every redirect URI before the
// client is persisted. Rejections are audited: registration is an
// unauthenticated surface, and a stream of dangerous-scheme URIs is worth
// noticing.
func (s *Server) validateRegistrationRedirectURIs(redirectURIs, grantTypes []string, ipAddress string) error {
	if len(redirectURIs) == 0 {
		if containsString(grantTypes, GrantTypeAuthorizationCode) {
			return errInvalidRequest("authorization_code clients must register at least one redirect URI")
		}
		return nil
	}

	for _, uri := range redirectURIs {
		if err := s.validateRedirectURIFormat(uri); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventClientRegistrationRejected,
					IPAddress: ipAddress,
					Details: map[string]any{
						"reason": "redirect_uri_validation_failed",
					},
				})
			}
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error(),
				"ip", ipAddress)
			return errInvalidRequest("one or more redirect URIs are invalid")
		}
	}
	return nil
}

// generateClientSecret generates a secret for confidential clients. Public
// clients get neither a secret nor a hash.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// ValidateClientCredentials authenticates a client at the token endpoint
// and returns its registration. Public clients authenticate by identifier
// alone (PKCE carries the proof); a public client presenting a secret is
// rejected because it indicates a misconfigured or impersonating caller.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, errInvalidClient("client authentication failed")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		// Burn a secret comparison anyway so unknown clients cost the same
		// as wrong secrets.
		_ = s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
		return nil, errInvalidClient("client authentication failed")
	}

	if client.ClientType == ClientTypePublic {
		if clientSecret != "" {
			s.Logger.Warn("Public client presented a client secret", "client_id", clientID)
			return nil, errInvalidClient("public clients must not authenticate with a secret")
		}
		return client, nil
	}

	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid client secret")
		}
		s.Logger.Warn("Client authentication failed", "client_id", clientID)
		return nil, errInvalidClient("client authentication failed")
	}

	return client, nil
}

// GetClient looks up a registered client.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}
