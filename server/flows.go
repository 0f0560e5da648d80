package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/token"
)

// Grant type identifiers (RFC 6749 §4, RFC 8628 §3.4)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// TokenGrant is the result of a successful token issuance on any grant.
type TokenGrant struct {
	AccessToken  string
	TokenType    string // always "Bearer"
	ExpiresIn    int64  // seconds until the access token expires
	RefreshToken string // empty when the grant does not issue one
	Scope        string // granted scope, space-separated
}

// IssueAuthorizationRequest carries the parameters of an authorization the
// user already consented to. The host's authorization UI authenticates the
// user, renders consent, and then calls IssueAuthorizationCode with these.
type IssueAuthorizationRequest struct {
	ClientID            string
	UserID              string
	Username            string
	RedirectURI         string
	Scope               string   // requested scope, space-separated; empty = client default
	Resources           []string // RFC 8707 resource indicators
	CodeChallenge       string   // PKCE challenge (RFC 7636)
	CodeChallengeMethod string   // "S256" or "plain"; empty = S256
	IPAddress           string   // originating IP, for auditing
}

// ExchangeRequest carries the token endpoint parameters of an
// authorization_code grant.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	Resources    []string // RFC 8707 narrowing; empty inherits the code's set
	IPAddress    string
}

// IssueAuthorizationCode validates an approved authorization request and
// persists a single-use authorization code for it. It is the host-facing
// half of the authorization code grant; ExchangeAuthorizationCode is the
// client-facing half.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req IssueAuthorizationRequest) (string, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Logger.Debug("Authorization request for unknown client",
			"client_id", req.ClientID,
			"error", err)
		return "", errInvalidClient("unknown client")
	}

	if !clientAllowsGrant(client, GrantTypeAuthorizationCode) {
		return "", errUnauthorizedClient("client is not authorized for the authorization_code grant")
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Logger.Debug("Rejected redirect URI",
			"client_id", req.ClientID,
			"redirect_uri", req.RedirectURI,
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				UserID:    req.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"redirect_uri": req.RedirectURI},
			})
		}
		return "", errInvalidRequest("invalid redirect_uri")
	}

	if err := s.validateScopes(req.Scope); err != nil {
		return "", errInvalidScope(err.Error())
	}
	if err := s.validateClientScopes(client, req.Scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				UserID:    req.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"requested_scope": req.Scope},
			})
		}
		return "", errInvalidScope(err.Error())
	}

	if err := validateResources(req.Resources); err != nil {
		return "", errInvalidTarget(err.Error())
	}
	if !s.clientResourcesAllowed(client, req.Resources) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventResourceMismatch,
				UserID:    req.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"resources": req.Resources},
			})
		}
		return "", errInvalidTarget("client is not authorized for one or more requested resources")
	}

	if err := s.validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		if req.CodeChallenge == "" && client.ClientType == ClientTypePublic && s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCERequiredForPublicClient,
				UserID:    req.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.IPAddress,
			})
		}
		return "", errInvalidRequest(err.Error())
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		Username:            req.Username,
		RedirectURI:         req.RedirectURI,
		Scope:               grantedScope(client, req.Scope),
		Resources:           req.Resources,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		return "", errServerError("failed to issue authorization code")
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationCodeIssued(req.UserID, req.ClientID, req.IPAddress)
	}

	s.Logger.Debug("Authorization code issued",
		"client_id", req.ClientID,
		"code", util.SafeTruncate(authCode.Code, 8),
		"scope", authCode.Scope)

	return authCode.Code, nil
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens.
// The consume step is atomic: of N concurrent exchanges of the same code,
// exactly one succeeds. A reuse of an already-consumed code is treated as
// a stolen-code attack and revokes every token descended from that code's
// user+client pair (RFC 6749 §4.1.2).
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenGrant, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Logger.Debug("Code exchange for unknown client",
			"client_id", req.ClientID,
			"error", err)
		return nil, errInvalidClient("unknown client")
	}

	if !clientAllowsGrant(client, GrantTypeAuthorizationCode) {
		return nil, errUnauthorizedClient("client is not authorized for the authorization_code grant")
	}

	// Atomic consume first: this is the single point where concurrent
	// exchanges are serialized. Validation failures after this point burn
	// the code, which is intended (RFC 6749 §4.1.2: codes are single-use).
	authCode, err := s.flowStore.AtomicConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			s.handleAuthorizationCodeReuse(ctx, authCode, req.IPAddress)
		} else {
			s.Logger.Debug("Authorization code consume failed",
				"code", util.SafeTruncate(req.Code, 8),
				"client_id", req.ClientID,
				"error", err)
		}
		// Unknown, expired, and reused codes are indistinguishable to the
		// client: a precise error would confirm which codes exist.
		return nil, errInvalidGrant("authorization code is invalid or expired")
	}

	if authCode.ClientID != req.ClientID {
		s.Logger.Warn("Authorization code presented by wrong client",
			"code_client_id", authCode.ClientID,
			"presenting_client_id", req.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.IPAddress, "authorization code client mismatch")
		}
		return nil, errInvalidGrant("authorization code is invalid or expired")
	}

	if authCode.RedirectURI != req.RedirectURI {
		s.Logger.Warn("Redirect URI mismatch at code exchange",
			"client_id", req.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.IPAddress, "redirect URI mismatch")
		}
		return nil, errInvalidGrant("authorization code is invalid or expired")
	}

	if err := s.validatePKCE(authCode, req.CodeVerifier); err != nil {
		s.Logger.Debug("PKCE validation failed",
			"client_id", req.ClientID,
			"method", authCode.CodeChallengeMethod,
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.IPAddress,
			})
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, pkceMethodLabel(authCode))
		}
		return nil, errInvalidGrant("PKCE verification failed")
	}

	// RFC 8707: the token request may narrow the code's resource set but
	// never escalate beyond it.
	selected, err := s.selectResources(authCode.Resources, req.Resources)
	if err != nil {
		s.Logger.Debug("Resource narrowing rejected",
			"client_id", req.ClientID,
			"error", err)
		return nil, errInvalidTarget("cannot escalate resource permissions beyond the original authorization grant")
	}

	withRefresh := clientAllowsGrant(client, GrantTypeRefreshToken)
	grant, err := s.issueTokens(ctx, client, authCode.UserID, authCode.Username, authCode.Scope, selected, GrantTypeAuthorizationCode, req.IPAddress, withRefresh)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, req.ClientID, pkceMethodLabel(authCode))
	}

	return grant, nil
}

// handleAuthorizationCodeReuse responds to a replayed authorization code.
// Per RFC 6749 §4.1.2 the server SHOULD revoke all tokens previously issued
// on that code; we revoke everything for the code's user+client pair.
func (s *Server) handleAuthorizationCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, ipAddress string) {
	if s.allowSecurityEvent(authCode.UserID + ":" + authCode.ClientID) {
		s.Logger.Error("SECURITY ALERT: Authorization code reuse detected",
			"code", util.SafeTruncate(authCode.Code, 8),
			"client_id", authCode.ClientID,
			"user_id", authCode.UserID,
			"action", "revoking all tokens for user+client")
	}

	revoked, err := s.revocationStore.RevokeAllTokensForUserClient(ctx, authCode.UserID, authCode.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse",
			"client_id", authCode.ClientID,
			"error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeReuseDetected(authCode.UserID, authCode.ClientID, ipAddress, revoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}

	// Burn the code record entirely so subsequent replays cannot even
	// observe their own reuse detection.
	if err := s.flowStore.DeleteAuthorizationCode(ctx, authCode.Code); err != nil {
		s.Logger.Debug("Failed to delete reused authorization code", "error", err)
	}
}

// issueTokens is the shared issuance core for every grant. It mints an
// access token through the configured generator, persists its metadata, and
// optionally issues a refresh token opening a new rotation family
// (generation 0). Refresh rotation continues families in refresh.go.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, userID, username, scope string, aud []string, grantType, ipAddress string, withRefresh bool) (*TokenGrant, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)
	jti := uuid.NewString()

	accessToken, err := s.TokenGenerator.Generate(ctx, &token.Claims{
		Issuer:    s.Config.Issuer,
		Subject:   userID,
		ClientID:  client.ClientID,
		Scope:     scope,
		Audience:  aud,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.Logger.Error("Access token generation failed", "error", err)
		return nil, errServerError("failed to issue tokens")
	}

	var familyID string
	if withRefresh {
		familyID = uuid.NewString()
	}

	if err := s.tokenStore.SaveAccessToken(ctx, &storage.TokenMetadata{
		Token:     accessToken,
		ClientID:  client.ClientID,
		UserID:    userID,
		Username:  username,
		Scope:     scope,
		Audience:  aud,
		GrantType: grantType,
		FamilyID:  familyID,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}); err != nil {
		s.Logger.Error("Failed to save access token", "error", err)
		return nil, errServerError("failed to issue tokens")
	}

	grant := &TokenGrant{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scope:       scope,
	}

	if withRefresh {
		refreshToken := generateRandomToken()
		if err := s.tokenStore.SaveRefreshToken(ctx, &storage.RefreshTokenMetadata{
			Token:       refreshToken,
			ClientID:    client.ClientID,
			UserID:      userID,
			Username:    username,
			Scope:       scope,
			Audience:    aud,
			FamilyID:    familyID,
			Generation:  0,
			AccessToken: accessToken,
			IssuedAt:    now,
			ExpiresAt:   now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		}); err != nil {
			s.Logger.Error("Failed to save refresh token", "error", err)
			// Do not leave a live access token behind a failed issuance.
			if delErr := s.tokenStore.DeleteAccessToken(ctx, accessToken); delErr != nil {
				s.Logger.Debug("Failed to clean up access token", "error", delErr)
			}
			return nil, errServerError("failed to issue tokens")
		}
		grant.RefreshToken = refreshToken
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(userID, client.ClientID, ipAddress, grantType, scope)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, client.ClientID, grantType)
	}

	s.Logger.Debug("Tokens issued",
		"client_id", client.ClientID,
		"grant_type", grantType,
		"scope", scope,
		"with_refresh", withRefresh)

	return grant, nil
}

// allowSecurityEvent gates high-severity security logging through the
// security event rate limiter, preventing log flooding attacks. Events are
// always allowed when no limiter is configured.
func (s *Server) allowSecurityEvent(key string) bool {
	if s.SecurityEventRateLimiter == nil {
		return true
	}
	return s.SecurityEventRateLimiter.Allow(key)
}

// pkceMethodLabel returns a low-cardinality label for the PKCE method of an
// authorization code.
func pkceMethodLabel(authCode *storage.AuthorizationCode) string {
	switch {
	case authCode.CodeChallenge == "":
		return "none"
	case authCode.CodeChallengeMethod == PKCEMethodPlain:
		return "plain"
	default:
		return "S256"
	}
}
