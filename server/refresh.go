package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/token"
)

// RefreshRequest carries the token endpoint parameters of a refresh_token
// grant. Scope and Resources may narrow the original grant; they can never
// widen it.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	Scope        string   // optional narrowing; empty keeps the granted scope
	Resources    []string // optional narrowing; empty keeps the granted audience
	IPAddress    string
}

// RefreshAccessToken redeems a refresh token for a new access token,
// rotating the refresh token by default (OAuth 2.1).
//
// The consume step runs first and is atomic: of N concurrent refreshes of
// one token, exactly one wins. The family check runs after a failed
// consume: a token that is gone from the store but whose family survives
// is a rotated-out token being replayed, which revokes the entire family
// and every token for the user+client pair.
func (s *Server) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenGrant, error) {
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Logger.Debug("Refresh for unknown client",
			"client_id", req.ClientID,
			"error", err)
		return nil, errInvalidClient("unknown client")
	}

	if !clientAllowsGrant(client, GrantTypeRefreshToken) {
		return nil, errUnauthorizedClient("client is not authorized for the refresh_token grant")
	}

	meta, err := s.tokenStore.AtomicGetAndDeleteRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.checkRefreshTokenReuse(ctx, req.RefreshToken, req.IPAddress)
		} else {
			s.Logger.Debug("Refresh token consume failed",
				"client_id", req.ClientID,
				"error", err)
		}
		// Unknown, expired, and replayed tokens all look the same to the
		// client.
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}

	if meta.ClientID != req.ClientID {
		s.Logger.Warn("Refresh token presented by wrong client",
			"token_client_id", meta.ClientID,
			"presenting_client_id", req.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(meta.UserID, req.ClientID, req.IPAddress, "refresh token client mismatch")
		}
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}

	// The consume path cannot see family state; re-check here so a token
	// that somehow survived its family's revocation is still rejected.
	if revoked, ferr := s.familyStore.IsFamilyRevoked(ctx, meta.FamilyID); ferr == nil && revoked {
		s.Logger.Warn("Refresh token from revoked family",
			"client_id", req.ClientID,
			"generation", meta.Generation)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventRevokedTokenFamilyReuseAttempt,
				UserID:    meta.UserID,
				ClientID:  meta.ClientID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"generation": meta.Generation},
			})
		}
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}

	// RFC 6749 §6: the requested scope must stay within the original grant.
	// The access token gets the narrowed scope; the rotated refresh token
	// keeps the original grant so later refreshes can use the full scope.
	newScope := meta.Scope
	if normalized := normalizeScope(req.Scope); normalized != "" {
		if !scopeSubset(normalized, meta.Scope) {
			return nil, errInvalidScope("requested scope exceeds the originally granted scope")
		}
		newScope = normalized
	}

	selected, err := s.selectResources(meta.Audience, req.Resources)
	if err != nil {
		s.Logger.Debug("Resource narrowing rejected on refresh",
			"client_id", req.ClientID,
			"error", err)
		return nil, errInvalidTarget("cannot escalate resource permissions beyond the original authorization grant")
	}

	now := time.Now()
	expiresAt := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)
	jti := uuid.NewString()

	accessToken, err := s.TokenGenerator.Generate(ctx, &token.Claims{
		Issuer:    s.Config.Issuer,
		Subject:   meta.UserID,
		ClientID:  meta.ClientID,
		Scope:     newScope,
		Audience:  selected,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.Logger.Error("Access token generation failed", "error", err)
		return nil, errServerError("failed to issue tokens")
	}

	if err := s.tokenStore.SaveAccessToken(ctx, &storage.TokenMetadata{
		Token:     accessToken,
		ClientID:  meta.ClientID,
		UserID:    meta.UserID,
		Username:  meta.Username,
		Scope:     newScope,
		Audience:  selected,
		GrantType: GrantTypeRefreshToken,
		FamilyID:  meta.FamilyID,
		JTI:       jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}); err != nil {
		s.Logger.Error("Failed to save access token", "error", err)
		return nil, errServerError("failed to issue tokens")
	}

	// Retire the access token the consumed refresh token was paired with.
	if meta.AccessToken != "" {
		if err := s.tokenStore.DeleteAccessToken(ctx, meta.AccessToken); err != nil {
			s.Logger.Debug("Failed to delete paired access token", "error", err)
		}
	}

	grant := &TokenGrant{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scope:       newScope,
	}

	rotated := s.Config.RotateRefreshTokens
	if rotated {
		newRefreshToken := generateRandomToken()
		if err := s.tokenStore.SaveRefreshToken(ctx, &storage.RefreshTokenMetadata{
			Token:       newRefreshToken,
			ClientID:    meta.ClientID,
			UserID:      meta.UserID,
			Username:    meta.Username,
			Scope:       meta.Scope,
			Audience:    meta.Audience,
			FamilyID:    meta.FamilyID,
			Generation:  meta.Generation + 1,
			AccessToken: accessToken,
			IssuedAt:    now,
			ExpiresAt:   now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		}); err != nil {
			s.Logger.Error("Failed to save rotated refresh token", "error", err)
			if delErr := s.tokenStore.DeleteAccessToken(ctx, accessToken); delErr != nil {
				s.Logger.Debug("Failed to clean up access token", "error", delErr)
			}
			return nil, errServerError("failed to issue tokens")
		}
		grant.RefreshToken = newRefreshToken
	} else {
		// Rotation disabled: put the presented token back unchanged apart
		// from its paired access token.
		s.Logger.Warn("Refresh token rotation is disabled; re-saving presented token",
			"client_id", meta.ClientID)
		restored := *meta
		restored.AccessToken = accessToken
		if err := s.tokenStore.SaveRefreshToken(ctx, &restored); err != nil {
			s.Logger.Error("Failed to re-save refresh token", "error", err)
			if delErr := s.tokenStore.DeleteAccessToken(ctx, accessToken); delErr != nil {
				s.Logger.Debug("Failed to clean up access token", "error", delErr)
			}
			return nil, errServerError("failed to issue tokens")
		}
		grant.RefreshToken = req.RefreshToken
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(meta.UserID, meta.ClientID, req.IPAddress, rotated)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, meta.ClientID, rotated)
	}

	s.Logger.Debug("Access token refreshed",
		"client_id", meta.ClientID,
		"rotated", rotated,
		"generation", meta.Generation)

	return grant, nil
}

// checkRefreshTokenReuse runs the post-consume forensics for a refresh
// token that was not found in the store. A surviving family record means
// the token existed once and was rotated out: that is a replay, either
// against a live family (fresh theft, revoke everything) or against an
// already-revoked one (attacker still trying).
func (s *Server) checkRefreshTokenReuse(ctx context.Context, refreshToken, ipAddress string) {
	family, err := s.familyStore.GetRefreshTokenFamily(ctx, refreshToken)
	if err != nil || family == nil {
		// Never issued by us or fully cleaned up. Nothing to do.
		return
	}

	if family.Revoked {
		if s.allowSecurityEvent(family.UserID + ":" + family.ClientID) {
			s.Logger.Error("SECURITY ALERT: Replay against revoked token family",
				"user_id", family.UserID,
				"client_id", family.ClientID,
				"generation", family.Generation,
				"revoked_at", family.RevokedAt)
		}
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventRevokedTokenFamilyReuseAttempt,
				UserID:    family.UserID,
				ClientID:  family.ClientID,
				IPAddress: ipAddress,
				Details:   map[string]any{"generation": family.Generation},
			})
		}
		if m := s.metrics(); m != nil {
			m.RecordTokenReuseDetected(ctx)
		}
		return
	}

	s.handleRefreshTokenReuse(ctx, family, ipAddress)
}

// handleRefreshTokenReuse responds to the first detected replay of a
// rotated-out refresh token. The presented token was valid once, so its
// whole lineage is presumed stolen (RFC 6819 §5.2.2.3).
func (s *Server) handleRefreshTokenReuse(ctx context.Context, family *storage.RefreshTokenFamily, ipAddress string) {
	if s.allowSecurityEvent(family.UserID + ":" + family.ClientID) {
		s.Logger.Error("SECURITY ALERT: Refresh token reuse detected",
			"user_id", family.UserID,
			"client_id", family.ClientID,
			"generation", family.Generation,
			"action", "revoking token family and all user+client tokens",
			"impact", "every session for this user+client pair is terminated")
	}

	// Step 1: revoke the family itself, killing its live members.
	familyRevoked, err := s.familyStore.RevokeRefreshTokenFamily(ctx, family.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after reuse",
			"client_id", family.ClientID,
			"error", err)
	}

	// Step 2: revoke everything else the pair holds, including tokens from
	// other grants.
	userRevoked, err := s.revocationStore.RevokeAllTokensForUserClient(ctx, family.UserID, family.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke user+client tokens after reuse",
			"client_id", family.ClientID,
			"error", err)
	}

	// Step 3: audit with the blast radius.
	if s.Auditor != nil {
		s.Auditor.LogTokenReuseDetected(family.UserID, family.ClientID, ipAddress, family.FamilyID, familyRevoked+userRevoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
	}
}
