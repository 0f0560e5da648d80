package server

import (
	"context"

	"github.com/grantkit/grantkit/internal/util"
)

// RevokeToken invalidates a token presented by its owning client (RFC 7009).
//
// Unknown tokens return nil: the client's goal (token no longer usable) is
// already met, and a distinct error would let callers probe which tokens
// exist (RFC 7009 §2.2). A token owned by a different client is treated the
// same way, except nothing is revoked.
//
// Revoking a refresh token revokes its whole rotation family, including the
// paired access tokens (RFC 7009 §2.1). Revoking an access token leaves any
// associated refresh token alive.
func (s *Server) RevokeToken(ctx context.Context, tok, tokenTypeHint, callerClientID, ipAddress string) error {
	if tok == "" {
		return errInvalidRequest("token parameter is required")
	}

	// The hint only orders the lookups (RFC 7009 §2.1); a wrong hint must
	// still find and revoke the token.
	if tokenTypeHint == "refresh_token" {
		if done, err := s.revokeRefreshToken(ctx, tok, callerClientID, ipAddress); done || err != nil {
			return err
		}
		if done, err := s.revokeAccessToken(ctx, tok, callerClientID, ipAddress); done || err != nil {
			return err
		}
	} else {
		if done, err := s.revokeAccessToken(ctx, tok, callerClientID, ipAddress); done || err != nil {
			return err
		}
		if done, err := s.revokeRefreshToken(ctx, tok, callerClientID, ipAddress); done || err != nil {
			return err
		}
	}

	s.Logger.Debug("Revocation request for unknown token",
		"client_id", callerClientID,
		"token", util.SafeTruncate(tok, 8))
	return nil
}

// revokeAccessToken reports done=true when the token resolved to an access
// token, whether or not the caller was entitled to revoke it.
func (s *Server) revokeAccessToken(ctx context.Context, tok, callerClientID, ipAddress string) (bool, error) {
	meta, err := s.tokenStore.GetAccessToken(ctx, tok)
	if err != nil || meta == nil {
		return false, nil
	}

	if meta.ClientID != callerClientID {
		// Silently ignored: revealing the mismatch would confirm the token
		// exists and name its owner.
		s.Logger.Debug("Revocation request from non-owning client ignored",
			"client_id", callerClientID,
			"token", util.SafeTruncate(tok, 8))
		return true, nil
	}

	if err := s.tokenStore.DeleteAccessToken(ctx, tok); err != nil {
		s.Logger.Error("Failed to delete access token during revocation", "error", err)
		return true, errServerError("failed to revoke token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(meta.UserID, callerClientID, ipAddress, "access_token")
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, "access_token")
	}
	s.Logger.Info("Access token revoked",
		"client_id", callerClientID,
		"token", util.SafeTruncate(tok, 8))
	return true, nil
}

// revokeRefreshToken reports done=true when the token resolved to a refresh
// token. Revocation cascades to the token's rotation family.
func (s *Server) revokeRefreshToken(ctx context.Context, tok, callerClientID, ipAddress string) (bool, error) {
	meta, err := s.tokenStore.GetRefreshToken(ctx, tok)
	if err != nil || meta == nil {
		return false, nil
	}

	if meta.ClientID != callerClientID {
		s.Logger.Debug("Revocation request from non-owning client ignored",
			"client_id", callerClientID,
			"token", util.SafeTruncate(tok, 8))
		return true, nil
	}

	revoked, err := s.familyStore.RevokeRefreshTokenFamily(ctx, meta.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke refresh token family during revocation",
			"error", err,
			"family_id", util.SafeTruncate(meta.FamilyID, 8))
		return true, errServerError("failed to revoke token")
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(meta.UserID, callerClientID, ipAddress, "refresh_token")
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, "refresh_token")
	}
	s.Logger.Info("Refresh token revoked with its family",
		"client_id", callerClientID,
		"family_id", util.SafeTruncate(meta.FamilyID, 8),
		"tokens_revoked", revoked)
	return true, nil
}
