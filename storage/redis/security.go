package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// RefreshTokenFamilyStore Implementation
// ============================================================

// GetRefreshTokenFamily resolves a refresh token to its family record.
// The token->family mapping survives token consumption (its TTL is extended
// to the retention window), so this works for already-rotated tokens too;
// that is what makes replay of a consumed token detectable.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, refreshToken string) (*storage.RefreshTokenFamily, error) {
	familyID, err := s.client.Get(ctx, s.tokenFamilyKey(secretDigest(refreshToken))).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrTokenFamilyNotFound
		}
		return nil, fmt.Errorf("failed to resolve token family: %w", err)
	}

	data, err := s.client.Get(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrTokenFamilyNotFound
		}
		return nil, fmt.Errorf("failed to get family record: %w", err)
	}

	var j refreshTokenFamilyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal family record: %w", err)
	}
	return fromRefreshTokenFamilyJSON(&j), nil
}

// RevokeRefreshTokenFamily revokes an entire refresh token family: the
// family record is marked revoked and kept for the retention window, and
// every access and refresh token issued under the family is deleted.
// Returns the number of tokens deleted.
//
// SECURITY: This is the response to refresh token reuse. Deleting the
// tokens (rather than flagging them) makes the revocation effective on the
// next lookup with no extra check.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	famKey := s.familyKey(familyID)

	data, err := s.client.Get(ctx, famKey).Result()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get family record: %w", err)
	}

	var j refreshTokenFamilyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return 0, fmt.Errorf("failed to unmarshal family record: %w", err)
	}

	family := fromRefreshTokenFamilyJSON(&j)
	family.Revoked = true
	family.RevokedAt = time.Now()

	famData, err := json.Marshal(toRefreshTokenFamilyJSON(family))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal family record: %w", err)
	}

	retention := s.retentionTTL()
	if err := s.client.Set(ctx, famKey, famData, retention).Err(); err != nil {
		return 0, fmt.Errorf("failed to mark family revoked: %w", err)
	}

	famSetKey := s.familyTokensKey(familyID)
	digests, err := s.client.SMembers(ctx, famSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list family tokens: %w", err)
	}

	pipe := s.client.TxPipeline()
	delCmds := make([]*redis.IntCmd, 0, len(digests)*2)
	for _, digest := range digests {
		delCmds = append(delCmds,
			pipe.Del(ctx, s.accessKey(digest)),
			pipe.Del(ctx, s.refreshKey(digest)))
		// Keep the token->family mapping alive for the retention window so
		// replays of any family member stay attributable.
		pipe.Expire(ctx, s.tokenFamilyKey(digest), retention)
	}
	pipe.Del(ctx, famSetKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete family tokens: %w", err)
	}

	revoked := 0
	for _, cmd := range delCmds {
		revoked += int(cmd.Val())
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// IsFamilyRevoked reports whether a refresh token family has been revoked.
// An unknown family is not revoked.
func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	data, err := s.client.Get(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get family record: %w", err)
	}

	var j refreshTokenFamilyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return false, fmt.Errorf("failed to unmarshal family record: %w", err)
	}
	return j.Revoked, nil
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeAllTokensForUserClient revokes all tokens issued to a user+client
// pair: every refresh token family they own, then any access tokens not
// covered by a family. Returns the total number of tokens revoked.
//
// SECURITY: This is the response to authorization code replay.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("user ID and client ID are required")
	}
	if err := storage.ValidateIDValue(userID); err != nil {
		return 0, err
	}
	if err := storage.ValidateIDValue(clientID); err != nil {
		return 0, err
	}

	total := 0

	ucfKey := s.userClientFamiliesKey(userID, clientID)
	familyIDs, err := s.client.SMembers(ctx, ucfKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user families: %w", err)
	}
	for _, familyID := range familyIDs {
		n, rerr := s.RevokeRefreshTokenFamily(ctx, familyID)
		if rerr != nil {
			s.logger.Warn("Failed to revoke family during user+client revocation",
				"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
				"error", rerr)
			continue
		}
		total += n
	}

	ucKey := s.userClientKey(userID, clientID)
	digests, err := s.client.SMembers(ctx, ucKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user tokens: %w", err)
	}

	pipe := s.client.TxPipeline()
	delCmds := make([]*redis.IntCmd, 0, len(digests))
	for _, digest := range digests {
		delCmds = append(delCmds, pipe.Del(ctx, s.accessKey(digest)))
	}
	pipe.Del(ctx, ucKey)
	pipe.Del(ctx, ucfKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete user tokens: %w", err)
	}

	// Family-owned access tokens were already counted by the family pass
	// and their keys deleted, so these DELs return 0 for them.
	for _, cmd := range delCmds {
		total += int(cmd.Val())
	}

	s.logger.Warn("Revoked all tokens for user and client",
		"user_id", userID,
		"client_id", clientID,
		"tokens_revoked", total,
		"reason", "authorization_code_reuse_detected")
	return total, nil
}

// GetTokensByUserClient returns the live access tokens for a user+client
// pair. Tokens whose records have expired out of Redis are skipped.
func (s *Store) GetTokensByUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	if userID == "" || clientID == "" {
		return nil, fmt.Errorf("user ID and client ID are required")
	}

	digests, err := s.client.SMembers(ctx, s.userClientKey(userID, clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user tokens: %w", err)
	}

	tokens := make([]string, 0, len(digests))
	for _, digest := range digests {
		data, gerr := s.client.Get(ctx, s.accessKey(digest)).Result()
		if gerr != nil {
			if isNil(gerr) {
				continue
			}
			return nil, fmt.Errorf("failed to get access token: %w", gerr)
		}

		var j tokenMetadataJSON
		if uerr := json.Unmarshal([]byte(data), &j); uerr != nil {
			s.logger.Warn("Skipping malformed token record",
				"token_prefix", util.SafeTruncate(digest, tokenIDLogLength),
				"error", uerr)
			continue
		}

		meta := fromTokenMetadataJSON(&j)
		if oerr := s.open(&meta.Token); oerr != nil {
			s.logger.Warn("Skipping undecryptable token record",
				"token_prefix", util.SafeTruncate(digest, tokenIDLogLength),
				"error", oerr)
			continue
		}
		tokens = append(tokens, meta.Token)
	}
	return tokens, nil
}
