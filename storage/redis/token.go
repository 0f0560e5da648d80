package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// luaConsumeRefreshToken atomically retrieves and deletes a refresh token.
// This is the rotation consume step: only ONE concurrent request can succeed,
// every other caller observes NOT_FOUND, which the engine treats as a
// potential replay and resolves through the family record.
//
// KEYS[1] = refresh token key
// KEYS[2] = token->family mapping key
// ARGV[1] = expiry check timestamp (Unix seconds, grace period applied)
// ARGV[2] = retention TTL in seconds for the family mapping
//
// Returns:
//   - the stored JSON record on success
//   - "NOT_FOUND" if the token doesn't exist (may already be rotated)
//   - "EXPIRED" if the stored expiry has passed
//
// The family mapping (KEYS[2]) is deliberately NOT deleted: a replay of the
// consumed token must still resolve to its family so the reuse can be
// detected and the family revoked. Its TTL is extended to the retention
// window instead.
var luaConsumeRefreshToken = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local meta = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(meta.expires_at)
if expiresAt and expiresAt > 0 and now > expiresAt then
    return 'EXPIRED'
end

redis.call('DEL', KEYS[1])

local retention = tonumber(ARGV[2])
if retention and retention > 0 then
    redis.call('EXPIRE', KEYS[2], retention)
end

return data
`)

// SaveAccessToken saves an access token and its metadata. The record is
// keyed by the token's digest and expires shortly after the token itself;
// the token digest is also indexed by family and by user+client so bulk
// revocation can find it.
func (s *Store) SaveAccessToken(ctx context.Context, meta *storage.TokenMetadata) error {
	if meta == nil || meta.Token == "" {
		return fmt.Errorf("invalid token metadata")
	}
	if err := storage.ValidateTokenValue(meta.Token); err != nil {
		return err
	}

	stored := *meta
	if err := s.seal(&stored.Token); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	data, err := json.Marshal(toTokenMetadataJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal token metadata: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	var ttl time.Duration
	if !meta.ExpiresAt.IsZero() {
		ttl = keyTTL(meta.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("access token already expired")
		}
	}

	digest := secretDigest(meta.Token)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.accessKey(digest), data, ttl)
	if meta.FamilyID != "" {
		famSetKey := s.familyTokensKey(meta.FamilyID)
		pipe.SAdd(ctx, famSetKey, digest)
		if ttl > 0 {
			touchSetTTL(ctx, pipe, famSetKey, ttl)
		}
	}
	if meta.UserID != "" {
		ucKey := s.userClientKey(meta.UserID, meta.ClientID)
		pipe.SAdd(ctx, ucKey, digest)
		if ttl > 0 {
			touchSetTTL(ctx, pipe, ucKey, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"client_id", meta.ClientID,
		"grant_type", meta.GrantType,
		"token_prefix", util.SafeTruncate(digest, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves metadata for an access token.
// The stored expiry is checked with clock skew grace; expired and revoked
// tokens are reported as typed errors.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.TokenMetadata, error) {
	data, err := s.client.Get(ctx, s.accessKey(secretDigest(token))).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var j tokenMetadataJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token metadata: %w", err)
	}

	meta := fromTokenMetadataJSON(&j)
	if security.IsTokenExpired(meta.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
	}
	if meta.Revoked {
		return nil, storage.ErrTokenRevoked
	}

	if err := s.open(&meta.Token); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return meta, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.accessKey(secretDigest(token))).Err(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	s.logger.Debug("Deleted access token")
	return nil
}

// SaveRefreshToken saves a refresh token, its metadata, and its family
// record. The family record is keyed by family ID and updated on every
// rotation; the token->family mapping enables reuse detection after the
// token itself is consumed.
func (s *Store) SaveRefreshToken(ctx context.Context, meta *storage.RefreshTokenMetadata) error {
	if meta == nil || meta.Token == "" {
		return fmt.Errorf("invalid refresh token metadata")
	}
	if meta.UserID == "" && meta.ClientID == "" {
		return fmt.Errorf("refresh token requires a user or client binding")
	}
	if meta.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}
	if err := storage.ValidateTokenValue(meta.Token); err != nil {
		return err
	}
	if err := storage.ValidateIDValue(meta.FamilyID); err != nil {
		return err
	}

	ttl := keyTTL(meta.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	stored := *meta
	if err := s.seal(&stored.Token, &stored.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	data, err := json.Marshal(toRefreshTokenMetadataJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token metadata: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	family, err := s.familyRecordForSave(ctx, meta)
	if err != nil {
		return err
	}
	famData, err := json.Marshal(toRefreshTokenFamilyJSON(family))
	if err != nil {
		return fmt.Errorf("failed to marshal family record: %w", err)
	}

	digest := secretDigest(meta.Token)
	famSetKey := s.familyTokensKey(meta.FamilyID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.refreshKey(digest), data, ttl)
	pipe.Set(ctx, s.tokenFamilyKey(digest), meta.FamilyID, ttl)
	pipe.Set(ctx, s.familyKey(meta.FamilyID), famData, ttl)
	pipe.SAdd(ctx, famSetKey, digest)
	touchSetTTL(ctx, pipe, famSetKey, ttl)
	if meta.UserID != "" {
		ucfKey := s.userClientFamiliesKey(meta.UserID, meta.ClientID)
		pipe.SAdd(ctx, ucfKey, meta.FamilyID)
		touchSetTTL(ctx, pipe, ucfKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"client_id", meta.ClientID,
		"family_id", util.SafeTruncate(meta.FamilyID, tokenIDLogLength),
		"generation", meta.Generation,
		"expires_at", meta.ExpiresAt)
	return nil
}

// familyRecordForSave loads the existing family record and advances its
// generation, or creates a fresh record for a new family.
func (s *Store) familyRecordForSave(ctx context.Context, meta *storage.RefreshTokenMetadata) (*storage.RefreshTokenFamily, error) {
	data, err := s.client.Get(ctx, s.familyKey(meta.FamilyID)).Result()
	if err != nil {
		if isNil(err) {
			return &storage.RefreshTokenFamily{
				FamilyID:   meta.FamilyID,
				UserID:     meta.UserID,
				ClientID:   meta.ClientID,
				Generation: meta.Generation,
				IssuedAt:   time.Now(),
			}, nil
		}
		return nil, fmt.Errorf("failed to get family record: %w", err)
	}

	var j refreshTokenFamilyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal family record: %w", err)
	}

	family := fromRefreshTokenFamilyJSON(&j)
	family.Generation = meta.Generation
	return family, nil
}

// GetRefreshToken retrieves metadata for a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error) {
	data, err := s.client.Get(ctx, s.refreshKey(secretDigest(token))).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	meta, err := s.decodeRefreshTokenMetadata(data)
	if err != nil {
		return nil, err
	}
	if security.IsTokenExpired(meta.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrRefreshTokenExpired)
	}
	return meta, nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a refresh
// token. This is the rotation consume step.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// request can succeed. All other callers receive ErrRefreshTokenNotFound.
// The token->family mapping is deliberately retained so a replay of the
// consumed token is detectable via GetRefreshTokenFamily.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error) {
	digest := secretDigest(token)
	keys := []string{s.refreshKey(digest), s.tokenFamilyKey(digest)}

	result, err := luaConsumeRefreshToken.Run(ctx, s.client, keys,
		expiryCheckTime(time.Now()),
		int64(s.retentionTTL().Seconds()),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh token consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrRefreshTokenNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrRefreshTokenExpired)
	}

	meta, err := s.decodeRefreshTokenMetadata(result)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Atomically consumed refresh token",
		"family_id", util.SafeTruncate(meta.FamilyID, tokenIDLogLength),
		"generation", meta.Generation)
	return meta, nil
}

// decodeRefreshTokenMetadata unmarshals a stored refresh token record and
// decrypts its secret fields.
func (s *Store) decodeRefreshTokenMetadata(data string) (*storage.RefreshTokenMetadata, error) {
	var j refreshTokenMetadataJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token metadata: %w", err)
	}

	meta := fromRefreshTokenMetadataJSON(&j)
	if err := s.open(&meta.Token, &meta.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return meta, nil
}
