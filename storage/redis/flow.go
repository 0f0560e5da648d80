package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// luaConsumeAuthorizationCode atomically marks an authorization code as used.
// The code record is kept (marked used) rather than deleted, so a second
// exchange attempt is distinguishable from an unknown code and the engine
// can revoke everything issued from the first exchange.
//
// KEYS[1] = authorization code key
// ARGV[1] = expiry check timestamp (Unix seconds, grace period applied)
//
// Returns:
//   - the updated JSON record (used=true) on first consume
//   - "ALREADY_USED:" + stored JSON if the code was consumed before
//   - "NOT_FOUND" / "EXPIRED" otherwise
var luaConsumeAuthorizationCode = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and expiresAt > 0 and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return cjson.encode(code)
`)

// SaveAuthorizationCode saves an authorization code. The record is keyed by
// the code's digest and expires with the code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := storage.ValidateTokenValue(code.Code); err != nil {
		return err
	}

	ttl := keyTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	stored := *code
	if err := s.seal(&stored.Code); err != nil {
		return fmt.Errorf("failed to encrypt authorization code: %w", err)
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	digest := secretDigest(code.Code)
	if err := s.client.Set(ctx, s.codeKey(digest), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(digest, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// Used codes are returned as-is; callers that need single-use semantics must
// go through AtomicConsumeAuthorizationCode.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Get(ctx, s.codeKey(secretDigest(code))).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	authCode, err := s.decodeAuthorizationCode(data)
	if err != nil {
		return nil, err
	}
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrAuthorizationCodeExpired)
	}
	return authCode, nil
}

// AtomicConsumeAuthorizationCode atomically validates and consumes an
// authorization code.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// exchange can succeed. When the code was already used, the stored record is
// returned alongside ErrAuthorizationCodeUsed so the caller can revoke the
// tokens issued from the first exchange.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := luaConsumeAuthorizationCode.Run(ctx, s.client,
		[]string{s.codeKey(secretDigest(code))},
		expiryCheckTime(time.Now()),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrAuthorizationCodeExpired)
	case strings.HasPrefix(result, "ALREADY_USED:"):
		stored := strings.TrimPrefix(result, "ALREADY_USED:")
		authCode, decErr := s.decodeAuthorizationCode(stored)
		if decErr != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		return authCode, storage.ErrAuthorizationCodeUsed
	}

	authCode, err := s.decodeAuthorizationCode(result)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Atomically consumed authorization code",
		"client_id", authCode.ClientID)
	return authCode, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, s.codeKey(secretDigest(code))).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}

// decodeAuthorizationCode unmarshals a stored code record and decrypts its
// secret field.
func (s *Store) decodeAuthorizationCode(data string) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	authCode := fromAuthorizationCodeJSON(&j)
	if err := s.open(&authCode.Code); err != nil {
		return nil, fmt.Errorf("failed to decrypt authorization code: %w", err)
	}
	return authCode, nil
}
