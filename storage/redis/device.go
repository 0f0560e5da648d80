package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// DeviceStore Implementation
// ============================================================

// luaPollDeviceAuthorization performs one device token poll atomically:
// interval enforcement, status dispatch, and the approved->consumed
// transition all happen inside the script so concurrent pollers cannot
// both consume an approval.
//
// KEYS[1] = device authorization key
// ARGV[1] = expiry check timestamp (Unix seconds, grace period applied)
// ARGV[2] = poll timestamp (Unix seconds)
// ARGV[3] = slow_down interval increment (seconds)
//
// Returns:
//   - the consumed JSON record when an approval is claimed
//   - "SLOW_DOWN:" + new interval when the poll came too soon
//   - "PENDING" / "DENIED" / "CONSUMED" for the respective states
//   - "NOT_FOUND" / "EXPIRED" otherwise
//
// Every poll, premature ones included, restarts the interval window, so a
// device that ignores slow_down keeps receiving it with a growing interval.
var luaPollDeviceAuthorization = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local auth = cjson.decode(data)

local graceNow = tonumber(ARGV[1])
local expiresAt = tonumber(auth.expires_at)
if expiresAt and expiresAt > 0 and graceNow > expiresAt then
    return 'EXPIRED'
end

local now = tonumber(ARGV[2])
local lastPolled = tonumber(auth.last_polled_at) or 0
local interval = tonumber(auth.interval) or 0
local premature = lastPolled > 0 and (now - lastPolled) < interval

auth.last_polled_at = now

if premature then
    auth.interval = interval + tonumber(ARGV[3])
    redis.call('SET', KEYS[1], cjson.encode(auth), 'KEEPTTL')
    return 'SLOW_DOWN:' .. auth.interval
end

if auth.status == 'pending' then
    redis.call('SET', KEYS[1], cjson.encode(auth), 'KEEPTTL')
    return 'PENDING'
end
if auth.status == 'denied' then
    redis.call('SET', KEYS[1], cjson.encode(auth), 'KEEPTTL')
    return 'DENIED'
end
if auth.status == 'consumed' then
    redis.call('SET', KEYS[1], cjson.encode(auth), 'KEEPTTL')
    return 'CONSUMED'
end
if auth.status == 'approved' then
    auth.status = 'consumed'
    redis.call('SET', KEYS[1], cjson.encode(auth), 'KEEPTTL')
    return cjson.encode(auth)
end

return 'UNKNOWN_STATUS:' .. tostring(auth.status)
`)

// luaFinalizeDeviceAuthorization applies the user's verification decision.
// Only a pending authorization can be approved or denied; the transition is
// atomic so two verification submissions cannot race.
//
// KEYS[1] = device authorization key
// ARGV[1] = expiry check timestamp (Unix seconds, grace period applied)
// ARGV[2] = target status ("approved" or "denied")
// ARGV[3] = user ID (approved only)
// ARGV[4] = username (approved only)
var luaFinalizeDeviceAuthorization = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local auth = cjson.decode(data)

local graceNow = tonumber(ARGV[1])
local expiresAt = tonumber(auth.expires_at)
if expiresAt and expiresAt > 0 and graceNow > expiresAt then
    return 'EXPIRED'
end

if auth.status ~= 'pending' then
    return 'NOT_PENDING:' .. auth.status
end

auth.status = ARGV[2]
if ARGV[2] == 'approved' then
    auth.user_id = ARGV[3]
    auth.username = ARGV[4]
end

redis.call('SET', KEYS[1], cjson.encode(auth), 'KEEPTTL')
return cjson.encode(auth)
`)

// SaveDeviceAuthorization saves a device authorization request. The record
// is keyed by the device code's digest; a secondary mapping from the user
// code's digest lets the verification UI find it. User code collisions with
// a different device code are rejected.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}
	if err := storage.ValidateTokenValue(auth.DeviceCode); err != nil {
		return err
	}

	ttl := keyTTL(auth.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("device authorization already expired")
	}

	deviceDigest := secretDigest(auth.DeviceCode)
	ucKey := s.userCodeKey(secretDigest(auth.UserCode))

	// Claim the user code first. SETNX loses to an existing mapping, in
	// which case the claim is valid only if it points at this same device
	// code (re-save of the same authorization).
	created, err := s.client.SetNX(ctx, ucKey, deviceDigest, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve user code: %w", err)
	}
	if !created {
		existing, gerr := s.client.Get(ctx, ucKey).Result()
		switch {
		case gerr != nil && isNil(gerr):
			// Mapping expired between SETNX and GET; take it.
			if serr := s.client.Set(ctx, ucKey, deviceDigest, ttl).Err(); serr != nil {
				return fmt.Errorf("failed to reserve user code: %w", serr)
			}
		case gerr != nil:
			return fmt.Errorf("failed to check user code: %w", gerr)
		case existing != deviceDigest:
			return fmt.Errorf("user code already in use")
		default:
			if serr := s.client.Set(ctx, ucKey, deviceDigest, ttl).Err(); serr != nil {
				return fmt.Errorf("failed to refresh user code: %w", serr)
			}
		}
	}

	stored := *auth
	if err := s.seal(&stored.DeviceCode, &stored.UserCode); err != nil {
		return fmt.Errorf("failed to encrypt device authorization: %w", err)
	}

	data, err := json.Marshal(toDeviceAuthorizationJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	if err := s.client.Set(ctx, s.deviceKey(deviceDigest), data, ttl).Err(); err != nil {
		if created {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), backgroundOpTimeout)
			defer cancel()
			if derr := s.client.Del(cleanupCtx, ucKey).Err(); derr != nil {
				s.logger.Warn("Failed to release user code after save failure", "error", derr)
			}
		}
		return fmt.Errorf("failed to save device authorization: %w", err)
	}

	s.logger.Debug("Saved device authorization",
		"client_id", auth.ClientID,
		"device_prefix", util.SafeTruncate(deviceDigest, tokenIDLogLength),
		"expires_at", auth.ExpiresAt)
	return nil
}

// GetDeviceAuthorization retrieves a device authorization by device code.
// No expiry check: callers inspecting terminal states need to see expired
// records too.
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	data, err := s.client.Get(ctx, s.deviceKey(secretDigest(deviceCode))).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrDeviceCodeNotFound
		}
		return nil, fmt.Errorf("failed to get device authorization: %w", err)
	}
	return s.decodeDeviceAuthorization(data)
}

// GetDeviceAuthorizationByUserCode retrieves a device authorization by user
// code. This is the verification UI lookup; expired authorizations are
// rejected here because the user cannot meaningfully act on them.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceDigest, err := s.client.Get(ctx, s.userCodeKey(secretDigest(userCode))).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrUserCodeNotFound
		}
		return nil, fmt.Errorf("failed to look up user code: %w", err)
	}

	data, err := s.client.Get(ctx, s.deviceKey(deviceDigest)).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrUserCodeNotFound
		}
		return nil, fmt.Errorf("failed to get device authorization: %w", err)
	}

	auth, err := s.decodeDeviceAuthorization(data)
	if err != nil {
		return nil, err
	}
	if security.IsTokenExpired(auth.ExpiresAt) {
		return nil, fmt.Errorf("%w: device code expired", storage.ErrDeviceCodeExpired)
	}
	return auth, nil
}

// AtomicPollDeviceAuthorization performs a single device token poll.
//
// SECURITY: The poll is atomic via Lua script. Interval enforcement happens
// before the status check, so premature polls always get slow_down with a
// grown interval, and only ONE poller can claim an approved authorization
// (everyone after sees ErrDeviceCodeConsumed).
func (s *Store) AtomicPollDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time, slowDownIncrement int64) (*storage.DeviceAuthorization, error) {
	result, err := luaPollDeviceAuthorization.Run(ctx, s.client,
		[]string{s.deviceKey(secretDigest(deviceCode))},
		expiryCheckTime(now),
		now.Unix(),
		slowDownIncrement,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute device poll: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrDeviceCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: device code expired", storage.ErrDeviceCodeExpired)
	case strings.HasPrefix(result, "SLOW_DOWN:"):
		interval, perr := strconv.ParseInt(strings.TrimPrefix(result, "SLOW_DOWN:"), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse slow_down interval: %w", perr)
		}
		return nil, fmt.Errorf("%w: retry in %d seconds", storage.ErrDeviceSlowDown, interval)
	case result == "PENDING":
		return nil, storage.ErrDeviceAuthorizationPending
	case result == "DENIED":
		return nil, storage.ErrDeviceAccessDenied
	case result == "CONSUMED":
		return nil, storage.ErrDeviceCodeConsumed
	case strings.HasPrefix(result, "UNKNOWN_STATUS:"):
		return nil, fmt.Errorf("device authorization in unexpected status %q", strings.TrimPrefix(result, "UNKNOWN_STATUS:"))
	}

	auth, err := s.decodeDeviceAuthorization(result)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Device authorization consumed",
		"client_id", auth.ClientID,
		"user_id", auth.UserID)
	return auth, nil
}

// ApproveDeviceAuthorization transitions a pending device authorization to
// approved and binds the approving user.
func (s *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, userID, username string) (*storage.DeviceAuthorization, error) {
	auth, err := s.finalizeDeviceAuthorization(ctx, userCode, storage.DeviceStatusApproved, userID, username)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Device authorization approved",
		"client_id", auth.ClientID,
		"user_id", userID)
	return auth, nil
}

// DenyDeviceAuthorization transitions a pending device authorization to denied
func (s *Store) DenyDeviceAuthorization(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	auth, err := s.finalizeDeviceAuthorization(ctx, userCode, storage.DeviceStatusDenied, "", "")
	if err != nil {
		return nil, err
	}
	s.logger.Info("Device authorization denied",
		"client_id", auth.ClientID)
	return auth, nil
}

// finalizeDeviceAuthorization resolves the user code and applies the
// approve/deny transition atomically.
func (s *Store) finalizeDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceAuthorizationStatus, userID, username string) (*storage.DeviceAuthorization, error) {
	deviceDigest, err := s.client.Get(ctx, s.userCodeKey(secretDigest(userCode))).Result()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrUserCodeNotFound
		}
		return nil, fmt.Errorf("failed to look up user code: %w", err)
	}

	result, err := luaFinalizeDeviceAuthorization.Run(ctx, s.client,
		[]string{s.deviceKey(deviceDigest)},
		expiryCheckTime(time.Now()),
		string(status),
		userID,
		username,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to execute device finalize: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		// The user code mapping outlived the record; treat as unknown.
		return nil, storage.ErrUserCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: device code expired", storage.ErrDeviceCodeExpired)
	case strings.HasPrefix(result, "NOT_PENDING:"):
		return nil, fmt.Errorf("%w: status is %s", storage.ErrDeviceNotPending, strings.TrimPrefix(result, "NOT_PENDING:"))
	}

	return s.decodeDeviceAuthorization(result)
}

// DeleteDeviceAuthorization removes a device authorization and its user
// code mapping.
func (s *Store) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	deviceDigest := secretDigest(deviceCode)

	data, err := s.client.Get(ctx, s.deviceKey(deviceDigest)).Result()
	if err != nil {
		if isNil(err) {
			return nil
		}
		return fmt.Errorf("failed to get device authorization: %w", err)
	}

	auth, err := s.decodeDeviceAuthorization(data)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.userCodeKey(secretDigest(auth.UserCode)))
	pipe.Del(ctx, s.deviceKey(deviceDigest))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete device authorization: %w", err)
	}

	s.logger.Debug("Deleted device authorization",
		"device_prefix", util.SafeTruncate(deviceDigest, tokenIDLogLength))
	return nil
}

// decodeDeviceAuthorization unmarshals a stored device record and decrypts
// its secret fields.
func (s *Store) decodeDeviceAuthorization(data string) (*storage.DeviceAuthorization, error) {
	var j deviceAuthorizationJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device authorization: %w", err)
	}

	auth := fromDeviceAuthorizationJSON(&j)
	if err := s.open(&auth.DeviceCode, &auth.UserCode); err != nil {
		return nil, fmt.Errorf("failed to decrypt device authorization: %w", err)
	}
	return auth, nil
}
