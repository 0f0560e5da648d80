package redis

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "grantkit:"

	// DefaultRevokedFamilyRetentionDays is the default retention period for revoked token families
	DefaultRevokedFamilyRetentionDays = 90

	// tokenIDLogLength is the number of characters to include when logging token digests
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// backgroundOpTimeout bounds store operations that run outside a request
	// context, such as IP tracking after a registration succeeds
	backgroundOpTimeout = 3 * time.Second

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	// This prevents memory exhaustion from oversized payloads
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Redis authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "grantkit:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetentionDays is the retention period for revoked token
	// family records, kept for security forensics and auditing. Default: 90 days
	RevokedFamilyRetentionDays int
}

// Store is a Redis-backed implementation of all storage interfaces.
// Token-addressed keys use the SHA-256 digest of the secret, so raw token
// material never appears in the Redis key space.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	revokedFamilyRetentionDays int

	// encryptor provides optional encryption at rest for secret fields
	// stored inside record values. Access must be synchronized via encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.TokenRevocationStore    = (*Store)(nil)
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.DeviceStore             = (*Store)(nil)
	_ storage.Store                   = (*Store)(nil)
)

// New creates a new Redis-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedFamilyRetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRevokedFamilyRetentionDays
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:                     client,
		prefix:                     prefix,
		logger:                     logger,
		revokedFamilyRetentionDays: retentionDays,
	}, nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	err := s.client.Close()
	s.logger.Info("Redis storage connection closed")
	return err
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor for secret fields at rest. When set, token
// values, authorization codes, and device/user codes stored inside record
// values are encrypted before writing and decrypted when retrieved. Keys are
// unaffected: they always hold digests, never raw secrets.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Secret encryption at rest enabled for Redis storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// seal encrypts the given secret fields in place when an encryptor is
// configured. Empty fields are left untouched.
func (s *Store) seal(fields ...*string) error {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return nil
	}
	return transformSecrets(enc.Encrypt, fields...)
}

// open decrypts the given secret fields in place when an encryptor is
// configured. Empty fields are left untouched.
func (s *Store) open(fields ...*string) error {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return nil
	}
	return transformSecrets(enc.Decrypt, fields...)
}

// transformSecrets applies fn to each non-empty field in place.
func transformSecrets(fn func(string) (string, error), fields ...*string) error {
	for _, f := range fields {
		if *f == "" {
			continue
		}
		v, err := fn(*f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================
//
// Keys addressed by a secret (tokens, codes) take the secret's SHA-256
// digest, computed with secretDigest. Keys addressed by a public identifier
// (client IDs, family IDs) take the identifier directly.

// secretDigest returns the hex SHA-256 digest used to address a secret in
// the key space.
func secretDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// accessKey returns the key for an access token record: {prefix}access:{digest}
func (s *Store) accessKey(digest string) string {
	return s.prefix + "access:" + digest
}

// refreshKey returns the key for a refresh token record: {prefix}refresh:{digest}
func (s *Store) refreshKey(digest string) string {
	return s.prefix + "refresh:" + digest
}

// tokenFamilyKey returns the key mapping a refresh token to its family ID:
// {prefix}refresh:family:{digest}. This mapping outlives the token itself so
// replays of rotated-out tokens remain attributable to their family.
func (s *Store) tokenFamilyKey(digest string) string {
	return s.prefix + "refresh:family:" + digest
}

// familyKey returns the key for a family record: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

// familyTokensKey returns the key for the set of token digests issued under
// a family: {prefix}family:tokens:{familyID}
func (s *Store) familyTokensKey(familyID string) string {
	return s.prefix + "family:tokens:" + familyID
}

// codeKey returns the key for an authorization code record: {prefix}code:{digest}
func (s *Store) codeKey(digest string) string {
	return s.prefix + "code:" + digest
}

// deviceKey returns the key for a device authorization record: {prefix}device:{digest}
func (s *Store) deviceKey(digest string) string {
	return s.prefix + "device:" + digest
}

// userCodeKey returns the key mapping a normalized user code to its device
// key digest: {prefix}device:user:{digest}
func (s *Store) userCodeKey(digest string) string {
	return s.prefix + "device:user:" + digest
}

// clientKey returns the key for a client record: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// clientIPKey returns the key for client registration IP tracking: {prefix}client:ip:{ip}
func (s *Store) clientIPKey(ip string) string {
	return s.prefix + "client:ip:" + ip
}

// userClientKey returns the key for the set of access token digests issued
// to a user+client pair: {prefix}userclient:{userID}:{clientID}
func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

// userClientFamiliesKey returns the key for the set of family IDs issued to
// a user+client pair: {prefix}userclient:families:{userID}:{clientID}
func (s *Store) userClientFamiliesKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:families:%s:%s", s.prefix, userID, clientID)
}

// ============================================================
// Shared Helpers
// ============================================================

// isNil reports whether the error indicates a missing key.
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// keyTTL returns the TTL for a key holding a record that expires at
// expiresAt. The TTL runs slightly past the record's expiry so the stored
// expiry field, which honors the clock skew grace period, stays
// authoritative; Redis eviction is the backstop, not the arbiter.
// Returns 0 if the record has already expired.
func keyTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl + security.DefaultClockSkewGracePeriod
}

// expiryCheckTime returns the timestamp Lua scripts compare against stored
// expiries: a record counts as expired only once the clock skew grace period
// has also passed.
func expiryCheckTime(now time.Time) int64 {
	return now.Add(-security.DefaultClockSkewGracePeriod).Unix()
}

// touchSetTTL extends a set's TTL to at least ttl without ever shortening
// it. The NX call covers freshly created sets, the GT call longer-lived
// members joining an existing set.
func touchSetTTL(ctx context.Context, pipe redis.Pipeliner, key string, ttl time.Duration) {
	pipe.ExpireNX(ctx, key, ttl)
	pipe.ExpireGT(ctx, key, ttl)
}

// retentionTTL returns the retention window applied to revoked family
// records and consumed token mappings.
func (s *Store) retentionTTL() time.Duration {
	return time.Duration(s.revokedFamilyRetentionDays) * 24 * time.Hour
}
