// Package redis provides a Redis storage backend for the grantkit library.
//
// This package implements all storage interfaces required by the grant
// engine, making it suitable for production deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements the full composite [storage.Store]:
//
//   - [storage.TokenStore]: Access and refresh token records
//   - [storage.RefreshTokenFamilyStore]: Token family tracking for reuse detection
//   - [storage.TokenRevocationStore]: Bulk revocation for security scenarios
//   - [storage.ClientStore]: Registered client management
//   - [storage.FlowStore]: Authorization codes
//   - [storage.DeviceStore]: Device authorization grant state
//
// # Key Schema
//
// All keys use a configurable prefix (default "grantkit:") to avoid conflicts
// with other applications sharing the same Redis instance. Secret-addressed
// records (tokens, codes) are keyed by the SHA-256 digest of the secret, so
// raw token material never appears in the Redis key space:
//
//	{prefix}access:{digest}            -> JSON(TokenMetadata)
//	{prefix}refresh:{digest}           -> JSON(RefreshTokenMetadata)
//	{prefix}refresh:family:{digest}    -> familyID (kept past consumption)
//	{prefix}family:{familyID}          -> JSON(RefreshTokenFamily)
//	{prefix}family:tokens:{familyID}   -> SET of token digests
//	{prefix}code:{digest}              -> JSON(AuthorizationCode)
//	{prefix}device:{digest}            -> JSON(DeviceAuthorization)
//	{prefix}device:user:{digest}       -> device code digest
//	{prefix}client:{clientID}          -> JSON(Client)
//	{prefix}client:ip:{ip}             -> count (with TTL)
//	{prefix}userclient:{uid}:{cid}     -> SET of access token digests
//	{prefix}userclient:families:{uid}:{cid} -> SET of familyIDs
//
// # Atomic Operations
//
// Security-critical state transitions are atomic via Lua scripts, giving the
// same one-winner guarantees as the in-memory implementation:
//
//   - AtomicConsumeAuthorizationCode: single-use codes, replay detection
//   - AtomicGetAndDeleteRefreshToken: rotation consume, reuse detection
//   - AtomicPollDeviceAuthorization: interval enforcement, approval claim
//   - ApproveDeviceAuthorization / DenyDeviceAuthorization: pending-only transitions
//
// # Expiry
//
// Key TTLs are set slightly past the stored expiry (by the clock skew grace
// period), and lookups check the stored expires_at field. This keeps expiry
// decisions consistent with the in-memory store rather than depending on
// Redis eviction timing. Token->family mappings outlive their tokens for the
// configured retention window so replays of rotated tokens remain
// attributable to their family.
//
// # Configuration
//
// Basic usage:
//
//	store, err := redis.New(redis.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "grantkit:",
//	})
//
// With TLS:
//
//	store, err := redis.New(redis.Config{
//	    Address:  "redis.example.com:6379",
//	    Password: os.Getenv("REDIS_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Token Encryption at Rest
//
// Secret fields inside stored records (token values, codes) can additionally
// be encrypted before they reach Redis:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// When enabled, secrets are encrypted with AES-256-GCM before storage and
// decrypted on retrieval. Digest keys are unaffected, so lookups work the
// same with or without encryption.
//
// # Security Considerations
//
//   - Raw secrets never appear in keys; records are digest-addressed
//   - All token records carry TTLs to prevent unbounded growth
//   - Lua scripts ensure atomicity for single-use and rotation semantics
//   - Constant-time bcrypt comparison in client secret validation
//   - Revoked family records are retained for forensics (default 90 days)
//   - Input size validation rejects oversized records
package redis
