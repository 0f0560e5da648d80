// Package storage provides interfaces and utilities for OAuth token, client, and flow persistence.
//
// The storage package defines the core storage interfaces used throughout the grantkit library:
//   - TokenStore: Manages OAuth access and refresh tokens
//   - RefreshTokenFamilyStore: Tracks refresh token families for rotation reuse detection
//   - TokenRevocationStore: Bulk revocation for user+client combinations
//   - ClientStore: Manages registered OAuth clients
//   - FlowStore: Manages authorization codes and their single-use consumption
//   - DeviceStore: Manages RFC 8628 device authorizations and polling state
//
// This package also provides shared types and input size limits enforced by
// all storage implementations.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing, and single-instance deployments
//   - storage/redis: Redis-backed distributed storage for production
package storage
