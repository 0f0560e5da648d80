// Package security holds the cross-cutting protections the authorization
// server leans on: rate limiting, at-rest encryption of store records,
// security response headers, request ID propagation, clock skew
// tolerance, and audit logging of security-relevant events.
//
// # Rate limiting
//
// Two limiter shapes cover different abuse patterns. RateLimiter is a
// per-identifier token bucket for request traffic (per IP, per user);
// ClientRegistrationRateLimiter counts registrations per IP over a
// sliding window, since registration abuse is slow record creation
// rather than request floods. Both bound the identifiers they track
// and evict the least recently seen at capacity, so rotating source
// addresses cannot grow server memory without limit:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429 Too Many Requests
//	}
//
// # Encryption at rest
//
// Encryptor seals individual record fields with AES-256-GCM before a
// store persists them. Stores address records by digest of the
// plaintext, so encryption never changes lookups. An Encryptor built
// with no key passes values through unchanged, keeping call sites
// identical whether sealing is configured or not.
//
// # Audit logging
//
// Auditor emits structured security events (failed client
// authentication, redirect URI mismatches, rate limit hits) through
// slog, to be rate limited by the caller so an attacker cannot flood
// the log stream.
package security
