// Package memory provides an in-memory implementation of the OAuth storage interfaces.
//
// This package implements all grantkit storage interfaces using Go's built-in
// maps with mutex protection for thread safety. It is suitable for development,
// testing, and single-instance deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic single-use consumption of authorization codes, refresh tokens, and device approvals
//   - Lazy expiry on every read plus a background cleanup sweep
//   - Configurable cleanup interval and revoked-family retention
//   - OpenTelemetry instrumentation support
//
// For production deployments requiring persistence or multi-instance deployments,
// use the storage/redis package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Close()
//
//	srv, _ := server.New(store, config, logger)
package memory
