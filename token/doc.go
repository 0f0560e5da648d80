// Package token mints access token values.
//
// A Generator controls only the token string format; the storage layer
// remains the source of truth for validity, revocation, and introspection
// regardless of format. OpaqueGenerator (the default) produces random
// URL-safe strings with no embedded meaning. JWTGenerator produces
// self-encoded JWS tokens whose registered claims mirror the stored metadata,
// for deployments where resource servers want to inspect tokens without a
// storage round trip.
package token
