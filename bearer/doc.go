// Package bearer validates Authorization: Bearer credentials for resource
// servers.
//
// A Validator runs in one of two modes. Local mode reads the authorization
// server's storage.TokenStore directly, so revocation and expiry are
// authoritative with no network hop. Remote mode introspects tokens against
// an RFC 7662 endpoint and fails closed: transport problems are reported as
// retryable validation errors, never as an authoritative "inactive".
//
// Beyond validity the Validator enforces required scopes and RFC 8707
// audience restrictions, with distinct errors for each failure so callers
// can answer 401 invalid_token, 403 insufficient_scope, and 403
// invalid_target correctly. Middleware wires all of it in front of an
// http.Handler and exposes the validated token through FromContext.
package bearer
