// Package grantkit implements the protocol core of an OAuth 2.0
// authorization server: grant state machines, token issuance and
// introspection, and the HTTP endpoints that expose them.
//
// The package splits into three layers:
//
//   - server: the grant engine. Authorization code with PKCE (RFC 7636),
//     device authorization (RFC 8628), refresh token rotation with family
//     revocation, and client credentials, all against a pluggable
//     storage.Store.
//   - grantkit (this package): the HTTP transport. Handler mounts the
//     token, device authorization, introspection (RFC 7662), revocation
//     (RFC 7009), dynamic client registration (RFC 7591), and discovery
//     (RFC 8414) endpoints on a standard http.ServeMux.
//   - bearer: the resource server side. Validates incoming bearer tokens
//     against a shared store or a remote introspection endpoint.
//
// Hosts own user authentication and consent: the engine exposes
// IssueAuthorizationCode and the device approval methods for the host's
// authorization UI to call, and everything protocol-facing is served by
// Handler.
package grantkit
