// Package audience provides pluggable audience matching for access tokens.
//
// An access token may be bound to one or more audiences (RFC 8707 resource
// identifiers). A Matcher decides whether a token bound to a set of audiences
// may be used against a particular resource URI. The package ships three
// policies:
//
//   - PrefixMatcher: hierarchical matching on path segment boundaries
//     (a token for https://api.example.com/v1 works for /v1/users but not
//     /v2/users). This is the default for resource servers that front a
//     path-structured API.
//   - ExactMatcher: strict URI equality after trailing-slash normalization.
//   - AcceptAll: disables audience checking entirely.
//
// All matchers treat an empty audience set as unrestricted: tokens issued
// without audience binding are accepted everywhere. Custom policies plug in
// through MatcherFunc.
package audience
