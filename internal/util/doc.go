// Package util provides common utility functions used across the grantkit library.
//
// This package contains helper functions for string manipulation, URL
// normalization, and IP address classification that don't fit into
// domain-specific packages. These utilities are used internally by multiple
// packages to avoid code duplication and maintain consistent behavior across
// the codebase.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - NormalizeURL: Trailing-slash normalization for issuer and audience comparison
//   - IsPrivateOrInternal, IsLinkLocal, IsLoopbackHostname: SSRF-oriented
//     address classification for outbound endpoint validation
package util
