package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/storage"
)

// PKCE constants (RFC 7636)
const (
	// MinCodeVerifierLength is the minimum length for PKCE code verifiers
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the maximum length for PKCE code verifiers
	MaxCodeVerifierLength = 128

	// PKCEMethodS256 is the SHA256-based code challenge method (recommended)
	PKCEMethodS256 = "S256"

	// PKCEMethodPlain is the plaintext code challenge method (deprecated)
	PKCEMethodPlain = "plain"
)

// DangerousSchemes lists URI schemes that must never appear in redirect
// URIs. Each of these can execute code or read local data in a browser.
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// validatePKCE verifies a code_verifier against the challenge bound to an
// authorization code (RFC 7636 §4.6). Comparisons are constant-time.
func (s *Server) validatePKCE(authCode *storage.AuthorizationCode, codeVerifier string) error {
	if authCode.CodeChallenge == "" {
		if s.Config.RequirePKCE {
			// The code should never have been issued without a challenge;
			// reject in case storage predates the config change.
			return fmt.Errorf("authorization code has no PKCE challenge but PKCE is required")
		}
		return nil
	}

	if codeVerifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	if len(codeVerifier) < MinCodeVerifierLength || len(codeVerifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be between %d and %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	// RFC 7636 §4.1: verifier = high-entropy string of [A-Za-z0-9-._~]
	for _, c := range codeVerifier {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~') {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	switch authCode.CodeChallengeMethod {
	case PKCEMethodS256, "":
		// S256 is the default when the method was omitted at issue time
		hash := sha256.Sum256([]byte(codeVerifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(authCode.CodeChallenge)) != 1 {
			return fmt.Errorf("code_verifier does not match code_challenge")
		}
		return nil

	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("plain code_challenge_method is not allowed")
		}
		s.Logger.Warn("Client used deprecated 'plain' PKCE method",
			"client_id", authCode.ClientID,
			"recommendation", "migrate to S256")
		if subtle.ConstantTimeCompare([]byte(codeVerifier), []byte(authCode.CodeChallenge)) != 1 {
			return fmt.Errorf("code_verifier does not match code_challenge")
		}
		return nil

	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", authCode.CodeChallengeMethod)
	}
}

// validateCodeChallenge checks a PKCE challenge at authorization time,
// before an authorization code is issued against it.
func (s *Server) validateCodeChallenge(codeChallenge, codeChallengeMethod string) error {
	if codeChallenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}

	if len(codeChallenge) < MinCodeVerifierLength || len(codeChallenge) > MaxCodeVerifierLength {
		return fmt.Errorf("code_challenge must be between %d and %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	switch codeChallengeMethod {
	case PKCEMethodS256, "":
		return nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("plain code_challenge_method is not allowed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", codeChallengeMethod)
	}
}

// validateRedirectURI checks that a redirect URI exactly matches one of the
// client's registered URIs. OAuth 2.1 requires exact string matching; no
// partial or prefix matching is performed.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return s.validateRedirectURIFormat(redirectURI)
		}
	}

	return fmt.Errorf("redirect_uri is not registered for this client")
}

// validateRedirectURIFormat applies the scheme security rules shared by
// client registration and authorization:
//   - the URI must parse and carry no fragment (RFC 6749 §3.1.2)
//   - dangerous schemes (javascript:, data:, ...) are rejected outright
//   - http is only allowed for loopback hosts (native apps, RFC 8252 §7.3)
//   - custom schemes (com.example.app:/callback) are allowed for native apps
func (s *Server) validateRedirectURIFormat(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URI: %w", err)
	}

	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}

	for _, dangerous := range DangerousSchemes {
		if scheme == dangerous {
			return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
		}
	}

	switch scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("redirect_uri must have a host")
		}
		return nil
	case "http":
		if !util.IsLoopbackHostname(u.Hostname()) {
			return fmt.Errorf("http redirect_uri is only allowed for loopback addresses")
		}
		return nil
	default:
		// Custom scheme for native apps. RFC 3986 scheme syntax only.
		for i, c := range scheme {
			if i == 0 {
				if c < 'a' || c > 'z' {
					return fmt.Errorf("redirect_uri scheme must start with a letter")
				}
				continue
			}
			if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '+' || c == '-' || c == '.') {
				return fmt.Errorf("redirect_uri scheme contains invalid characters")
			}
		}
		return nil
	}
}

// validateScopes checks requested scopes against the server's supported set.
// An empty supported set allows any syntactically valid scope.
func (s *Server) validateScopes(scope string) error {
	requested := strings.Fields(scope)

	for _, sc := range requested {
		// RFC 6749 §3.3: scope tokens are printable ASCII except backslash
		// and double quote
		for _, c := range sc {
			if c < 0x21 || c > 0x7e || c == '"' || c == '\\' {
				return fmt.Errorf("scope contains invalid characters")
			}
		}
	}

	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	for _, sc := range requested {
		if !containsString(s.Config.SupportedScopes, sc) {
			return fmt.Errorf("scope %q is not supported", sc)
		}
	}

	return nil
}

// validateClientScopes checks that every requested scope is within the
// client's registered scopes. The error is deliberately generic: naming the
// offending scope would let clients enumerate other clients' grants.
func (s *Server) validateClientScopes(client *storage.Client, scope string) error {
	if len(client.Scopes) == 0 {
		return nil
	}

	for _, sc := range strings.Fields(scope) {
		if !containsString(client.Scopes, sc) {
			s.Logger.Debug("Scope outside client registration",
				"client_id", client.ClientID,
				"scope", sc)
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}

	return nil
}

// scopeSubset reports whether every scope token in requested appears in
// granted. Empty requested is trivially a subset.
func scopeSubset(requested, granted string) bool {
	grantedSet := strings.Fields(granted)
	for _, sc := range strings.Fields(requested) {
		if !containsString(grantedSet, sc) {
			return false
		}
	}
	return true
}

// normalizeScope canonicalizes scope whitespace
func normalizeScope(scope string) string {
	return strings.Join(strings.Fields(scope), " ")
}

// grantedScope resolves the scope to bind to a grant: the validated request
// when present, otherwise the client's full registered scope set
// (RFC 6749 §3.3 server default).
func grantedScope(client *storage.Client, requested string) string {
	if normalized := normalizeScope(requested); normalized != "" {
		return normalized
	}
	return strings.Join(client.Scopes, " ")
}

// validateResources checks RFC 8707 resource indicator syntax: each value
// must be an absolute URI without a fragment (RFC 8707 §2).
func validateResources(resources []string) error {
	for _, resource := range resources {
		u, err := url.Parse(resource)
		if err != nil {
			return fmt.Errorf("resource is not a valid URI: %w", err)
		}
		if !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("resource must be an absolute URI")
		}
		if u.Fragment != "" {
			return fmt.Errorf("resource must not contain a fragment")
		}
	}
	return nil
}

// clientResourcesAllowed checks requested resources against the client's
// registered audience set using the configured matcher. Clients registered
// without audiences may request any resource.
func (s *Server) clientResourcesAllowed(client *storage.Client, resources []string) bool {
	if len(client.Audiences) == 0 {
		return true
	}
	for _, resource := range resources {
		if !s.AudienceMatcher.Matches(resource, client.Audiences) {
			return false
		}
	}
	return true
}

// selectResources applies RFC 8707 narrowing: the requested resources must
// all be covered by the granted set; an empty request inherits every
// granted resource.
func (s *Server) selectResources(granted, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return granted, nil
	}
	if err := validateResources(requested); err != nil {
		return nil, err
	}
	for _, resource := range requested {
		if !s.AudienceMatcher.Matches(resource, granted) {
			return nil, fmt.Errorf("resource %q is outside the granted set", resource)
		}
	}
	return requested, nil
}

// clientAllowsGrant reports whether the client is registered for a grant
// type. Clients registered without explicit grant types get the default
// authorization_code + refresh_token pair; device and client_credentials
// grants always require explicit registration.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	if len(client.GrantTypes) == 0 {
		return grantType == GrantTypeAuthorizationCode || grantType == GrantTypeRefreshToken
	}
	return containsString(client.GrantTypes, grantType)
}

// validateHTTPSEnforcement validates that the issuer uses HTTPS
// (OAuth 2.1 requirement), with exceptions for loopback development setups
// and an explicit insecure override.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return nil
	}

	u, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHostname(u.Hostname()) {
			return nil
		}
		if s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  SECURITY WARNING: Issuer uses insecure HTTP",
				"issuer", s.Config.Issuer,
				"recommendation", "use HTTPS in production")
			return nil
		}
		return fmt.Errorf("issuer must use HTTPS (set AllowInsecureHTTP for development)")
	default:
		return fmt.Errorf("issuer must be an http(s) URL, got scheme %q", u.Scheme)
	}
}

// containsString reports whether list contains s
func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
