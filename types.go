package grantkit

// Grant type identifiers (RFC 6749 §4, RFC 8628 §3.4). Mirrored from the
// server package for hosts that only import the transport.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Client types and token endpoint authentication methods (RFC 7591 §2).
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"

	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

const tokenTypeBearer = "Bearer"

// TokenResponse is the token endpoint success body (RFC 6749 §5.1).
// RefreshToken is absent for grants that do not issue one; Scope is
// absent when no scope was granted.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// DeviceAuthorizationResponse is the device authorization endpoint
// success body (RFC 8628 §3.2). UserCode is formatted for display
// (grouped with hyphens); the verification endpoint accepts it with or
// without the separators.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// ErrorResponse is the OAuth error body (RFC 6749 §5.2).
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ClientRegistrationRequest is the dynamic client registration request
// body (RFC 7591 §2). Scope is space-separated per the RFC. Audience
// lists the resource identifiers the client may request tokens for;
// empty means unrestricted. ClientType may be omitted, in which case the
// token endpoint authentication method determines it.
type ClientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	ClientType              string   `json:"client_type,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	Audience                []string `json:"audience,omitempty"`
}
