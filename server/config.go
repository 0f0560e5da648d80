package server

import (
	"log/slog"

	"github.com/grantkit/grantkit/internal/util"
)

// Config configures the grant engine. A zero value is usable: the
// constructor fills every unset field with its default, security
// switches on.
type Config struct {
	// Issuer is this server's issuer identifier, the base URL that
	// appears in discovery documents and token audiences.
	Issuer string

	// AuthorizationEndpoint is advertised in the discovery document.
	// The engine never serves it: the host renders authorization and
	// consent there and reports the outcome through
	// IssueAuthorizationCode. Defaults to Issuer + "/authorize".
	AuthorizationEndpoint string

	// VerificationURI is where users enter device user codes (RFC
	// 8628), advertised in device authorization responses. Served by
	// the host, like the authorization endpoint. Defaults to Issuer +
	// "/device".
	VerificationURI string

	// Lifetimes, in seconds.
	AuthorizationCodeTTL int64 // default 600
	AccessTokenTTL       int64 // default 3600
	RefreshTokenTTL      int64 // default 7776000 (90 days)
	DeviceCodeTTL        int64 // default 1800

	// DevicePollInterval is the minimum number of seconds between
	// device token polls, advertised as "interval". Default 5.
	DevicePollInterval int64

	// SlowDownIncrement is added to a device authorization's poll
	// interval every time the client polls early (RFC 8628 slow_down).
	// The increase sticks for the rest of that authorization. Default 5.
	SlowDownIncrement int64

	// UserCodeLength is the number of characters in a device user code,
	// not counting the display separator. Default 8.
	UserCodeLength int

	// RotateRefreshTokens invalidates the presented refresh token on
	// every refresh and issues a successor in the same family.
	// Replaying a rotated-out token revokes the whole family. Default
	// true.
	RotateRefreshTokens bool

	// RequirePKCE makes code_challenge mandatory on every authorization
	// request. Leave on unless stuck with clients that predate RFC
	// 7636. Default true.
	RequirePKCE bool

	// AllowPKCEPlain accepts the "plain" code_challenge_method, which
	// sends the verifier value itself as the challenge. S256 only
	// otherwise. Default false.
	AllowPKCEPlain bool

	// SupportedScopes restricts what clients may request. Empty means
	// any scope passes.
	SupportedScopes []string

	// IntrospectionScope is the scope a bearer access token must carry
	// to call the introspection endpoint in place of Basic client
	// credentials. Default "introspection".
	IntrospectionScope string

	// SessionManagementEnabled advertises OIDC Session Management: the
	// discovery document gains check_session_iframe. The iframe content
	// is served by the host.
	SessionManagementEnabled bool

	// CheckSessionIframe overrides the advertised iframe URL when
	// session management is enabled. Defaults to Issuer +
	// "/session/check".
	CheckSessionIframe string

	// TrustProxy reads client IPs from X-Forwarded-For and X-Real-IP.
	// Enable only behind a proxy you control; otherwise any client can
	// choose its own IP for rate limiting and audit purposes. Default
	// false.
	TrustProxy bool

	// TrustedProxyCount is how many proxies stand in front of this
	// server, used to pick the right X-Forwarded-For hop. Default 1.
	TrustedProxyCount int

	// MaxClientsPerIP caps dynamic client registrations per source
	// address. Default 10.
	MaxClientsPerIP int

	// ClockSkewGracePeriod is how many seconds past its expiry a token
	// is still honored, absorbing clock drift between the issuer and
	// its verifiers. Default 5.
	ClockSkewGracePeriod int64

	// RevokedFamilyRetentionDays is how long revoked refresh token
	// family records stay queryable before cleanup deletes them. The
	// records are the evidence trail behind reuse detection, so values
	// under a week are raised to 7. Default 90.
	RevokedFamilyRetentionDays int64

	// AllowInsecureHTTP permits a plain-http issuer on non-loopback
	// hosts, for development setups. Loopback issuers are always
	// accepted. Default false.
	AllowInsecureHTTP bool
}

// applySecureDefaults normalizes config in place: fill unset values,
// then either switch on the secure defaults or warn about what was
// deliberately switched off.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applyEndpointDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

func setIfZero[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func applyTimeDefaults(config *Config) {
	setIfZero(&config.AuthorizationCodeTTL, 600)
	setIfZero(&config.AccessTokenTTL, 3600)
	setIfZero(&config.RefreshTokenTTL, 90*24*3600)
	setIfZero(&config.DeviceCodeTTL, 1800)
	setIfZero(&config.DevicePollInterval, 5)
	setIfZero(&config.SlowDownIncrement, 5)
	setIfZero(&config.ClockSkewGracePeriod, 5)
	setIfZero(&config.UserCodeLength, 8)
	setIfZero(&config.TrustedProxyCount, 1)
	setIfZero(&config.MaxClientsPerIP, 10)

	switch {
	case config.RevokedFamilyRetentionDays == 0:
		config.RevokedFamilyRetentionDays = 90
	case config.RevokedFamilyRetentionDays < 7:
		config.RevokedFamilyRetentionDays = 7
	}
}

func applyEndpointDefaults(config *Config) {
	setIfZero(&config.IntrospectionScope, "introspection")

	issuer := util.NormalizeURL(config.Issuer)
	if issuer == "" {
		return
	}
	setIfZero(&config.AuthorizationEndpoint, issuer+"/authorize")
	setIfZero(&config.VerificationURI, issuer+"/device")
	setIfZero(&config.CheckSessionIframe, issuer+"/session/check")
}

// applySecurityDefaults tells a zero-valued Config apart from one that
// was deliberately configured. All security switches at their zero
// value almost certainly means the caller wants the defaults, so the
// secure settings go on. Any switch set means the caller made choices;
// those are kept, with warnings for the dangerous ones.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	configured := config.RotateRefreshTokens ||
		config.RequirePKCE ||
		config.AllowPKCEPlain ||
		config.TrustProxy ||
		config.AllowInsecureHTTP

	if !configured {
		config.RotateRefreshTokens = true
		config.RequirePKCE = true
		return
	}
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings calls out configured settings that weaken the
// deployment.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is DISABLED",
			"risk", "intercepted authorization codes can be redeemed by the attacker",
			"remedy", "set RequirePKCE=true")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "the code challenge travels in clear and protects nothing",
			"remedy", "set AllowPKCEPlain=false to require S256")
	}
	if !config.RotateRefreshTokens {
		logger.Warn("SECURITY WARNING: refresh token rotation is DISABLED",
			"risk", "a stolen refresh token stays valid until it expires",
			"remedy", "set RotateRefreshTokens=true")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "spoofed client IPs if the proxy chain is open",
			"remedy", "match TrustedProxyCount to the real proxy chain")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("SECURITY WARNING: Insecure HTTP issuer is ALLOWED",
			"risk", "credentials and tokens cross the network unencrypted",
			"remedy", "serve the issuer over HTTPS")
	}
}
