package bearer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/grantkit/grantkit/audience"
	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/storage"
)

// Validation failures are distinguishable by identity so resource servers
// can map them to the right RFC 6750 artifact.
var (
	// ErrInvalidToken means the token is authoritatively not usable:
	// unknown, revoked, expired, or reported inactive by introspection.
	ErrInvalidToken = errors.New("bearer token is invalid")

	// ErrInsufficientScope means the token is valid but does not carry a
	// required scope.
	ErrInsufficientScope = errors.New("bearer token has insufficient scope")

	// ErrAudienceRejected means the token is valid and sufficiently scoped
	// but not bound to the resource being accessed.
	ErrAudienceRejected = errors.New("bearer token audience does not cover this resource")

	// ErrTokenValidation means the token's state could not be determined
	// (introspection timeout, network failure, or unexpected status). The
	// request must be rejected, but the caller may retry: this is not an
	// authoritative inactive.
	ErrTokenValidation = errors.New("bearer token validation unavailable")
)

// TokenInfo is the validated state of a bearer token.
type TokenInfo struct {
	Active   bool
	ClientID string
	// UserID is empty for client-credentials tokens.
	UserID   string
	Username string
	Scope    string
	// Audience lists the resource URIs the token is bound to. Empty means
	// unrestricted.
	Audience  []string
	ExpiresAt time.Time
}

// HasScope reports whether the token's granted scope contains scope.
func (ti *TokenInfo) HasScope(scope string) bool {
	for _, granted := range strings.Fields(ti.Scope) {
		if granted == scope {
			return true
		}
	}
	return false
}

// Config configures a Validator. Exactly one of Store (local mode) or
// IntrospectionURL (remote mode) must be set.
type Config struct {
	// Store enables local mode: tokens are resolved against the
	// authorization server's own token store.
	Store storage.TokenStore

	// IntrospectionURL enables remote mode: tokens are resolved by POSTing
	// RFC 7662 introspection requests to this endpoint. Use
	// DiscoverIntrospectionEndpoint to locate it from the issuer.
	IntrospectionURL string

	// AuthToken authenticates introspection calls with a static bearer
	// token. Mutually exclusive with ClientID/ClientSecret.
	AuthToken string

	// ClientID and ClientSecret authenticate introspection calls with
	// HTTP Basic client credentials. Mutually exclusive with AuthToken.
	ClientID     string
	ClientSecret string

	// Timeout bounds each introspection request. Default 10s. Requests
	// that exceed it fail closed with ErrTokenValidation.
	Timeout time.Duration

	// RequiredScopes are demanded of every validated token, in addition to
	// any scopes passed to Middleware.
	RequiredScopes []string

	// Resource is the identity of this resource server for audience
	// checks. When empty, Middleware derives it from each request's URL.
	Resource string

	// Matcher decides whether a token's audience covers the resource.
	// Defaults to audience.PrefixMatcher.
	Matcher audience.Matcher

	// CacheTTL enables caching of successful remote introspections for at
	// most this long, always capped at the token's expiry. Zero disables
	// the cache. Inactive results are never cached.
	CacheTTL time.Duration
}

// Validator validates bearer tokens for a resource server.
type Validator struct {
	store   storage.TokenStore
	remote  *introspectionClient
	cache   *tokenCache
	matcher audience.Matcher
	config  Config
	logger  *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a Validator. Misconfiguration is fatal here rather than at
// request time: mode must be unambiguous, and remote mode must have exactly
// one authentication method.
func New(config Config, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	localMode := config.Store != nil
	remoteMode := config.IntrospectionURL != ""
	switch {
	case localMode && remoteMode:
		return nil, fmt.Errorf("bearer: Store and IntrospectionURL are mutually exclusive")
	case !localMode && !remoteMode:
		return nil, fmt.Errorf("bearer: either Store or IntrospectionURL is required")
	}

	v := &Validator{
		store:   config.Store,
		matcher: config.Matcher,
		config:  config,
		logger:  logger,
	}
	if v.matcher == nil {
		v.matcher = audience.PrefixMatcher{}
	}

	if remoteMode {
		hasStatic := config.AuthToken != ""
		hasClient := config.ClientID != "" || config.ClientSecret != ""
		switch {
		case hasStatic && hasClient:
			return nil, fmt.Errorf("bearer: AuthToken and ClientID/ClientSecret are mutually exclusive")
		case !hasStatic && !hasClient:
			return nil, fmt.Errorf("bearer: remote mode requires AuthToken or ClientID/ClientSecret")
		case hasClient && (config.ClientID == "" || config.ClientSecret == ""):
			return nil, fmt.Errorf("bearer: ClientID and ClientSecret must both be set")
		}

		if err := validateEndpointURL(config.IntrospectionURL); err != nil {
			return nil, fmt.Errorf("bearer: invalid introspection URL: %w", err)
		}

		timeout := config.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		v.remote = &introspectionClient{
			endpoint:     config.IntrospectionURL,
			authToken:    config.AuthToken,
			clientID:     config.ClientID,
			clientSecret: config.ClientSecret,
			httpClient:   &http.Client{Timeout: timeout},
			logger:       logger,
		}
		if config.CacheTTL > 0 {
			v.cache = newTokenCache(config.CacheTTL, defaultCacheMaxEntries)
		}
	}

	return v, nil
}

// SetInstrumentation enables OpenTelemetry tracing and metrics for token
// validation.
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.instrumentation = inst
	if inst != nil {
		v.tracer = inst.Tracer("bearer")
	}
}

// ValidateToken resolves the token's validity. It returns ErrInvalidToken
// for tokens that are authoritatively unusable and ErrTokenValidation when
// remote introspection could not produce an answer. Scope and audience are
// not checked here; see ValidateRequest.
func (v *Validator) ValidateToken(ctx context.Context, tok string) (*TokenInfo, error) {
	var span trace.Span
	if v.tracer != nil {
		ctx, span = v.tracer.Start(ctx, "oauth.bearer.validate")
		defer span.End()
	}

	if tok == "" {
		instrumentation.SetSpanError(span, ErrInvalidToken.Error())
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var (
		info *TokenInfo
		err  error
	)
	if v.store != nil {
		info, err = v.validateLocal(ctx, tok)
	} else {
		info, err = v.validateRemote(ctx, tok)
	}
	if err != nil {
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	return info, nil
}

// validateLocal resolves the token against the shared token store. The
// store applies revocation flags and lazy expiry internally, so any lookup
// failure is an authoritative invalid.
func (v *Validator) validateLocal(ctx context.Context, tok string) (*TokenInfo, error) {
	meta, err := v.store.GetAccessToken(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound),
			errors.Is(err, storage.ErrTokenExpired),
			errors.Is(err, storage.ErrTokenRevoked):
			return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
		default:
			v.logger.Error("Token store lookup failed", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrTokenValidation, err)
		}
	}

	return &TokenInfo{
		Active:    true,
		ClientID:  meta.ClientID,
		UserID:    meta.UserID,
		Username:  meta.Username,
		Scope:     meta.Scope,
		Audience:  meta.Audience,
		ExpiresAt: meta.ExpiresAt,
	}, nil
}

// RequireScopes checks that the token carries every named scope.
func (v *Validator) RequireScopes(info *TokenInfo, scopes ...string) error {
	for _, required := range v.config.RequiredScopes {
		if !info.HasScope(required) {
			return fmt.Errorf("%w: missing scope %q", ErrInsufficientScope, required)
		}
	}
	for _, required := range scopes {
		if !info.HasScope(required) {
			return fmt.Errorf("%w: missing scope %q", ErrInsufficientScope, required)
		}
	}
	return nil
}

// RequireAudience checks that the token's audience binding covers resource.
// Unrestricted tokens (no audience) are accepted by every standard matcher.
func (v *Validator) RequireAudience(info *TokenInfo, resource string) error {
	if !v.matcher.Matches(resource, info.Audience) {
		return fmt.Errorf("%w: token not bound to %s", ErrAudienceRejected, resource)
	}
	return nil
}

// ValidateRequest runs the full pipeline for an HTTP request: bearer
// extraction, token validity, required scopes, then audience against the
// configured Resource (or the request URL when unset).
func (v *Validator) ValidateRequest(r *http.Request, requiredScopes ...string) (*TokenInfo, error) {
	tok, ok := extractBearerToken(r)
	if !ok {
		return nil, fmt.Errorf("%w: no bearer credentials", ErrInvalidToken)
	}

	info, err := v.ValidateToken(r.Context(), tok)
	if err != nil {
		return nil, err
	}
	if err := v.RequireScopes(info, requiredScopes...); err != nil {
		return nil, err
	}

	resource := v.config.Resource
	if resource == "" {
		resource = deriveResource(r)
	}
	if err := v.RequireAudience(info, resource); err != nil {
		return nil, err
	}
	return info, nil
}

// Middleware guards next with bearer validation. The validated TokenInfo is
// stored in the request context for FromContext. Failures answer per RFC
// 6750: 401 with a bare challenge for missing credentials, 401
// invalid_token, 403 insufficient_scope naming the missing scopes, and 403
// invalid_target for audience rejection. Remote validation outages answer
// 503 so clients retry instead of treating the token as dead.
func (v *Validator) Middleware(next http.Handler, requiredScopes ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := extractBearerToken(r); !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="oauth"`)
			writeBearerError(w, http.StatusUnauthorized, "invalid_request", "Bearer credentials required")
			return
		}

		info, err := v.ValidateRequest(r, requiredScopes...)
		if err != nil {
			v.writeValidationError(w, err, requiredScopes)
			return
		}

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), info)))
	})
}

func (v *Validator) writeValidationError(w http.ResponseWriter, err error, requiredScopes []string) {
	switch {
	case errors.Is(err, ErrInsufficientScope):
		scope := strings.Join(append(append([]string{}, v.config.RequiredScopes...), requiredScopes...), " ")
		w.Header().Set("WWW-Authenticate", formatChallenge("insufficient_scope", "Request lacks a required scope", scope))
		writeBearerError(w, http.StatusForbidden, "insufficient_scope", "Request lacks a required scope")
	case errors.Is(err, ErrAudienceRejected):
		w.Header().Set("WWW-Authenticate", formatChallenge("invalid_target", "Token is not bound to this resource", ""))
		writeBearerError(w, http.StatusForbidden, "invalid_target", "Token is not bound to this resource")
	case errors.Is(err, ErrTokenValidation):
		v.logger.Warn("Bearer validation unavailable", "error", err)
		writeBearerError(w, http.StatusServiceUnavailable, "server_error", "Token validation is temporarily unavailable")
	default:
		w.Header().Set("WWW-Authenticate", formatChallenge("invalid_token", "Token is invalid or expired", ""))
		writeBearerError(w, http.StatusUnauthorized, "invalid_token", "Token is invalid or expired")
	}
}

type contextKey struct{}

// NewContext returns ctx carrying the validated token.
func NewContext(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext returns the TokenInfo stored by Middleware.
func FromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(*TokenInfo)
	return info, ok
}

// extractBearerToken pulls the token from the Authorization header. The
// scheme comparison is case-insensitive per RFC 9110 §11.1.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

// deriveResource builds the resource identity from the request when the
// Validator has no configured Resource: scheme, host, and path without
// query, matching how RFC 8707 resource indicators are minted.
func deriveResource(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func formatChallenge(errCode, description, scope string) string {
	var b strings.Builder
	b.WriteString(`Bearer realm="oauth"`)
	if scope != "" {
		fmt.Fprintf(&b, ", scope=%q", scope)
	}
	fmt.Fprintf(&b, ", error=%q", errCode)
	fmt.Fprintf(&b, ", error_description=%q", description)
	return b.String()
}

func writeBearerError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
