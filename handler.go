package grantkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/server"
	"github.com/grantkit/grantkit/storage"
)

const defaultCORSMaxAge = 3600

// Handler serves the OAuth 2.0 protocol endpoints over HTTP. It owns no
// protocol state: every request is parsed, authenticated, and handed to
// the grant engine, and the result is translated back to wire JSON.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for the HTTP layer

	allowedOrigins []string // CORS allowlist; empty disables CORS headers
}

// NewHandler creates an HTTP handler for the given server.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h
}

// SetAllowedOrigins configures the CORS origin allowlist for
// browser-based clients. Origins match exactly; "*" allows any origin.
// Empty, the default, disables CORS headers entirely.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.allowedOrigins = origins
}

// RegisterRoutes mounts every protocol endpoint on mux: token, device
// authorization, introspection, revocation, and dynamic client
// registration, plus the RFC 8414 and OpenID Connect discovery
// documents. The authorization endpoint is not mounted here: the host
// owns user authentication and consent, and calls
// IssueAuthorizationCode and the device approval methods from its own
// UI handlers.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Every protocol endpoint carries a request ID (generated, or taken
	// from a validated upstream X-Request-ID) so audit and error logs
	// correlate across proxies.
	mux.Handle("/token/", security.RequestIDMiddleware(http.HandlerFunc(h.ServeToken)))
	mux.Handle("/device-authorization/", security.RequestIDMiddleware(http.HandlerFunc(h.ServeDeviceAuthorization)))
	mux.Handle("/introspect/", security.RequestIDMiddleware(http.HandlerFunc(h.ServeIntrospection)))
	mux.Handle("/revoke/", security.RequestIDMiddleware(http.HandlerFunc(h.ServeRevocation)))
	mux.Handle("/register/", security.RequestIDMiddleware(http.HandlerFunc(h.ServeClientRegistration)))
	h.RegisterAuthorizationServerMetadataRoutes(mux)
}

// RegisterAuthorizationServerMetadataRoutes mounts the RFC 8414 and
// OpenID Connect discovery endpoints. For issuers with a path component
// (multi-tenant deployments) the RFC 8414 §3.1 path-insertion form and
// the OpenID Connect path-appending form are registered alongside the
// standard well-known paths.
func (h *Handler) RegisterAuthorizationServerMetadataRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", h.ServeOpenIDConfiguration)

	issuerPath := h.extractIssuerPath()
	if issuerPath == "" {
		return
	}

	mux.HandleFunc("/.well-known/oauth-authorization-server"+issuerPath, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/openid-configuration"+issuerPath, h.ServeOpenIDConfiguration)
	mux.HandleFunc(issuerPath+"/.well-known/openid-configuration", h.ServeOpenIDConfiguration)

	h.logger.Info("Registered multi-tenant discovery endpoints", "issuer_path", issuerPath)
}

// extractIssuerPath returns the path component of the issuer URL, or ""
// when the issuer has no path. "https://auth.example.com/tenant1"
// yields "/tenant1".
func (h *Handler) extractIssuerPath() string {
	parsed, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		h.logger.Warn("Failed to parse issuer URL for path extraction",
			"issuer", h.server.Config.Issuer, "error", err)
		return ""
	}

	cleaned := path.Clean(parsed.Path)
	if cleaned == "" || cleaned == "/" || cleaned == "." {
		return ""
	}
	return cleaned
}

// startSpan begins an HTTP-layer span, tagging it with the client IP
// when the privacy configuration allows that. Returns a nil span when
// tracing is not configured; the instrumentation helpers all accept
// nil.
func (h *Handler) startSpan(ctx context.Context, name, clientIP string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, nil
	}
	ctx, span := h.tracer.Start(ctx, name)
	if inst := h.server.Instrumentation(); inst != nil && inst.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}
	return ctx, span
}

// endSpan closes a span started by startSpan.
func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// ServeToken handles the token endpoint (RFC 6749 §3.2). The grant_type
// form parameter selects the grant; unknown values get
// unsupported_grant_type per §5.2.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case GrantTypeDeviceCode:
		h.handleDeviceCodeGrant(w, r, clientIP)
	case GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, clientIP)
	case GrantTypeClientCredentials:
		h.handleClientCredentialsGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q is not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	ctx, span := h.startSpan(ctx, "oauth.http.token_exchange", clientIP)
	defer endSpan(span)

	code := r.FormValue("code")
	if code == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, basicUsed, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthenticationError(w, err, basicUsed)
		return
	}

	instrumentation.AddClientAttributes(span, client.ClientID, client.ClientType)

	grant, err := h.server.ExchangeAuthorizationCode(ctx, server.ExchangeRequest{
		Code:         code,
		ClientID:     client.ClientID,
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		Resources:    r.Form["resource"], // RFC 8707: repeatable target resource
		IPAddress:    clientIP,
	})
	if err != nil {
		h.requestLogger(r).Warn("Token exchange failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		h.writeGrantError(w, err, basicUsed, "token", startTime)
		return
	}

	h.requestLogger(r).Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.AddGrantAttributes(span, grant.Scope)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleDeviceCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	ctx, span := h.startSpan(ctx, "oauth.http.device_token", clientIP)
	defer endSpan(span)

	deviceCode := r.FormValue("device_code")
	if deviceCode == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "device_code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'device_code' missing", http.StatusBadRequest)
		return
	}

	client, basicUsed, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthenticationError(w, err, basicUsed)
		return
	}

	instrumentation.AddClientAttributes(span, client.ClientID, "")

	grant, err := h.server.PollDeviceToken(ctx, client.ClientID, deviceCode, clientIP)
	if err != nil {
		// authorization_pending and slow_down are ordinary polling
		// outcomes, so no warning here; the engine logs real failures.
		h.requestLogger(r).Debug("Device token poll did not issue tokens",
			"client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		h.writeGrantError(w, err, basicUsed, "token", startTime)
		return
	}

	h.requestLogger(r).Info("Device token issued", "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.AddDeviceFlowAttributes(span, "consumed", "success")
	instrumentation.AddGrantAttributes(span, grant.Scope)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	ctx, span := h.startSpan(ctx, "oauth.http.token_refresh", clientIP)
	defer endSpan(span)

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, basicUsed, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthenticationError(w, err, basicUsed)
		return
	}

	instrumentation.AddClientAttributes(span, client.ClientID, "")

	grant, err := h.server.RefreshAccessToken(ctx, server.RefreshRequest{
		RefreshToken: refreshToken,
		ClientID:     client.ClientID,
		Scope:        r.FormValue("scope"),
		Resources:    r.Form["resource"],
		IPAddress:    clientIP,
	})
	if err != nil {
		h.requestLogger(r).Warn("Token refresh failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		h.writeGrantError(w, err, basicUsed, "token", startTime)
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.AddGrantAttributes(span, grant.Scope)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleClientCredentialsGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	ctx, span := h.startSpan(ctx, "oauth.http.client_credentials", clientIP)
	defer endSpan(span)

	// The engine authenticates the client itself here: the credentials
	// are the grant.
	clientID, clientSecret, basicUsed := r.BasicAuth()
	if !basicUsed {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}

	instrumentation.AddClientAttributes(span, clientID, "")

	grant, err := h.server.ClientCredentialsGrant(ctx, clientID, clientSecret,
		r.FormValue("scope"), r.Form["resource"], clientIP)
	if err != nil {
		h.requestLogger(r).Warn("Client credentials grant failed", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client credentials grant failed")
		h.writeGrantError(w, err, basicUsed, "token", startTime)
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.AddGrantAttributes(span, grant.Scope)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, grant)
}

// ServeDeviceAuthorization handles the device authorization endpoint
// (RFC 8628 §3.1). The device receives a device code to poll the token
// endpoint with and a short user code to show the user; the host's
// verification page turns the user's approval into
// ApproveDeviceAuthorization.
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	ctx, span := h.startSpan(r.Context(), "oauth.http.device_authorization", clientIP)
	defer endSpan(span)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	client, basicUsed, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthenticationError(w, err, basicUsed)
		return
	}

	instrumentation.AddClientAttributes(span, client.ClientID, "")

	auth, err := h.server.BeginDeviceAuthorization(ctx, client.ClientID,
		r.FormValue("scope"), r.Form["resource"], clientIP)
	if err != nil {
		h.requestLogger(r).Warn("Device authorization request failed",
			"client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "device authorization failed")
		h.writeGrantError(w, err, basicUsed, "device_authorization", startTime)
		return
	}

	h.recordHTTPMetrics("device_authorization", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                server.FormatUserCode(auth.UserCode),
		VerificationURI:         h.server.Config.VerificationURI,
		VerificationURIComplete: h.server.VerificationURIComplete(auth.UserCode),
		ExpiresIn:               int64(time.Until(auth.ExpiresAt).Seconds()),
		Interval:                auth.Interval,
	})
}

// ServeIntrospection handles the token introspection endpoint
// (RFC 7662). Callers authenticate with Basic client credentials or
// with a bearer access token carrying the introspection scope.
// Authenticated callers always get 200, with {"active": false} for any
// token that is unknown, expired, or revoked; only authentication
// failures produce an error status.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	ctx, span := h.startSpan(r.Context(), "oauth.http.introspection", clientIP)
	defer endSpan(span)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	callerID, authStatus := h.authenticateIntrospectionCaller(w, r, clientIP)
	if authStatus != 0 {
		h.recordHTTPMetrics("introspect", http.MethodPost, authStatus, startTime)
		instrumentation.SetSpanError(span, "caller authentication failed")
		return
	}

	hint := r.FormValue("token_type_hint")
	resp := h.server.IntrospectToken(ctx, token, callerID, hint)

	h.recordHTTPMetrics("introspect", http.MethodPost, http.StatusOK, startTime)
	instrumentation.AddIntrospectionAttributes(span, resp.Active, hint)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// authenticateIntrospectionCaller authenticates an introspection caller
// and returns its client ID. Resource servers present a bearer access
// token carrying the introspection scope; clients present Basic
// credentials. On failure the error response is already written and the
// returned status is non-zero.
func (h *Handler) authenticateIntrospectionCaller(w http.ResponseWriter, r *http.Request, clientIP string) (string, int) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return h.authenticateIntrospectionBearer(w, r, parts[1], clientIP)
		}
	}

	if clientID, secret, ok := r.BasicAuth(); ok {
		client, err := h.server.ValidateClientCredentials(r.Context(), clientID, secret)
		if err != nil {
			h.logAuthFailure(clientID, clientIP, "introspection_auth_failed", "Client authentication failed for introspection")
			h.writeBasicChallenge(w)
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return "", http.StatusUnauthorized
		}
		return client.ClientID, 0
	}

	h.logAuthFailure(r.FormValue("client_id"), clientIP, "introspection_missing_auth", "Introspection request without client authentication")
	h.writeBasicChallenge(w)
	h.writeError(w, ErrorCodeInvalidClient, "Client authentication required", http.StatusUnauthorized)
	return "", http.StatusUnauthorized
}

func (h *Handler) authenticateIntrospectionBearer(w http.ResponseWriter, r *http.Request, token, clientIP string) (string, int) {
	resp := h.server.IntrospectToken(r.Context(), token, "", "")
	if !resp.Active {
		h.logAuthFailure("", clientIP, "introspection_bearer_invalid", "Introspection bearer token is invalid")
		w.Header().Set("WWW-Authenticate",
			h.formatWWWAuthenticate("", ErrorCodeInvalidToken, "The access token is invalid or expired"))
		h.writeError(w, ErrorCodeInvalidToken, "The access token is invalid or expired", http.StatusUnauthorized)
		return "", http.StatusUnauthorized
	}

	required := h.server.Config.IntrospectionScope
	if required != "" && !scopeListContains(resp.Scope, required) {
		h.logAuthFailure(resp.ClientID, clientIP, "introspection_scope_missing", "Introspection bearer token lacks required scope")
		w.Header().Set("WWW-Authenticate",
			h.formatWWWAuthenticate(required, ErrorCodeInsufficientScope, "The access token does not carry the introspection scope"))
		h.writeError(w, ErrorCodeInsufficientScope, "The access token does not carry the introspection scope", http.StatusForbidden)
		return "", http.StatusForbidden
	}

	return resp.ClientID, 0
}

// ServeRevocation handles the token revocation endpoint (RFC 7009).
// Clients may only revoke their own tokens, and revoking an unknown
// token still succeeds so callers cannot probe which tokens exist.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	ctx, span := h.startSpan(r.Context(), "oauth.http.token_revocation", clientIP)
	defer endSpan(span)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	hint := r.FormValue("token_type_hint")
	if hint != "" && hint != "access_token" && hint != "refresh_token" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported token type hint")
		h.writeError(w, ErrorCodeUnsupportedTokenType,
			fmt.Sprintf("Token type %q is not supported", hint), http.StatusBadRequest)
		return
	}

	client, basicUsed, err := h.authenticateClient(r, r.FormValue("client_id"), clientIP)
	if err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeAuthenticationError(w, err, basicUsed)
		return
	}

	instrumentation.AddClientAttributes(span, client.ClientID, "")

	if err := h.server.RevokeToken(ctx, token, hint, client.ClientID, clientIP); err != nil {
		var oauthErr *server.Error
		if errors.As(err, &oauthErr) {
			h.recordHTTPMetrics("revoke", http.MethodPost, oauthErr.Status, startTime)
			instrumentation.SetSpanError(span, "revocation rejected")
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
			return
		}
		// Storage failures still answer 200 per RFC 7009 §2.2 so clients
		// do not retry revocation storms against a degraded backend.
		h.requestLogger(r).Error("Token revocation failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
	}

	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles dynamic client registration
// (RFC 7591). Registration is open; the engine enforces per-IP
// registration rate limits and client count caps.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	ctx, span := h.startSpan(r.Context(), "oauth.http.client_registration", clientIP)
	defer endSpan(span)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "invalid JSON")
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, &server.RegisterClientRequest{
		ClientName:              req.ClientName,
		ClientType:              req.ClientType,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		Scopes:                  strings.Fields(req.Scope),
		Audiences:               req.Audience,
		IPAddress:               clientIP,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client registration failed")

		var oauthErr *server.Error
		if errors.As(err, &oauthErr) {
			if oauthErr.Status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "60")
			}
			h.recordHTTPMetrics("register", http.MethodPost, oauthErr.Status, startTime)
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
			return
		}

		h.requestLogger(r).Error("Client registration failed", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)
	instrumentation.AddClientAttributes(span, client.ClientID, client.ClientType)
	instrumentation.SetSpanSuccess(span)
	h.writeRegistrationResponse(w, client, clientSecret)
}

// writeRegistrationResponse writes the RFC 7591 §3.2.1 response. The
// registration response is the only time the plaintext client secret is
// ever returned; the server keeps only a bcrypt hash.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := map[string]any{
		"client_id":                  client.ClientID,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"client_name":                client.ClientName,
		"client_type":                client.ClientType,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
	}
	if len(client.RedirectURIs) > 0 {
		response["redirect_uris"] = client.RedirectURIs
	}
	if len(client.Scopes) > 0 {
		response["scope"] = strings.Join(client.Scopes, " ")
	}
	if clientSecret != "" {
		response["client_secret"] = clientSecret
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// ServeAuthorizationServerMetadata serves RFC 8414 authorization server
// metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.buildAuthServerMetadata())
}

// ServeOpenIDConfiguration serves OpenID Connect discovery. Per RFC 8414
// §5 it returns the same document as the authorization server metadata
// endpoint.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

// buildAuthServerMetadata builds the discovery document. Endpoint URLs
// derive from the issuer and match the paths RegisterRoutes mounts.
func (h *Handler) buildAuthServerMetadata() map[string]any {
	cfg := h.server.Config
	base := strings.TrimSuffix(cfg.Issuer, "/")

	pkceMethods := []string{"S256"}
	if cfg.AllowPKCEPlain {
		pkceMethods = append(pkceMethods, "plain")
	}

	metadata := map[string]any{
		"issuer":                        cfg.Issuer,
		"authorization_endpoint":        cfg.AuthorizationEndpoint,
		"token_endpoint":                base + "/token/",
		"introspection_endpoint":        base + "/introspect/",
		"revocation_endpoint":           base + "/revoke/",
		"registration_endpoint":         base + "/register/",
		"device_authorization_endpoint": base + "/device-authorization/",
		"response_types_supported":      []string{"code"},
		"grant_types_supported": []string{
			GrantTypeAuthorizationCode,
			GrantTypeDeviceCode,
			GrantTypeRefreshToken,
			GrantTypeClientCredentials,
		},
		"code_challenge_methods_supported": pkceMethods,
		"token_endpoint_auth_methods_supported": []string{
			TokenEndpointAuthMethodBasic,
			TokenEndpointAuthMethodPost,
			TokenEndpointAuthMethodNone,
		},
		"introspection_endpoint_auth_methods_supported": []string{TokenEndpointAuthMethodBasic},
		"revocation_endpoint_auth_methods_supported": []string{
			TokenEndpointAuthMethodBasic,
			TokenEndpointAuthMethodPost,
		},
	}

	if len(cfg.SupportedScopes) > 0 {
		metadata["scopes_supported"] = cfg.SupportedScopes
	}
	if cfg.SessionManagementEnabled {
		metadata["check_session_iframe"] = cfg.CheckSessionIframe
	}

	return metadata
}

// Helper methods

// authenticateClient resolves and authenticates the client for token
// endpoint requests. Basic credentials take precedence over form
// parameters (RFC 6749 §2.3.1). Public clients authenticate by
// client_id alone; confidential clients must present their secret via
// Basic or client_secret_post. The returned bool reports whether Basic
// authentication was attempted, which decides the WWW-Authenticate
// challenge on 401 responses.
func (h *Handler) authenticateClient(r *http.Request, clientID, clientIP string) (*storage.Client, bool, error) {
	authClientID, authClientSecret, basicUsed := r.BasicAuth()
	if basicUsed {
		clientID = authClientID
	}

	secret := authClientSecret
	if !basicUsed {
		secret = r.FormValue("client_secret")
	}

	if clientID == "" {
		return nil, basicUsed, &server.Error{
			Code:        ErrorCodeInvalidRequest,
			Description: "client_id is required",
			Status:      http.StatusBadRequest,
		}
	}

	client, err := h.server.ValidateClientCredentials(r.Context(), clientID, secret)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, "client_authentication_failed", "Client authentication failed")
		return nil, basicUsed, err
	}

	return client, basicUsed, nil
}

// logAuthFailure logs authentication failures with optional auditing.
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// checkIPRateLimit checks the per-IP limiter. Returns true when the
// request was rejected and the response already written.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.requestLogger(r).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	h.recordRateLimitExceeded(r.Context(), clientIP, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, clientIP, endpoint string) {
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(ctx, "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogEvent(security.Event{
			Type:      security.EventRateLimitExceeded,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": endpoint},
		})
	}
}

// writeTokenResponse writes a successful token grant. Token responses
// are uncacheable (RFC 6749 §5.1).
func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	})
}

// writeAuthenticationError writes a client authentication failure. The
// Basic challenge is only issued when the caller attempted Basic
// authentication.
func (h *Handler) writeAuthenticationError(w http.ResponseWriter, err error, basicAttempted bool) {
	if basicAttempted {
		h.writeBasicChallenge(w)
	}

	var oauthErr *server.Error
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
}

// writeGrantError translates a grant engine error to its wire form. The
// engine returns *server.Error with the RFC error code and HTTP status
// already decided; anything else is an internal failure whose details
// must not leak to the client.
func (h *Handler) writeGrantError(w http.ResponseWriter, err error, basicAttempted bool, endpoint string, startTime time.Time) {
	var oauthErr *server.Error
	if errors.As(err, &oauthErr) {
		h.recordHTTPMetrics(endpoint, http.MethodPost, oauthErr.Status, startTime)
		if oauthErr.Status == http.StatusUnauthorized && basicAttempted {
			h.writeBasicChallenge(w)
		}
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordHTTPMetrics(endpoint, http.MethodPost, http.StatusInternalServerError, startTime)
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeBasicChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
}

// requestLogger returns the handler's logger annotated with the request's
// correlation ID when RegisterRoutes' middleware put one in the context.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if id := security.GetRequestID(r.Context()); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, ErrorDescription: description})
}

// formatWWWAuthenticate builds an RFC 6750 Bearer challenge. Values are
// escaped per the HTTP quoted-string rules: backslashes first, then
// quotes.
func (h *Handler) formatWWWAuthenticate(scope, errCode, errDesc string) string {
	var params []string
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuoted(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(errDesc)))
	}
	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

func escapeQuoted(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

func scopeListContains(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}

// setCORSHeaders sets CORS headers for allowed browser origins. The
// specific origin is echoed back rather than "*" so responses with
// credentials stay cacheable per origin.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.allowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", defaultCORSMaxAge))
}

// isAllowedOrigin checks the origin against the allowlist. Matching is
// exact and case-sensitive per the CORS spec; "*" allows everything.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics records the request count and duration for an
// endpoint.
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}

	durationMs := time.Since(startTime).Seconds() * 1000
	inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
