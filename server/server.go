package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/grantkit/grantkit/audience"
	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/token"
)

// Server implements the OAuth 2.1 authorization server grant logic.
// It coordinates grant state machines over the storage backends and stays
// transport-agnostic: the HTTP layer lives in the root package.
type Server struct {
	tokenStore      storage.TokenStore
	familyStore     storage.RefreshTokenFamilyStore
	revocationStore storage.TokenRevocationStore
	clientStore     storage.ClientStore
	flowStore       storage.FlowStore
	deviceStore     storage.DeviceStore

	Auditor                   *security.Auditor
	RateLimiter               *security.RateLimiter // IP-based rate limiter
	UserRateLimiter           *security.RateLimiter // User-based rate limiter (authenticated requests)
	SecurityEventRateLimiter  *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	ClientRegistrationLimiter *security.ClientRegistrationRateLimiter
	TokenGenerator            token.Generator  // mints access token values, default opaque
	AudienceMatcher           audience.Matcher // RFC 8707 resource coverage policy
	Logger                    *slog.Logger
	Config                    *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a new OAuth server backed by store. The store carries every
// persistence concern of the grant engine: tokens, rotation families, bulk
// revocation, clients, authorization codes, and device authorizations.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	srv := &Server{
		tokenStore:      store,
		familyStore:     store,
		revocationStore: store,
		clientStore:     store,
		flowStore:       store,
		deviceStore:     store,
		TokenGenerator:  token.OpaqueGenerator{},
		AudienceMatcher: audience.PrefixMatcher{},
		Config:          config,
		Logger:          logger,
	}

	// Validate HTTPS enforcement (OAuth 2.1 security requirement)
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	// Configure storage retention if storage supports it
	type retentionSetter interface {
		SetRevokedFamilyRetentionDays(days int64)
	}
	if setter, ok := store.(retentionSetter); ok {
		setter.SetRevokedFamilyRetentionDays(config.RevokedFamilyRetentionDays)
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.wireAuditMetrics()
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the user-based rate limiter for authenticated requests
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetClientRegistrationLimiter sets the rate limiter for client registration
func (s *Server) SetClientRegistrationLimiter(rl *security.ClientRegistrationRateLimiter) {
	s.ClientRegistrationLimiter = rl
}

// SetTokenGenerator replaces the access token codec. The default mints
// opaque random values; a JWT generator mints structured tokens. Either way
// the store stays the source of truth for revocation and introspection.
func (s *Server) SetTokenGenerator(gen token.Generator) {
	if gen != nil {
		s.TokenGenerator = gen
	}
}

// SetAudienceMatcher replaces the resource coverage policy used for
// RFC 8707 resource narrowing checks. The default is prefix matching on
// path segment boundaries.
func (s *Server) SetAudienceMatcher(m audience.Matcher) {
	if m != nil {
		s.AudienceMatcher = m
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server and,
// when the store supports it, the storage backend.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.tokenStore.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
	s.wireAuditMetrics()
}

// wireAuditMetrics counts audit events in the metrics once both the
// auditor and instrumentation exist, whichever is configured second.
func (s *Server) wireAuditMetrics() {
	if s.Auditor == nil || s.instrumentation == nil {
		return
	}
	metrics := s.instrumentation.Metrics()
	s.Auditor.SetEventHook(func(eventType string) {
		metrics.RecordAuditEvent(context.Background(), eventType)
	})
}

// Instrumentation returns the configured OpenTelemetry instrumentation,
// or nil when none was set. The HTTP layer uses it to share the tracer
// and metric instruments with the grant engine.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// metrics returns the metric helpers, or nil when instrumentation is not
// configured. Callers must nil-check before recording.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// Close stops the background goroutines owned by the server's rate
// limiters. It does not close the storage backend, which the host owns
// and may share with other components.
func (s *Server) Close() {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
	if s.UserRateLimiter != nil {
		s.UserRateLimiter.Stop()
	}
	if s.SecurityEventRateLimiter != nil {
		s.SecurityEventRateLimiter.Stop()
	}
	if s.ClientRegistrationLimiter != nil {
		s.ClientRegistrationLimiter.Stop()
	}
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for tokens, codes, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
