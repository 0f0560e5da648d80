package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument the module records to. Instruments are
// grouped by the layer whose meter created them, so a metrics backend
// shows them under separate instrumentation scopes.
type Metrics struct {
	// http scope
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// server scope: grant flows
	TokensIssued      metric.Int64Counter
	CodeExchanged     metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	TokenRevoked      metric.Int64Counter
	ClientRegistered  metric.Int64Counter
	DeviceFlowStarted metric.Int64Counter
	DevicePolls       metric.Int64Counter
	Introspections    metric.Int64Counter

	// security scope
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// storage scope
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageTokensCount        metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageClientsCount       metric.Int64ObservableGauge
	StorageAuthCodesCount     metric.Int64ObservableGauge
	StorageFamiliesCount      metric.Int64ObservableGauge
	StorageDeviceAuthsCount   metric.Int64ObservableGauge

	// bearer scope: remote introspection calls made by validators
	RemoteValidationCalls    metric.Int64Counter
	RemoteValidationDuration metric.Float64Histogram
	RemoteValidationErrors   metric.Int64Counter
}

// instrumentBuilder constructs instruments and keeps the first error,
// so the instrument list below reads flat instead of repeating an error
// check per instrument.
type instrumentBuilder struct {
	err error
}

func (b *instrumentBuilder) counter(m metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create counter %s: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(m metric.Meter, name, desc, unit string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create histogram %s: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(m metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
	g, err := m.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create gauge %s: %w", name, err)
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	var b instrumentBuilder
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	bearerMeter := inst.Meter("bearer")

	m := &Metrics{
		HTTPRequestsTotal:   b.counter(httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: b.histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds", "ms"),

		TokensIssued:      b.counter(serverMeter, "oauth.tokens.issued", "Number of access tokens issued, by grant type", "{token}"),
		CodeExchanged:     b.counter(serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"),
		TokenRefreshed:    b.counter(serverMeter, "oauth.token.refreshed", "Number of tokens refreshed", "{refresh}"),
		TokenRevoked:      b.counter(serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"),
		ClientRegistered:  b.counter(serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"),
		DeviceFlowStarted: b.counter(serverMeter, "oauth.device.flows.started", "Number of device authorization flows started", "{flow}"),
		DevicePolls:       b.counter(serverMeter, "oauth.device.polls.total", "Number of device token polls, by result", "{poll}"),
		Introspections:    b.counter(serverMeter, "oauth.introspection.requests.total", "Number of token introspection requests, by active result", "{request}"),

		RateLimitExceeded:    b.counter(securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"),
		PKCEValidationFailed: b.counter(securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"),
		CodeReuseDetected:    b.counter(securityMeter, "oauth.code.reuse_detected", "Number of authorization code reuse attempts detected", "{attempt}"),
		TokenReuseDetected:   b.counter(securityMeter, "oauth.token.reuse_detected", "Number of refresh token reuse attempts detected", "{attempt}"),
		AuditEventsTotal:     b.counter(securityMeter, "oauth.audit.events.total", "Total number of audit events, by event type", "{event}"),

		StorageOperationTotal:     b.counter(storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"),
		StorageOperationDuration:  b.histogram(storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds", "ms"),
		StorageTokensCount:        b.gauge(storageMeter, "storage.size.access_tokens", "Current number of stored access tokens", "{token}"),
		StorageRefreshTokensCount: b.gauge(storageMeter, "storage.size.refresh_tokens", "Current number of stored refresh tokens", "{token}"),
		StorageClientsCount:       b.gauge(storageMeter, "storage.size.clients", "Current number of registered clients", "{client}"),
		StorageAuthCodesCount:     b.gauge(storageMeter, "storage.size.authorization_codes", "Current number of pending authorization codes", "{code}"),
		StorageFamiliesCount:      b.gauge(storageMeter, "storage.size.token_families", "Current number of refresh token families", "{family}"),
		StorageDeviceAuthsCount:   b.gauge(storageMeter, "storage.size.device_authorizations", "Current number of pending device authorizations", "{authorization}"),

		RemoteValidationCalls:    b.counter(bearerMeter, "bearer.remote_validation.calls.total", "Total number of remote introspection calls", "{call}"),
		RemoteValidationDuration: b.histogram(bearerMeter, "bearer.remote_validation.duration", "Remote introspection call duration in milliseconds", "ms"),
		RemoteValidationErrors:   b.counter(bearerMeter, "bearer.remote_validation.errors.total", "Total number of remote introspection errors", "{error}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// RecordHTTPRequest records one served request. Duration carries only
// the endpoint attribute to keep histogram cardinality down.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordTokenIssued records an access token issuance.
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordCodeExchange records an authorization code exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh grant; rotated says whether a
// new refresh token replaced the presented one.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a revocation, by token type.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordClientRegistration records a dynamic client registration.
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordDeviceFlowStarted records the start of a device authorization.
func (m *Metrics) RecordDeviceFlowStarted(ctx context.Context, clientID string) {
	m.DeviceFlowStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordDevicePoll records a device token poll. Result is one of
// success, pending, slow_down, denied, expired, consumed.
func (m *Metrics) RecordDevicePoll(ctx context.Context, result string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordIntrospection records an introspection request and its verdict.
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.Introspections.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("active", active),
	))
}

// RecordRateLimitExceeded records a rate limit rejection, by limiter
// type ("ip", "user", "registration").
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a failed code verifier check.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records a replayed authorization code.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a replayed rotated refresh token.
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent counts an emitted audit event, by event type.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records one store call and its duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordRemoteValidation records a remote introspection call made by a
// resource-server validator.
func (m *Metrics) RecordRemoteValidation(ctx context.Context, operation string, statusCode int, durationMs float64, err error) {
	m.RemoteValidationCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.RemoteValidationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))

	if err == nil {
		return
	}
	errorType := "unknown"
	switch {
	case statusCode >= 500:
		errorType = "server_error"
	case statusCode >= 400:
		errorType = "client_error"
	}
	m.RemoteValidationErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("error_type", errorType),
	))
}
