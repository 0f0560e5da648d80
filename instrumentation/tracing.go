package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. These carry metadata only: never put token
// material, authorization codes, device codes, or client secrets on a
// span. Traces outlive requests, replicate across monitoring
// infrastructure, and are readable by people who must never see
// credentials.
const (
	AttrClientID   = "oauth.client_id"
	AttrClientType = "oauth.client_type" // public or confidential
	AttrScope      = "oauth.scope"       // granted scope, space-separated
	AttrUserID     = "oauth.user_id"

	AttrDeviceStatus     = "oauth.device.status"      // pending, approved, denied, consumed
	AttrDevicePollResult = "oauth.device.poll_result" // outcome of a device token poll

	AttrTokenActive   = "oauth.token.active"    //nolint:gosec // introspection result, not a token
	AttrTokenTypeHint = "oauth.token_type_hint" //nolint:gosec // caller-supplied hint, not a token

	AttrClientIP = "security.client_ip"
)

// The helpers below tolerate nil spans, so call sites do not need to
// guard on whether tracing is configured.

// RecordError records err on the span and marks the span failed.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanError marks the span failed with a short description, for
// failures that are not carried by an error value.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanSuccess marks the span as completed successfully.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on the span.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddClientAttributes tags the span with the authenticated client.
// clientType may be empty when the span does not care about it.
func AddClientAttributes(span trace.Span, clientID, clientType string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if clientType != "" {
		SetSpanAttributes(span, attribute.String(AttrClientType, clientType))
	}
}

// AddGrantAttributes tags the span with what a successful token grant
// actually issued.
func AddGrantAttributes(span trace.Span, grantedScope string) {
	if grantedScope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, grantedScope))
	}
}

// AddDeviceFlowAttributes tags the span with the device authorization
// state and, on token polls, the poll outcome.
func AddDeviceFlowAttributes(span trace.Span, status, pollResult string) {
	if status != "" {
		SetSpanAttributes(span, attribute.String(AttrDeviceStatus, status))
	}
	if pollResult != "" {
		SetSpanAttributes(span, attribute.String(AttrDevicePollResult, pollResult))
	}
}

// AddIntrospectionAttributes tags the span with the introspection
// verdict and the caller's token_type_hint.
func AddIntrospectionAttributes(span trace.Span, active bool, tokenTypeHint string) {
	SetSpanAttributes(span, attribute.Bool(AttrTokenActive, active))
	if tokenTypeHint != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenTypeHint, tokenTypeHint))
	}
}

// AddSecurityAttributes tags the span with the client IP. The IP is
// personal data in some jurisdictions; callers gate this on
// Instrumentation.ShouldLogClientIPs rather than calling it
// unconditionally.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
