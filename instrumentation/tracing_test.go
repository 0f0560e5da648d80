package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordedSpan runs tag against a recording span and returns the ended
// span for inspection.
func recordedSpan(t *testing.T, tag func(span trace.Span)) sdktrace.ReadOnlySpan {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := tracer.Start(context.Background(), "op")
	tag(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	return ended[0]
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func wantStringAttr(t *testing.T, s sdktrace.ReadOnlySpan, key, want string) {
	t.Helper()
	v, ok := spanAttr(s, key)
	if !ok {
		t.Errorf("span attribute %s missing", key)
		return
	}
	if v.AsString() != want {
		t.Errorf("span attribute %s = %q, want %q", key, v.AsString(), want)
	}
}

func wantNoAttr(t *testing.T, s sdktrace.ReadOnlySpan, key string) {
	t.Helper()
	if v, ok := spanAttr(s, key); ok {
		t.Errorf("span attribute %s = %v, want absent", key, v)
	}
}

func TestSpanHelpers_NilSpanSafe(t *testing.T) {
	// Call sites never guard on tracing being configured, so every
	// helper must tolerate a nil span.
	RecordError(nil, errors.New("boom"))
	SetSpanError(nil, "failed")
	SetSpanSuccess(nil)
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddClientAttributes(nil, "client-1", "public")
	AddGrantAttributes(nil, "openid")
	AddDeviceFlowAttributes(nil, "pending", "slow_down")
	AddIntrospectionAttributes(nil, true, "refresh_token")
	AddSecurityAttributes(nil, "203.0.113.7")
}

func TestRecordError(t *testing.T) {
	cause := errors.New("redirect_uri mismatch")
	s := recordedSpan(t, func(span trace.Span) {
		RecordError(span, cause)
	})

	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
	if s.Status().Description != cause.Error() {
		t.Errorf("status description = %q, want %q", s.Status().Description, cause.Error())
	}
	if len(s.Events()) != 1 || s.Events()[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", s.Events())
	}
}

func TestRecordError_NilErrorLeavesSpanUntouched(t *testing.T) {
	s := recordedSpan(t, func(span trace.Span) {
		RecordError(span, nil)
	})
	if s.Status().Code != codes.Unset {
		t.Errorf("status = %v, want Unset", s.Status().Code)
	}
	if len(s.Events()) != 0 {
		t.Errorf("events = %+v, want none", s.Events())
	}
}

func TestSetSpanStatus(t *testing.T) {
	s := recordedSpan(t, func(span trace.Span) {
		SetSpanError(span, "invalid_grant")
	})
	if s.Status().Code != codes.Error || s.Status().Description != "invalid_grant" {
		t.Errorf("status = %+v, want Error/invalid_grant", s.Status())
	}

	s = recordedSpan(t, func(span trace.Span) {
		SetSpanSuccess(span)
	})
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

func TestAddClientAttributes(t *testing.T) {
	s := recordedSpan(t, func(span trace.Span) {
		AddClientAttributes(span, "client-1", "confidential")
	})
	wantStringAttr(t, s, AttrClientID, "client-1")
	wantStringAttr(t, s, AttrClientType, "confidential")

	// Client type is optional; empty values never become attributes.
	s = recordedSpan(t, func(span trace.Span) {
		AddClientAttributes(span, "client-2", "")
	})
	wantStringAttr(t, s, AttrClientID, "client-2")
	wantNoAttr(t, s, AttrClientType)

	s = recordedSpan(t, func(span trace.Span) {
		AddClientAttributes(span, "", "")
	})
	wantNoAttr(t, s, AttrClientID)
}

func TestAddGrantAttributes(t *testing.T) {
	s := recordedSpan(t, func(span trace.Span) {
		AddGrantAttributes(span, "openid profile email")
	})
	wantStringAttr(t, s, AttrScope, "openid profile email")

	s = recordedSpan(t, func(span trace.Span) {
		AddGrantAttributes(span, "")
	})
	wantNoAttr(t, s, AttrScope)
}

func TestAddDeviceFlowAttributes(t *testing.T) {
	s := recordedSpan(t, func(span trace.Span) {
		AddDeviceFlowAttributes(span, "pending", "slow_down")
	})
	wantStringAttr(t, s, AttrDeviceStatus, "pending")
	wantStringAttr(t, s, AttrDevicePollResult, "slow_down")

	s = recordedSpan(t, func(span trace.Span) {
		AddDeviceFlowAttributes(span, "approved", "")
	})
	wantStringAttr(t, s, AttrDeviceStatus, "approved")
	wantNoAttr(t, s, AttrDevicePollResult)
}

func TestAddIntrospectionAttributes(t *testing.T) {
	// The active verdict is always tagged, even when false.
	s := recordedSpan(t, func(span trace.Span) {
		AddIntrospectionAttributes(span, false, "")
	})
	v, ok := spanAttr(s, AttrTokenActive)
	if !ok || v.AsBool() {
		t.Errorf("active attribute = %v (present=%v), want false", v, ok)
	}
	wantNoAttr(t, s, AttrTokenTypeHint)

	s = recordedSpan(t, func(span trace.Span) {
		AddIntrospectionAttributes(span, true, "refresh_token")
	})
	v, ok = spanAttr(s, AttrTokenActive)
	if !ok || !v.AsBool() {
		t.Errorf("active attribute = %v (present=%v), want true", v, ok)
	}
	wantStringAttr(t, s, AttrTokenTypeHint, "refresh_token")
}

func TestAddSecurityAttributes(t *testing.T) {
	s := recordedSpan(t, func(span trace.Span) {
		AddSecurityAttributes(span, "203.0.113.7")
	})
	wantStringAttr(t, s, AttrClientIP, "203.0.113.7")

	s = recordedSpan(t, func(span trace.Span) {
		AddSecurityAttributes(span, "")
	})
	wantNoAttr(t, s, AttrClientIP)
}
