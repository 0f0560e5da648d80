package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// captureAuditor returns an enabled auditor whose output lands in the
// returned buffer.
func captureAuditor(t *testing.T) (*Auditor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true), &buf
}

func TestAuditor_DisabledSwallowsEvents(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogEvent(Event{Type: "anything", UserID: "user-1"})

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditor_NilLoggerFallsBack(t *testing.T) {
	if NewAuditor(nil, true) == nil {
		t.Fatal("NewAuditor(nil, true) returned nil")
	}
}

func TestAuditor_LogEventFields(t *testing.T) {
	auditor, buf := captureAuditor(t)

	auditor.LogEvent(Event{
		Type:      "test_event",
		UserID:    "alice@example.com",
		ClientID:  "client-456",
		IPAddress: "192.168.1.1",
		Details:   map[string]any{"key": "value"},
	})

	out := buf.String()
	for _, want := range []string{"security_audit", "test_event", "client-456", "192.168.1.1", "key"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	// The raw user ID must never reach the log stream; only its hash.
	if strings.Contains(out, "alice@example.com") {
		t.Errorf("log output contains the raw user ID: %s", out)
	}
	if !strings.Contains(out, hashPII("alice@example.com")) {
		t.Errorf("log output missing the hashed user ID: %s", out)
	}
}

func TestAuditor_EventHook(t *testing.T) {
	auditor, _ := captureAuditor(t)

	var seen []string
	auditor.SetEventHook(func(eventType string) {
		seen = append(seen, eventType)
	})

	auditor.LogTokenIssued("user-1", "client-1", "10.0.0.1", "authorization_code", "openid")
	auditor.LogDeviceDenied("client-1", "10.0.0.1")

	if len(seen) != 2 || seen[0] != EventTokenIssued || seen[1] != EventDeviceDenied {
		t.Errorf("hook saw %v, want [%s %s]", seen, EventTokenIssued, EventDeviceDenied)
	}
}

func TestAuditor_EventHookNotCalledWhenDisabled(t *testing.T) {
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), false)

	called := false
	auditor.SetEventHook(func(string) { called = true })
	auditor.LogEvent(Event{Type: "suppressed"})

	if called {
		t.Error("hook fired for an event the disabled auditor swallowed")
	}
}

func TestAuditor_ConvenienceMethods(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantType  string
		wantParts []string
	}{
		{
			name:      "token issued",
			log:       func(a *Auditor) { a.LogTokenIssued("u", "c", "ip", "authorization_code", "openid email") },
			wantType:  EventTokenIssued,
			wantParts: []string{"authorization_code", "openid email"},
		},
		{
			name:      "token refreshed",
			log:       func(a *Auditor) { a.LogTokenRefreshed("u", "c", "ip", true) },
			wantType:  EventTokenRefreshed,
			wantParts: []string{"rotated=true"},
		},
		{
			name:      "token revoked",
			log:       func(a *Auditor) { a.LogTokenRevoked("u", "c", "ip", "refresh_token") },
			wantType:  EventTokenRevoked,
			wantParts: []string{"refresh_token"},
		},
		{
			name:     "authorization code issued",
			log:      func(a *Auditor) { a.LogAuthorizationCodeIssued("u", "c", "ip") },
			wantType: EventAuthorizationCodeIssued,
		},
		{
			name:      "code reuse detected",
			log:       func(a *Auditor) { a.LogCodeReuseDetected("u", "c", "ip", 3) },
			wantType:  EventAuthorizationCodeReuseDetected,
			wantParts: []string{"tokens_revoked=3"},
		},
		{
			name:      "token reuse detected hashes family id",
			log:       func(a *Auditor) { a.LogTokenReuseDetected("u", "c", "ip", "family-secret", 2) },
			wantType:  EventTokenReuseDetected,
			wantParts: []string{hashPII("family-secret"), "tokens_revoked=2"},
		},
		{
			name:     "device flow started",
			log:      func(a *Auditor) { a.LogDeviceAuthorizationStarted("c", "ip") },
			wantType: EventDeviceAuthorizationStarted,
		},
		{
			name:     "device approved",
			log:      func(a *Auditor) { a.LogDeviceApproved("u", "c", "ip") },
			wantType: EventDeviceApproved,
		},
		{
			name:     "device denied",
			log:      func(a *Auditor) { a.LogDeviceDenied("c", "ip") },
			wantType: EventDeviceDenied,
		},
		{
			name:      "auth failure",
			log:       func(a *Auditor) { a.LogAuthFailure("u", "c", "ip", "bad secret") },
			wantType:  EventAuthFailure,
			wantParts: []string{"bad secret"},
		},
		{
			name:      "client registered",
			log:       func(a *Auditor) { a.LogClientRegistered("c", "public", "ip") },
			wantType:  EventClientRegistered,
			wantParts: []string{"client_type=public"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := captureAuditor(t)
			tt.log(auditor)

			out := buf.String()
			if !strings.Contains(out, tt.wantType) {
				t.Errorf("log output missing event type %q: %s", tt.wantType, out)
			}
			for _, part := range tt.wantParts {
				if !strings.Contains(out, part) {
					t.Errorf("log output missing %q: %s", part, out)
				}
			}
		})
	}
}

func TestHashPII(t *testing.T) {
	if got := hashPII(""); got != "<empty>" {
		t.Errorf("hashPII(\"\") = %q, want <empty>", got)
	}

	first := hashPII("alice@example.com")
	if len(first) != 16 {
		t.Errorf("len(hashPII()) = %d, want 16", len(first))
	}
	if first != hashPII("alice@example.com") {
		t.Error("hashPII is not deterministic")
	}
	if first == hashPII("bob@example.com") {
		t.Error("different inputs hashed to the same value")
	}
	if strings.Contains(first, "alice") {
		t.Error("hash leaks input text")
	}
}
