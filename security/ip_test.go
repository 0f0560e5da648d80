package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		realIP     string
		trust      bool
		proxies    int
		want       string
	}{
		{
			name:       "direct connection strips port",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:       "ipv6 peer loses brackets with port",
			remoteAddr: "[::1]:12345",
			want:       "::1",
		},
		{
			name:       "unparseable peer returned verbatim",
			remoteAddr: "malformed",
			want:       "malformed",
		},
		{
			name:       "forwarded header ignored without trust",
			remoteAddr: "10.0.0.1:12345",
			forwarded:  "203.0.113.1",
			want:       "10.0.0.1",
		},
		{
			name:       "real ip header ignored without trust",
			remoteAddr: "10.0.0.1:12345",
			realIP:     "203.0.113.1",
			want:       "10.0.0.1",
		},
		{
			name:       "single proxy implied when count is zero",
			remoteAddr: "10.0.0.1:12345",
			forwarded:  "203.0.113.1, 10.0.0.2",
			trust:      true,
			want:       "203.0.113.1",
		},
		{
			name:       "two trusted proxies skip two hops",
			remoteAddr: "10.0.0.1:12345",
			forwarded:  "203.0.113.1, 10.0.0.2, 10.0.0.3",
			trust:      true,
			proxies:    2,
			want:       "203.0.113.1",
		},
		{
			name:       "list shorter than proxy chain uses leftmost",
			remoteAddr: "10.0.0.1:12345",
			forwarded:  "203.0.113.1",
			trust:      true,
			proxies:    3,
			want:       "203.0.113.1",
		},
		{
			name:       "whitespace around entries trimmed",
			remoteAddr: "10.0.0.1:12345",
			forwarded:  " 203.0.113.1 , 10.0.0.2 ",
			trust:      true,
			want:       "203.0.113.1",
		},
		{
			name:       "garbage forwarded entry falls back to peer",
			remoteAddr: "10.0.0.1:12345",
			forwarded:  "not-an-ip",
			trust:      true,
			want:       "10.0.0.1",
		},
		{
			name:       "real ip used when forwarded absent",
			remoteAddr: "10.0.0.1:12345",
			realIP:     "203.0.113.1",
			trust:      true,
			want:       "203.0.113.1",
		},
		{
			name:       "garbage real ip falls back to peer",
			remoteAddr: "10.0.0.1:12345",
			realIP:     "also-not-an-ip",
			trust:      true,
			want:       "10.0.0.1",
		},
		{
			name:       "header injection cannot smuggle a name",
			remoteAddr: "10.0.0.1:12345",
			forwarded:  "evil.example.com, 10.0.0.2",
			trust:      true,
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := GetClientIP(req, tt.trust, tt.proxies); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
