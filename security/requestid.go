package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
)

// RequestIDHeader carries the correlation ID between proxies, the server
// and its logs.
const RequestIDHeader = "X-Request-ID"

// Upstream IDs are only trusted when they look like an ID: letters,
// digits, hyphens and underscores, at most 128 bytes. Anything else (CRLF
// sequences, oversized values) is discarded and replaced, which keeps
// header injection out of responses and logs. The common proxy formats
// (AWS ALB, GCP LB, Cloudflare) all pass.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

type requestIDContextKey struct{}

// GenerateRequestID returns 128 bits from crypto/rand as unpadded
// base64url (22 characters). Panics if the system RNG fails; nothing
// sensible can run without one.
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID returns ctx carrying the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID returns the request ID stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// RequestIDMiddleware ensures every request has a correlation ID: a valid
// upstream X-Request-ID is kept so traces stay continuous across proxies,
// anything else is replaced with a generated one. The ID is echoed in the
// response header and stored in the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !requestIDPattern.MatchString(requestID) {
			requestID = GenerateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}
