package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders applies the response headers every protocol endpoint
// shares. Token, introspection and device responses carry bearer secrets,
// so caching is forbidden outright (RFC 6749 section 5.1), framing and
// content sniffing are disabled, and referrers are suppressed. HSTS is
// sent only for https issuers so development setups on localhost do not
// get pinned.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()

	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
