package security

import "time"

// DefaultClockSkewGracePeriod is how far past its recorded expiry a token
// is still honored. Stores, the engine and resource servers each check
// expiry against their own clock; a few seconds of NTP drift between them
// must not invalidate a token the issuer considers live. Five seconds
// covers typical drift while extending the effective lifetime by a
// negligible fraction of any configured TTL.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt is more than the clock-skew
// grace period in the past. A zero expiry never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(DefaultClockSkewGracePeriod))
}
