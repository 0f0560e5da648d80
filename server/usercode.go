package server

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// UserCodeAlphabet is the character set for device user codes (RFC 8628
// §6.1). Visually ambiguous characters (0/O, 1/I/L) are excluded so codes
// survive being read off a TV screen and typed on a phone.
const UserCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// generateUserCode returns a random user code of length characters drawn
// uniformly from UserCodeAlphabet, in normalized (separator-free) form.
func generateUserCode(length int) (string, error) {
	if length <= 0 {
		length = 8
	}

	const alphabetSize = len(UserCodeAlphabet)
	// Largest multiple of the alphabet size that fits in a byte; values at
	// or above it are rejected to keep the distribution uniform.
	const limit = byte(256 - 256%alphabetSize)

	code := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(code) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			code = append(code, UserCodeAlphabet[int(b)%alphabetSize])
			if len(code) == length {
				break
			}
		}
	}

	return string(code), nil
}

// NormalizeUserCode canonicalizes user input for lookup: uppercase with
// separators and spaces stripped. "wdjb-mjht" and "WDJBMJHT" normalize to
// the same code.
func NormalizeUserCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, c := range strings.ToUpper(code) {
		if c == '-' || c == ' ' {
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// FormatUserCode renders a user code for display, grouped in fours:
// "WDJBMJHT" becomes "WDJB-MJHT".
func FormatUserCode(code string) string {
	normalized := NormalizeUserCode(code)
	if len(normalized) <= 4 {
		return normalized
	}

	var b strings.Builder
	b.Grow(len(normalized) + len(normalized)/4)
	for i := 0; i < len(normalized); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 4
		if end > len(normalized) {
			end = len(normalized)
		}
		b.WriteString(normalized[i:end])
	}
	return b.String()
}
