package storage

import "fmt"

// Input size limits enforced by all storage backends.
//
// SECURITY: These limits prevent memory exhaustion attacks via oversized
// inputs. They are deliberately generous - real tokens and identifiers are
// far smaller.
const (
	// MaxTokenLength is the maximum length for token values (access tokens,
	// refresh tokens, authorization codes, device codes).
	MaxTokenLength = 512

	// MaxIDLength is the maximum length for identifiers (client IDs, user
	// IDs, family IDs).
	MaxIDLength = 256
)

// ValidateTokenValue checks that a token value is non-empty and within the
// size limit.
func ValidateTokenValue(token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("token exceeds maximum length of %d bytes", MaxTokenLength)
	}
	return nil
}

// ValidateIDValue checks that an identifier is non-empty and within the size
// limit.
func ValidateIDValue(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("identifier exceeds maximum length of %d bytes", MaxIDLength)
	}
	return nil
}
