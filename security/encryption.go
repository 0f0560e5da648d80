package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Encryptor seals individual record fields (token values, user codes,
// client secrets) with AES-256-GCM before a store persists them. Stores
// address records by digest of the plaintext, so sealing a field never
// changes how it is looked up. A zero-key encryptor is a pass-through:
// call sites stay unconditional whether sealing is on or off.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor returns an encryptor for the given 32-byte AES-256 key.
// A nil or empty key yields a disabled pass-through encryptor; any other
// length is an error.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// IsEnabled reports whether values are actually sealed.
func (e *Encryptor) IsEnabled() bool {
	return e.aead != nil
}

// Encrypt seals plaintext and returns base64([nonce][ciphertext]).
// A disabled encryptor returns the input unchanged.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if e.aead == nil {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to its first argument, producing the stored
	// [nonce][ciphertext] layout in one allocation.
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated values fail GCM
// authentication and return an error rather than garbage.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if e.aead == nil {
		return encoded, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(sealed) < e.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh 32-byte AES-256 key from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard-base64 key and checks its length, so
// a truncated environment variable fails at startup instead of at the
// first write.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("decoded key must be exactly 32 bytes, got %d", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a key for storage in configuration.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
