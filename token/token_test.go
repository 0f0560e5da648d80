package token

import (
	"context"
	"testing"
	"time"
)

func TestOpaqueGenerator(t *testing.T) {
	gen := OpaqueGenerator{}
	ctx := context.Background()

	tok, err := gen.Generate(ctx, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(tok) < 32 {
		t.Errorf("len(token) = %d, want at least 32", len(tok))
	}

	// Token values must not repeat
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := gen.Generate(ctx, nil)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token generated: %q", tok)
		}
		seen[tok] = true
	}
}

func TestOpaqueGenerator_URLSafe(t *testing.T) {
	gen := OpaqueGenerator{}

	tok, err := gen.Generate(context.Background(), &Claims{
		Subject:   "user",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	for _, r := range tok {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '~':
		default:
			t.Fatalf("token contains non-URL-safe character %q", r)
		}
	}
}
