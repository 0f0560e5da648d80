package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

// Test constants for consistent naming
const (
	testUserID   = "test-user"
	testClientID = "test-client"
)

// testStore creates a test store connected to a local Redis instance.
// Tests will be skipped if REDIS_TEST_ADDR is not set and localhost:6379 is
// unreachable. Each test gets a unique prefix to ensure isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	// Unique prefix per test so parallel tests cannot interfere
	prefix := fmt.Sprintf("grantkittest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Redis at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the store's prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		_ = s.client.Del(ctx, iter.Val()).Err()
	}
	if err := iter.Err(); err != nil {
		t.Logf("Warning: failed to scan for cleanup: %v", err)
	}
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("Expected error for missing address")
	}
	if !strings.Contains(err.Error(), "address is required") {
		t.Errorf("Expected address error, got: %v", err)
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid-host-that-does-not-exist:99999"})
	if err == nil {
		t.Fatal("Expected error for unreachable address")
	}
}

// ============================================================
// Access Token Tests
// ============================================================

func TestAccessTokenLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	meta := &storage.TokenMetadata{
		Token:     "access-token-lifecycle",
		ClientID:  testClientID,
		UserID:    testUserID,
		Username:  "Test User",
		Scope:     "openid profile",
		Audience:  []string{"https://api.example.com/v1", "https://api.example.com/v2"},
		GrantType: "authorization_code",
		JTI:       "jti-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	if err := store.SaveAccessToken(ctx, meta); err != nil {
		t.Fatalf("SaveAccessToken failed: %v", err)
	}

	got, err := store.GetAccessToken(ctx, meta.Token)
	if err != nil {
		t.Fatalf("GetAccessToken failed: %v", err)
	}
	if got.Token != meta.Token {
		t.Errorf("Token = %q, want %q", got.Token, meta.Token)
	}
	if got.ClientID != meta.ClientID || got.UserID != meta.UserID {
		t.Errorf("Identity mismatch: got client=%q user=%q", got.ClientID, got.UserID)
	}
	if got.Scope != meta.Scope {
		t.Errorf("Scope = %q, want %q", got.Scope, meta.Scope)
	}
	if len(got.Audience) != 2 || got.Audience[0] != meta.Audience[0] || got.Audience[1] != meta.Audience[1] {
		t.Errorf("Audience = %v, want %v", got.Audience, meta.Audience)
	}
	if got.GrantType != "authorization_code" {
		t.Errorf("GrantType = %q", got.GrantType)
	}

	if err := store.DeleteAccessToken(ctx, meta.Token); err != nil {
		t.Fatalf("DeleteAccessToken failed: %v", err)
	}
	if _, err := store.GetAccessToken(ctx, meta.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound after delete, got: %v", err)
	}
}

func TestSaveAccessToken_Validation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveAccessToken(ctx, nil); err == nil {
		t.Error("Expected error for nil metadata")
	}
	if err := store.SaveAccessToken(ctx, &storage.TokenMetadata{}); err == nil {
		t.Error("Expected error for empty token")
	}

	oversized := &storage.TokenMetadata{
		Token:     strings.Repeat("x", storage.MaxTokenLength+1),
		ClientID:  testClientID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, oversized); err == nil {
		t.Error("Expected error for oversized token value")
	}

	expired := &storage.TokenMetadata{
		Token:     "already-expired",
		ClientID:  testClientID,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := store.SaveAccessToken(ctx, expired); err == nil {
		t.Error("Expected error for already-expired token")
	}
}

func TestGetAccessToken_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetAccessToken(context.Background(), "no-such-token")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound, got: %v", err)
	}
}

// ============================================================
// Refresh Token Tests
// ============================================================

func TestRefreshTokenRotationConsume(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	meta := &storage.RefreshTokenMetadata{
		Token:       "refresh-rotation-1",
		ClientID:    testClientID,
		UserID:      testUserID,
		Scope:       "openid",
		FamilyID:    "family-rotate",
		Generation:  0,
		AccessToken: "paired-access-1",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, meta); err != nil {
		t.Fatalf("SaveRefreshToken failed: %v", err)
	}

	got, err := store.GetRefreshToken(ctx, meta.Token)
	if err != nil {
		t.Fatalf("GetRefreshToken failed: %v", err)
	}
	if got.FamilyID != "family-rotate" || got.Generation != 0 {
		t.Errorf("Family lineage mismatch: family=%q gen=%d", got.FamilyID, got.Generation)
	}
	if got.AccessToken != "paired-access-1" {
		t.Errorf("AccessToken = %q, want paired-access-1", got.AccessToken)
	}

	family, err := store.GetRefreshTokenFamily(ctx, meta.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily failed: %v", err)
	}
	if family.FamilyID != "family-rotate" || family.UserID != testUserID {
		t.Errorf("Family record mismatch: %+v", family)
	}

	// First consume wins.
	consumed, err := store.AtomicGetAndDeleteRefreshToken(ctx, meta.Token)
	if err != nil {
		t.Fatalf("AtomicGetAndDeleteRefreshToken failed: %v", err)
	}
	if consumed.Token != meta.Token || consumed.AccessToken != "paired-access-1" {
		t.Errorf("Consumed record mismatch: %+v", consumed)
	}

	// The token record is gone.
	if _, err := store.GetRefreshToken(ctx, meta.Token); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("Expected ErrRefreshTokenNotFound after consume, got: %v", err)
	}

	// The family mapping survives consumption: a replay of this token must
	// still resolve to its family so the reuse can be detected.
	family, err = store.GetRefreshTokenFamily(ctx, meta.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily after consume failed: %v", err)
	}
	if family.FamilyID != "family-rotate" {
		t.Errorf("FamilyID after consume = %q", family.FamilyID)
	}

	// Second consume loses.
	if _, err := store.AtomicGetAndDeleteRefreshToken(ctx, meta.Token); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("Expected ErrRefreshTokenNotFound on second consume, got: %v", err)
	}
}

func TestSaveRefreshToken_Validation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveRefreshToken(ctx, nil); err == nil {
		t.Error("Expected error for nil metadata")
	}

	noFamily := &storage.RefreshTokenMetadata{
		Token:     "refresh-no-family",
		ClientID:  testClientID,
		UserID:    testUserID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, noFamily); err == nil {
		t.Error("Expected error for missing family ID")
	}

	noBinding := &storage.RefreshTokenMetadata{
		Token:     "refresh-no-binding",
		FamilyID:  "family-x",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, noBinding); err == nil {
		t.Error("Expected error for missing user/client binding")
	}

	expired := &storage.RefreshTokenMetadata{
		Token:     "refresh-expired",
		ClientID:  testClientID,
		UserID:    testUserID,
		FamilyID:  "family-x",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, expired); err == nil {
		t.Error("Expected error for already-expired refresh token")
	}
}

func TestRefreshTokenFamily_GenerationAdvances(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for gen := 0; gen < 3; gen++ {
		meta := &storage.RefreshTokenMetadata{
			Token:      fmt.Sprintf("refresh-gen-%d", gen),
			ClientID:   testClientID,
			UserID:     testUserID,
			FamilyID:   "family-generations",
			Generation: gen,
			ExpiresAt:  time.Now().Add(24 * time.Hour),
		}
		if err := store.SaveRefreshToken(ctx, meta); err != nil {
			t.Fatalf("SaveRefreshToken gen %d failed: %v", gen, err)
		}
	}

	family, err := store.GetRefreshTokenFamily(ctx, "refresh-gen-2")
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily failed: %v", err)
	}
	if family.Generation != 2 {
		t.Errorf("Generation = %d, want 2", family.Generation)
	}
	if family.UserID != testUserID || family.ClientID != testClientID {
		t.Errorf("Family identity mismatch: %+v", family)
	}
}

// ============================================================
// Family Revocation Tests
// ============================================================

func TestRevokeRefreshTokenFamily(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	refresh := &storage.RefreshTokenMetadata{
		Token:     "family-revoke-refresh",
		ClientID:  testClientID,
		UserID:    testUserID,
		FamilyID:  "family-revoke",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := store.SaveRefreshToken(ctx, refresh); err != nil {
		t.Fatalf("SaveRefreshToken failed: %v", err)
	}

	access := &storage.TokenMetadata{
		Token:     "family-revoke-access",
		ClientID:  testClientID,
		UserID:    testUserID,
		FamilyID:  "family-revoke",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, access); err != nil {
		t.Fatalf("SaveAccessToken failed: %v", err)
	}

	revoked, err := store.RevokeRefreshTokenFamily(ctx, "family-revoke")
	if err != nil {
		t.Fatalf("RevokeRefreshTokenFamily failed: %v", err)
	}
	if revoked != 2 {
		t.Errorf("Revoked count = %d, want 2", revoked)
	}

	if _, err := store.GetRefreshToken(ctx, refresh.Token); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("Expected refresh token gone, got: %v", err)
	}
	if _, err := store.GetAccessToken(ctx, access.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Expected access token gone, got: %v", err)
	}

	isRevoked, err := store.IsFamilyRevoked(ctx, "family-revoke")
	if err != nil {
		t.Fatalf("IsFamilyRevoked failed: %v", err)
	}
	if !isRevoked {
		t.Error("Expected family to be revoked")
	}

	// The family record is retained and marked, so a replay of the consumed
	// refresh token still resolves to a revoked family.
	family, err := store.GetRefreshTokenFamily(ctx, refresh.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily after revoke failed: %v", err)
	}
	if !family.Revoked {
		t.Error("Family record should be marked revoked")
	}
	if family.RevokedAt.IsZero() {
		t.Error("RevokedAt should be set")
	}
}

func TestRevokeRefreshTokenFamily_Unknown(t *testing.T) {
	store := testStore(t)

	revoked, err := store.RevokeRefreshTokenFamily(context.Background(), "no-such-family")
	if err != nil {
		t.Fatalf("Expected nil error for unknown family, got: %v", err)
	}
	if revoked != 0 {
		t.Errorf("Revoked count = %d, want 0", revoked)
	}
}

func TestIsFamilyRevoked_Unknown(t *testing.T) {
	store := testStore(t)

	revoked, err := store.IsFamilyRevoked(context.Background(), "no-such-family")
	if err != nil {
		t.Fatalf("IsFamilyRevoked failed: %v", err)
	}
	if revoked {
		t.Error("Unknown family should not be revoked")
	}
}

// ============================================================
// User+Client Revocation Tests
// ============================================================

func TestRevokeAllTokensForUserClient(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Two families with one refresh token each, plus one standalone access
	// token without a family.
	for i, familyID := range []string{"uc-family-1", "uc-family-2"} {
		meta := &storage.RefreshTokenMetadata{
			Token:     fmt.Sprintf("uc-refresh-%d", i),
			ClientID:  testClientID,
			UserID:    testUserID,
			FamilyID:  familyID,
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}
		if err := store.SaveRefreshToken(ctx, meta); err != nil {
			t.Fatalf("SaveRefreshToken failed: %v", err)
		}
	}
	standalone := &storage.TokenMetadata{
		Token:     "uc-standalone-access",
		ClientID:  testClientID,
		UserID:    testUserID,
		GrantType: "authorization_code",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, standalone); err != nil {
		t.Fatalf("SaveAccessToken failed: %v", err)
	}

	revoked, err := store.RevokeAllTokensForUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("RevokeAllTokensForUserClient failed: %v", err)
	}
	if revoked != 3 {
		t.Errorf("Revoked count = %d, want 3", revoked)
	}

	if _, err := store.GetAccessToken(ctx, standalone.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Expected standalone access token gone, got: %v", err)
	}
	for i := 0; i < 2; i++ {
		token := fmt.Sprintf("uc-refresh-%d", i)
		if _, err := store.GetRefreshToken(ctx, token); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
			t.Errorf("Expected %s gone, got: %v", token, err)
		}
	}

	// Idempotent: everything is gone the second time.
	revoked, err = store.RevokeAllTokensForUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("Second RevokeAllTokensForUserClient failed: %v", err)
	}
	if revoked != 0 {
		t.Errorf("Second revoke count = %d, want 0", revoked)
	}
}

func TestGetTokensByUserClient(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		meta := &storage.TokenMetadata{
			Token:     fmt.Sprintf("by-user-access-%d", i),
			ClientID:  testClientID,
			UserID:    testUserID,
			ExpiresAt: time.Now().Add(time.Hour),
		}
		if err := store.SaveAccessToken(ctx, meta); err != nil {
			t.Fatalf("SaveAccessToken failed: %v", err)
		}
	}
	// A token for a different user must not appear.
	other := &storage.TokenMetadata{
		Token:     "by-user-other",
		ClientID:  testClientID,
		UserID:    "other-user",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, other); err != nil {
		t.Fatalf("SaveAccessToken failed: %v", err)
	}

	tokens, err := store.GetTokensByUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("GetTokensByUserClient failed: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("Token count = %d, want 2", len(tokens))
	}
	for _, token := range tokens {
		if !strings.HasPrefix(token, "by-user-access-") {
			t.Errorf("Unexpected token in result: %q", token)
		}
	}

	// Deleted tokens drop out of the listing even though the index set may
	// still hold their digest.
	if err := store.DeleteAccessToken(ctx, "by-user-access-0"); err != nil {
		t.Fatalf("DeleteAccessToken failed: %v", err)
	}
	tokens, err = store.GetTokensByUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("GetTokensByUserClient failed: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "by-user-access-1" {
		t.Errorf("Live tokens = %v, want [by-user-access-1]", tokens)
	}
}

// ============================================================
// Client Store Tests
// ============================================================

func TestClientLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret-value"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}

	client := &storage.Client{
		ClientID:                "client-lifecycle",
		ClientSecretHash:        string(hash),
		ClientType:              "confidential",
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Lifecycle Test",
		Scopes:                  []string{"openid", "profile"},
		Audiences:               []string{"https://api.example.com"},
		CreatedAt:               time.Now(),
	}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	got, err := store.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientName != "Lifecycle Test" || got.ClientType != "confidential" {
		t.Errorf("Client mismatch: %+v", got)
	}
	if len(got.GrantTypes) != 2 || got.GrantTypes[0] != "authorization_code" {
		t.Errorf("GrantTypes = %v", got.GrantTypes)
	}

	if _, err := store.GetClient(ctx, "no-such-client"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("Expected ErrClientNotFound, got: %v", err)
	}
}

func TestValidateClientSecret(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	confidential := &storage.Client{
		ClientID:         "confidential-client",
		ClientSecretHash: string(hash),
		ClientType:       "confidential",
	}
	public := &storage.Client{
		ClientID:   "public-client",
		ClientType: "public",
	}
	if err := store.SaveClient(ctx, confidential); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}
	if err := store.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	if err := store.ValidateClientSecret(ctx, "confidential-client", "correct-secret"); err != nil {
		t.Errorf("Expected valid secret to pass, got: %v", err)
	}
	if err := store.ValidateClientSecret(ctx, "confidential-client", "wrong-secret"); !errors.Is(err, storage.ErrInvalidClientSecret) {
		t.Errorf("Expected ErrInvalidClientSecret, got: %v", err)
	}
	if err := store.ValidateClientSecret(ctx, "no-such-client", "anything"); !errors.Is(err, storage.ErrInvalidClientSecret) {
		t.Errorf("Expected ErrInvalidClientSecret for unknown client, got: %v", err)
	}
	if err := store.ValidateClientSecret(ctx, "public-client", ""); err != nil {
		t.Errorf("Expected public client to pass, got: %v", err)
	}
}

func TestListClients(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		client := &storage.Client{
			ClientID:   fmt.Sprintf("list-client-%d", i),
			ClientType: "public",
			CreatedAt:  time.Now(),
		}
		if err := store.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients failed: %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("Client count = %d, want 3", len(clients))
	}
}

func TestCheckIPLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	ip := "203.0.113.7"

	// No limit configured
	if err := store.CheckIPLimit(ctx, ip, 0); err != nil {
		t.Errorf("Expected nil with no limit, got: %v", err)
	}
	// Under the limit
	if err := store.CheckIPLimit(ctx, ip, 2); err != nil {
		t.Errorf("Expected nil under limit, got: %v", err)
	}

	store.TrackClientIP(ip)
	store.TrackClientIP(ip)

	err := store.CheckIPLimit(ctx, ip, 2)
	if !errors.Is(err, storage.ErrClientLimitExceeded) {
		t.Errorf("Expected ErrClientLimitExceeded, got: %v", err)
	}
	// A different IP is unaffected
	if err := store.CheckIPLimit(ctx, "203.0.113.8", 2); err != nil {
		t.Errorf("Expected nil for different IP, got: %v", err)
	}
}

// ============================================================
// Encryption at Rest Tests
// ============================================================

func TestEncryptionAtRest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	store.SetEncryptor(enc)

	meta := &storage.TokenMetadata{
		Token:     "encrypted-secret-token-value",
		ClientID:  testClientID,
		UserID:    testUserID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, meta); err != nil {
		t.Fatalf("SaveAccessToken failed: %v", err)
	}

	// The raw stored value must not contain the plaintext token.
	raw, err := store.client.Get(ctx, store.accessKey(secretDigest(meta.Token))).Result()
	if err != nil {
		t.Fatalf("Raw GET failed: %v", err)
	}
	if strings.Contains(raw, meta.Token) {
		t.Error("Plaintext token found in stored record")
	}

	// Normal retrieval decrypts transparently.
	got, err := store.GetAccessToken(ctx, meta.Token)
	if err != nil {
		t.Fatalf("GetAccessToken failed: %v", err)
	}
	if got.Token != meta.Token {
		t.Errorf("Token = %q, want %q", got.Token, meta.Token)
	}
}
