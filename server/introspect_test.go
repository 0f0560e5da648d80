package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/grantkit/grantkit/storage"
)

func TestIntrospectToken_AccessToken(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode, GrantTypeRefreshToken)
	grant := issueTestTokens(t, srv, client, "openid email", nil)

	resp := srv.IntrospectToken(context.Background(), grant.AccessToken, client.ClientID, "")

	if !resp.Active {
		t.Fatal("Active = false, want true")
	}
	if resp.Scope != "openid email" {
		t.Errorf("Scope = %q, want %q", resp.Scope, "openid email")
	}
	if resp.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", resp.ClientID, client.ClientID)
	}
	if resp.Username != testUsername {
		t.Errorf("Username = %q, want %q", resp.Username, testUsername)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, "Bearer")
	}
	if resp.Sub != testUserID {
		t.Errorf("Sub = %q, want %q", resp.Sub, testUserID)
	}
	if resp.Iss != "https://auth.example.com" {
		t.Errorf("Iss = %q, want %q", resp.Iss, "https://auth.example.com")
	}
	if resp.Jti == "" {
		t.Error("Jti should carry the token's ID")
	}

	now := time.Now().Unix()
	if resp.Exp <= now {
		t.Errorf("Exp = %d, want after %d", resp.Exp, now)
	}
	if resp.Iat > now+1 {
		t.Errorf("Iat = %d, want at or before %d", resp.Iat, now)
	}
	if resp.Aud != nil {
		t.Errorf("Aud = %v, want nil for an unrestricted token", resp.Aud)
	}
}

func TestIntrospectToken_RefreshToken(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode, GrantTypeRefreshToken)
	grant := issueTestTokens(t, srv, client, "openid email", nil)

	resp := srv.IntrospectToken(context.Background(), grant.RefreshToken, client.ClientID, "")

	if !resp.Active {
		t.Fatal("Active = false, want true")
	}
	if resp.TokenType != "refresh_token" {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, "refresh_token")
	}
	if resp.Sub != testUserID {
		t.Errorf("Sub = %q, want %q", resp.Sub, testUserID)
	}
	if resp.Scope != "openid email" {
		t.Errorf("Scope = %q, want %q", resp.Scope, "openid email")
	}
	if resp.Jti != "" {
		t.Errorf("Jti = %q, want empty: refresh tokens carry no token ID", resp.Jti)
	}
}

func TestIntrospectToken_HintMismatchStillFinds(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode, GrantTypeRefreshToken)
	grant := issueTestTokens(t, srv, client, "openid", nil)
	ctx := context.Background()

	// The hint orders the search, it never narrows it (RFC 7662 §2.1).
	resp := srv.IntrospectToken(ctx, grant.AccessToken, client.ClientID, "refresh_token")
	if !resp.Active || resp.TokenType != "Bearer" {
		t.Errorf("access token with refresh_token hint: Active = %v, TokenType = %q, want active Bearer", resp.Active, resp.TokenType)
	}

	resp = srv.IntrospectToken(ctx, grant.RefreshToken, client.ClientID, "access_token")
	if !resp.Active || resp.TokenType != "refresh_token" {
		t.Errorf("refresh token with access_token hint: Active = %v, TokenType = %q, want active refresh_token", resp.Active, resp.TokenType)
	}
}

func TestIntrospectToken_AudiencePropagation(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode, GrantTypeRefreshToken)
	grant := issueTestTokens(t, srv, client, "openid", []string{"https://api.example.com/v1"})

	resp := srv.IntrospectToken(context.Background(), grant.AccessToken, client.ClientID, "")

	if !resp.Active {
		t.Fatal("Active = false, want true")
	}
	if len(resp.Aud) != 1 || resp.Aud[0] != "https://api.example.com/v1" {
		t.Errorf("Aud = %v, want [https://api.example.com/v1]", resp.Aud)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(body), `"aud":["https://api.example.com/v1"]`) {
		t.Errorf("response JSON = %s, want an aud key", body)
	}
}

// TestIntrospectToken_AudKeyAbsentWhenUnrestricted pins the wire shape:
// a token without an audience restriction has no aud key at all, which is
// how resource servers tell "unrestricted" apart from "restricted to
// something else".
func TestIntrospectToken_AudKeyAbsentWhenUnrestricted(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode, GrantTypeRefreshToken)
	grant := issueTestTokens(t, srv, client, "openid", nil)

	resp := srv.IntrospectToken(context.Background(), grant.AccessToken, client.ClientID, "")

	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(body), `"aud"`) {
		t.Errorf("response JSON = %s, want no aud key", body)
	}
}

// TestIntrospectToken_InactiveIndistinguishable verifies that unknown,
// expired, and revoked tokens produce byte-identical {"active": false}
// responses, so a probing caller cannot map out which tokens exist.
func TestIntrospectToken_InactiveIndistinguishable(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode)
	ctx := context.Background()
	now := time.Now()

	expired := &storage.TokenMetadata{
		Token:     "expired-token",
		ClientID:  client.ClientID,
		UserID:    testUserID,
		Scope:     "openid",
		GrantType: GrantTypeAuthorizationCode,
		JTI:       "jti-expired",
		IssuedAt:  now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := srv.tokenStore.SaveAccessToken(ctx, expired); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	revoked := &storage.TokenMetadata{
		Token:     "revoked-token",
		ClientID:  client.ClientID,
		UserID:    testUserID,
		Scope:     "openid",
		GrantType: GrantTypeAuthorizationCode,
		JTI:       "jti-revoked",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Revoked:   true,
	}
	if err := srv.tokenStore.SaveAccessToken(ctx, revoked); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	want, err := json.Marshal(srv.IntrospectToken(ctx, "no-such-token", client.ClientID, ""))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(want) != `{"active":false}` {
		t.Fatalf("inactive response = %s, want {\"active\":false}", want)
	}

	for _, tok := range []string{"", "expired-token", "revoked-token"} {
		got, err := json.Marshal(srv.IntrospectToken(ctx, tok, client.ClientID, ""))
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("introspection of %q = %s, want %s", tok, got, want)
		}
	}
}
