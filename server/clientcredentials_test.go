package server

import (
	"context"
	"testing"
)

func TestClientCredentialsGrant(t *testing.T) {
	srv := newTestServer(t)
	client, secret := registerTestClient(t, srv, ClientTypeConfidential, GrantTypeClientCredentials)
	ctx := context.Background()

	grant, err := srv.ClientCredentialsGrant(ctx, client.ClientID, secret, "api:read", nil, testIPAddress)
	if err != nil {
		t.Fatalf("ClientCredentialsGrant() error = %v", err)
	}

	if grant.AccessToken == "" {
		t.Error("AccessToken should not be empty")
	}
	if grant.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty: the grant has no refresh tokens", grant.RefreshToken)
	}
	if grant.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", grant.TokenType, "Bearer")
	}
	if grant.Scope != "api:read" {
		t.Errorf("Scope = %q, want %q", grant.Scope, "api:read")
	}

	// The token acts for the client itself, with no user binding.
	meta, err := srv.tokenStore.GetAccessToken(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if meta.UserID != "" {
		t.Errorf("UserID = %q, want empty", meta.UserID)
	}
	if meta.Username != "" {
		t.Errorf("Username = %q, want empty", meta.Username)
	}
	if meta.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", meta.ClientID, client.ClientID)
	}
	if meta.GrantType != GrantTypeClientCredentials {
		t.Errorf("GrantType = %q, want %q", meta.GrantType, GrantTypeClientCredentials)
	}
}

func TestClientCredentialsGrant_Errors(t *testing.T) {
	srv := newTestServer(t)
	ccClient, ccSecret := registerTestClient(t, srv, ClientTypeConfidential, GrantTypeClientCredentials)
	webClient, webSecret := registerTestClient(t, srv, ClientTypeConfidential, GrantTypeAuthorizationCode)
	publicClient, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode)

	tests := []struct {
		name      string
		clientID  string
		secret    string
		scope     string
		resources []string
		wantCode  string
	}{
		{
			name:     "unknown client",
			clientID: "no-such-client",
			secret:   "whatever",
			scope:    "api:read",
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "wrong secret",
			clientID: ccClient.ClientID,
			secret:   ccSecret + "-wrong",
			scope:    "api:read",
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "public client",
			clientID: publicClient.ClientID,
			secret:   "",
			scope:    "api:read",
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "client without the grant",
			clientID: webClient.ClientID,
			secret:   webSecret,
			scope:    "api:read",
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "unsupported scope",
			clientID: ccClient.ClientID,
			secret:   ccSecret,
			scope:    "superuser",
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:      "malformed resource",
			clientID:  ccClient.ClientID,
			secret:    ccSecret,
			scope:     "api:read",
			resources: []string{"not a uri"},
			wantCode:  ErrorCodeInvalidTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.ClientCredentialsGrant(context.Background(), tt.clientID, tt.secret, tt.scope, tt.resources, testIPAddress)
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestClientCredentialsGrant_DefaultsToClientScopes(t *testing.T) {
	srv := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &RegisterClientRequest{
		ClientName: "Batch Worker",
		ClientType: ClientTypeConfidential,
		GrantTypes: []string{GrantTypeClientCredentials},
		Scopes:     []string{"api:read", "api:write"},
		IPAddress:  testIPAddress,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	grant, err := srv.ClientCredentialsGrant(context.Background(), client.ClientID, secret, "", nil, testIPAddress)
	if err != nil {
		t.Fatalf("ClientCredentialsGrant() error = %v", err)
	}
	if grant.Scope != "api:read api:write" {
		t.Errorf("Scope = %q, want client defaults %q", grant.Scope, "api:read api:write")
	}

	_, err = srv.ClientCredentialsGrant(context.Background(), client.ClientID, secret, "openid", nil, testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestClientCredentialsGrant_ResourceBinding(t *testing.T) {
	srv := newTestServer(t)

	client, secret, err := srv.RegisterClient(context.Background(), &RegisterClientRequest{
		ClientName: "Batch Worker",
		ClientType: ClientTypeConfidential,
		GrantTypes: []string{GrantTypeClientCredentials},
		Audiences:  []string{"https://api.example.com"},
		IPAddress:  testIPAddress,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	ctx := context.Background()

	grant, err := srv.ClientCredentialsGrant(ctx, client.ClientID, secret, "api:read", []string{"https://api.example.com/v1"}, testIPAddress)
	if err != nil {
		t.Fatalf("ClientCredentialsGrant() error = %v", err)
	}

	meta, err := srv.tokenStore.GetAccessToken(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if len(meta.Audience) != 1 || meta.Audience[0] != "https://api.example.com/v1" {
		t.Errorf("Audience = %v, want [https://api.example.com/v1]", meta.Audience)
	}

	_, err = srv.ClientCredentialsGrant(ctx, client.ClientID, secret, "api:read", []string{"https://other.example.com"}, testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidTarget)
}
