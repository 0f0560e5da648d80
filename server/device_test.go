package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grantkit/grantkit/storage"
)

// beginTestDeviceAuth starts a device authorization and returns the stored
// record carrying both codes.
func beginTestDeviceAuth(t *testing.T, srv *Server, client *storage.Client, scope string) *storage.DeviceAuthorization {
	t.Helper()

	auth, err := srv.BeginDeviceAuthorization(context.Background(), client.ClientID, scope, nil, testIPAddress)
	if err != nil {
		t.Fatalf("BeginDeviceAuthorization() error = %v", err)
	}
	return auth
}

// clearPollWindow zeroes a device authorization's poll timestamp. Every poll
// restarts the wait window, so back-to-back polls in a test would answer
// slow_down instead of the state under test.
func clearPollWindow(t *testing.T, srv *Server, deviceCode string) {
	t.Helper()

	ctx := context.Background()
	auth, err := srv.deviceStore.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization() error = %v", err)
	}
	auth.LastPolledAt = time.Time{}
	if err := srv.deviceStore.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}
}

func TestBeginDeviceAuthorization(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode, GrantTypeRefreshToken)

	before := time.Now()
	auth, err := srv.BeginDeviceAuthorization(context.Background(), client.ClientID, "openid email", nil, testIPAddress)
	if err != nil {
		t.Fatalf("BeginDeviceAuthorization() error = %v", err)
	}

	if auth.DeviceCode == "" {
		t.Error("DeviceCode should not be empty")
	}
	if len(auth.UserCode) != srv.Config.UserCodeLength {
		t.Errorf("UserCode length = %d, want %d", len(auth.UserCode), srv.Config.UserCodeLength)
	}
	for _, c := range auth.UserCode {
		if !strings.ContainsRune(UserCodeAlphabet, c) {
			t.Errorf("UserCode = %q contains %q, outside the user code alphabet", auth.UserCode, c)
		}
	}
	if auth.Status != storage.DeviceStatusPending {
		t.Errorf("Status = %q, want %q", auth.Status, storage.DeviceStatusPending)
	}
	if auth.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", auth.ClientID, client.ClientID)
	}
	if auth.Scope != "openid email" {
		t.Errorf("Scope = %q, want %q", auth.Scope, "openid email")
	}
	if auth.Interval != srv.Config.DevicePollInterval {
		t.Errorf("Interval = %d, want %d", auth.Interval, srv.Config.DevicePollInterval)
	}

	wantExpiry := before.Add(time.Duration(srv.Config.DeviceCodeTTL) * time.Second)
	if auth.ExpiresAt.Before(wantExpiry.Add(-time.Minute)) || auth.ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want about %v", auth.ExpiresAt, wantExpiry)
	}
}

func TestBeginDeviceAuthorization_Errors(t *testing.T) {
	srv := newTestServer(t)
	deviceClient, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	webClient, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeAuthorizationCode)

	tests := []struct {
		name      string
		clientID  string
		scope     string
		resources []string
		wantCode  string
	}{
		{
			name:     "unknown client",
			clientID: "no-such-client",
			scope:    "openid",
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "client without device grant",
			clientID: webClient.ClientID,
			scope:    "openid",
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "unsupported scope",
			clientID: deviceClient.ClientID,
			scope:    "superuser",
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:      "malformed resource",
			clientID:  deviceClient.ClientID,
			scope:     "openid",
			resources: []string{"not a uri"},
			wantCode:  ErrorCodeInvalidTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.BeginDeviceAuthorization(context.Background(), tt.clientID, tt.scope, tt.resources, testIPAddress)
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestBeginDeviceAuthorization_DefaultsToClientScopes(t *testing.T) {
	srv := newTestServer(t)

	client, _, err := srv.RegisterClient(context.Background(), &RegisterClientRequest{
		ClientName: "TV App",
		ClientType: ClientTypePublic,
		GrantTypes: []string{GrantTypeDeviceCode},
		Scopes:     []string{"openid", "email"},
		IPAddress:  testIPAddress,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	auth := beginTestDeviceAuth(t, srv, client, "")
	if auth.Scope != "openid email" {
		t.Errorf("Scope = %q, want client defaults %q", auth.Scope, "openid email")
	}

	_, err = srv.BeginDeviceAuthorization(context.Background(), client.ClientID, "openid profile", nil, testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestBeginDeviceAuthorization_ClientAudienceRestriction(t *testing.T) {
	srv := newTestServer(t)

	client, _, err := srv.RegisterClient(context.Background(), &RegisterClientRequest{
		ClientName: "TV App",
		ClientType: ClientTypePublic,
		GrantTypes: []string{GrantTypeDeviceCode},
		Audiences:  []string{"https://api.example.com"},
		IPAddress:  testIPAddress,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	auth, err := srv.BeginDeviceAuthorization(context.Background(), client.ClientID, "openid", []string{"https://api.example.com/v1"}, testIPAddress)
	if err != nil {
		t.Fatalf("BeginDeviceAuthorization() error = %v", err)
	}
	if len(auth.Resources) != 1 || auth.Resources[0] != "https://api.example.com/v1" {
		t.Errorf("Resources = %v, want [https://api.example.com/v1]", auth.Resources)
	}

	_, err = srv.BeginDeviceAuthorization(context.Background(), client.ClientID, "openid", []string{"https://other.example.com"}, testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidTarget)
}

func TestVerificationURIComplete(t *testing.T) {
	srv := newTestServer(t)

	got := srv.VerificationURIComplete("wdjbmjht")
	want := "https://auth.example.com/device?user_code=WDJB-MJHT"
	if got != want {
		t.Errorf("VerificationURIComplete() = %q, want %q", got, want)
	}
}

func TestPollDeviceToken(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode, GrantTypeRefreshToken)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid email")

	// Pending until the user acts.
	_, err := srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeAuthorizationPending)

	// The user types the code the way the screen shows it: grouped,
	// and here in lowercase. Approval normalizes it.
	typed := strings.ToLower(FormatUserCode(auth.UserCode))
	if _, err := srv.ApproveDeviceAuthorization(ctx, typed, testUserID, testUsername, testIPAddress); err != nil {
		t.Fatalf("ApproveDeviceAuthorization() error = %v", err)
	}

	clearPollWindow(t, srv, auth.DeviceCode)
	grant, err := srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	if err != nil {
		t.Fatalf("PollDeviceToken() error = %v", err)
	}

	if grant.AccessToken == "" {
		t.Error("AccessToken should not be empty")
	}
	if grant.RefreshToken == "" {
		t.Error("RefreshToken should not be empty for a client with the refresh_token grant")
	}
	if grant.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", grant.TokenType, "Bearer")
	}
	if grant.Scope != "openid email" {
		t.Errorf("Scope = %q, want %q", grant.Scope, "openid email")
	}

	meta, err := srv.tokenStore.GetAccessToken(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if meta.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", meta.UserID, testUserID)
	}
	if meta.Username != testUsername {
		t.Errorf("Username = %q, want %q", meta.Username, testUsername)
	}
	if meta.GrantType != GrantTypeDeviceCode {
		t.Errorf("GrantType = %q, want %q", meta.GrantType, GrantTypeDeviceCode)
	}

	// A device code is single use.
	clearPollWindow(t, srv, auth.DeviceCode)
	_, err = srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestPollDeviceToken_Denied(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")

	denied, err := srv.DenyDeviceAuthorization(ctx, auth.UserCode, testIPAddress)
	if err != nil {
		t.Fatalf("DenyDeviceAuthorization() error = %v", err)
	}
	if denied.Status != storage.DeviceStatusDenied {
		t.Errorf("Status = %q, want %q", denied.Status, storage.DeviceStatusDenied)
	}

	_, err = srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeAccessDenied)

	// Denial is stable: the device keeps getting access_denied, not an
	// error that would prompt a retry loop.
	clearPollWindow(t, srv, auth.DeviceCode)
	_, err = srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeAccessDenied)
}

func TestPollDeviceToken_SlowDown(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")

	// The first poll is allowed and starts the wait window.
	_, err := srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeAuthorizationPending)

	// Polling again inside the window draws slow_down and lengthens the
	// interval.
	_, err = srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeSlowDown)

	stored, err := srv.deviceStore.GetDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization() error = %v", err)
	}
	if want := auth.Interval + srv.Config.SlowDownIncrement; stored.Interval != want {
		t.Errorf("Interval = %d, want %d", stored.Interval, want)
	}

	// Premature polls restart the window, so an impatient device keeps
	// drawing slow_down.
	_, err = srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeSlowDown)

	stored, err = srv.deviceStore.GetDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization() error = %v", err)
	}
	if want := auth.Interval + 2*srv.Config.SlowDownIncrement; stored.Interval != want {
		t.Errorf("Interval after second premature poll = %d, want %d", stored.Interval, want)
	}
}

func TestPollDeviceToken_WrongClient(t *testing.T) {
	srv := newTestServer(t)
	owner, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	other, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, owner, "openid")
	if _, err := srv.ApproveDeviceAuthorization(ctx, auth.UserCode, testUserID, testUsername, testIPAddress); err != nil {
		t.Fatalf("ApproveDeviceAuthorization() error = %v", err)
	}

	// A stolen device code polled by another client is rejected without
	// consuming the approval or shifting the poll window.
	_, err := srv.PollDeviceToken(ctx, other.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	grant, err := srv.PollDeviceToken(ctx, owner.ClientID, auth.DeviceCode, testIPAddress)
	if err != nil {
		t.Fatalf("PollDeviceToken() by the owning client error = %v", err)
	}
	if grant.AccessToken == "" {
		t.Error("AccessToken should not be empty")
	}
}

func TestPollDeviceToken_Expired(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")

	stored, err := srv.deviceStore.GetDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization() error = %v", err)
	}
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	if err := srv.deviceStore.SaveDeviceAuthorization(ctx, stored); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	_, err = srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeExpiredToken)
}

func TestPollDeviceToken_UnknownCode(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)

	_, err := srv.PollDeviceToken(context.Background(), client.ClientID, "no-such-device-code", testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestPollDeviceToken_NoRefreshTokenWithoutGrant(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")
	if _, err := srv.ApproveDeviceAuthorization(ctx, auth.UserCode, testUserID, testUsername, testIPAddress); err != nil {
		t.Fatalf("ApproveDeviceAuthorization() error = %v", err)
	}

	grant, err := srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
	if err != nil {
		t.Fatalf("PollDeviceToken() error = %v", err)
	}
	if grant.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty for a client without the refresh_token grant", grant.RefreshToken)
	}
}

func TestGetDeviceAuthorizationByUserCode(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")

	// The verification UI receives whatever the user typed; lowercase with
	// separators must resolve to the same record as the canonical form.
	typed := strings.ToLower(auth.UserCode[:4]) + "-" + strings.ToLower(auth.UserCode[4:])
	got, err := srv.GetDeviceAuthorizationByUserCode(ctx, typed)
	if err != nil {
		t.Fatalf("GetDeviceAuthorizationByUserCode(%q) error = %v", typed, err)
	}
	if got.DeviceCode != auth.DeviceCode {
		t.Errorf("DeviceCode = %q, want %q", got.DeviceCode, auth.DeviceCode)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}
	if got.Status != storage.DeviceStatusPending {
		t.Errorf("Status = %q, want %q", got.Status, storage.DeviceStatusPending)
	}

	_, err = srv.GetDeviceAuthorizationByUserCode(ctx, "")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	_, err = srv.GetDeviceAuthorizationByUserCode(ctx, "ZZZZZZZZ")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestApproveDeviceAuthorization(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")

	approved, err := srv.ApproveDeviceAuthorization(ctx, auth.UserCode, testUserID, testUsername, testIPAddress)
	if err != nil {
		t.Fatalf("ApproveDeviceAuthorization() error = %v", err)
	}
	if approved.Status != storage.DeviceStatusApproved {
		t.Errorf("Status = %q, want %q", approved.Status, storage.DeviceStatusApproved)
	}
	if approved.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", approved.UserID, testUserID)
	}
	if approved.Username != testUsername {
		t.Errorf("Username = %q, want %q", approved.Username, testUsername)
	}
}

func TestApproveDeviceAuthorization_Errors(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	tests := []struct {
		name     string
		userCode func(t *testing.T) string
		wantCode string
	}{
		{
			name:     "empty user code",
			userCode: func(t *testing.T) string { return "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "separators only",
			userCode: func(t *testing.T) string { return " -- -- " },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown user code",
			userCode: func(t *testing.T) string { return "ZZZZZZZZ" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "already approved",
			userCode: func(t *testing.T) string {
				auth := beginTestDeviceAuth(t, srv, client, "openid")
				if _, err := srv.ApproveDeviceAuthorization(ctx, auth.UserCode, testUserID, testUsername, testIPAddress); err != nil {
					t.Fatalf("ApproveDeviceAuthorization() error = %v", err)
				}
				return auth.UserCode
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "already denied",
			userCode: func(t *testing.T) string {
				auth := beginTestDeviceAuth(t, srv, client, "openid")
				if _, err := srv.DenyDeviceAuthorization(ctx, auth.UserCode, testIPAddress); err != nil {
					t.Fatalf("DenyDeviceAuthorization() error = %v", err)
				}
				return auth.UserCode
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "expired authorization",
			userCode: func(t *testing.T) string {
				auth := beginTestDeviceAuth(t, srv, client, "openid")
				stored, err := srv.deviceStore.GetDeviceAuthorization(ctx, auth.DeviceCode)
				if err != nil {
					t.Fatalf("GetDeviceAuthorization() error = %v", err)
				}
				stored.ExpiresAt = time.Now().Add(-time.Minute)
				if err := srv.deviceStore.SaveDeviceAuthorization(ctx, stored); err != nil {
					t.Fatalf("SaveDeviceAuthorization() error = %v", err)
				}
				return auth.UserCode
			},
			wantCode: ErrorCodeExpiredToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.ApproveDeviceAuthorization(ctx, tt.userCode(t), testUserID, testUsername, testIPAddress)
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestDenyDeviceAuthorization_NotPending(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")
	if _, err := srv.DenyDeviceAuthorization(ctx, auth.UserCode, testIPAddress); err != nil {
		t.Fatalf("DenyDeviceAuthorization() error = %v", err)
	}

	_, err := srv.DenyDeviceAuthorization(ctx, auth.UserCode, testIPAddress)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

// TestPollDeviceToken_Concurrent verifies the approved -> consumed transition
// is won by exactly one of N simultaneous polls. The losers draw slow_down or
// invalid_grant; none of them gets a second set of tokens.
func TestPollDeviceToken_Concurrent(t *testing.T) {
	srv := newTestServer(t)
	client, _ := registerTestClient(t, srv, ClientTypePublic, GrantTypeDeviceCode)
	ctx := context.Background()

	auth := beginTestDeviceAuth(t, srv, client, "openid")
	if _, err := srv.ApproveDeviceAuthorization(ctx, auth.UserCode, testUserID, testUsername, testIPAddress); err != nil {
		t.Fatalf("ApproveDeviceAuthorization() error = %v", err)
	}

	const pollers = 10
	var wg sync.WaitGroup
	results := make(chan error, pollers)

	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.PollDeviceToken(ctx, client.ClientID, auth.DeviceCode, testIPAddress)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("concurrent polls issued tokens %d times, want exactly 1", successes)
	}
}
