package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/grantkit/grantkit/storage"
)

const testSlowDownIncrement = 5

func testDeviceAuthorization(suffix string) *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		ID:         "audit-" + suffix,
		DeviceCode: "device-code-" + suffix,
		UserCode:   "USERCODE" + strings.ToUpper(suffix),
		ClientID:   testClientID,
		Scope:      "openid",
		Status:     storage.DeviceStatusPending,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(15 * time.Minute),
		Interval:   5,
	}
}

func TestDeviceAuthorizationApprovalFlow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	auth := testDeviceAuthorization("approve")
	if err := store.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization failed: %v", err)
	}

	// First poll is never premature; the grant is still pending.
	_, err := store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now, testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceAuthorizationPending) {
		t.Fatalf("Expected ErrDeviceAuthorizationPending, got: %v", err)
	}

	// The verification UI looks the grant up by user code.
	byUser, err := store.GetDeviceAuthorizationByUserCode(ctx, auth.UserCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorizationByUserCode failed: %v", err)
	}
	if byUser.DeviceCode != auth.DeviceCode || byUser.Status != storage.DeviceStatusPending {
		t.Errorf("User code lookup mismatch: %+v", byUser)
	}

	approved, err := store.ApproveDeviceAuthorization(ctx, auth.UserCode, testUserID, "Test User")
	if err != nil {
		t.Fatalf("ApproveDeviceAuthorization failed: %v", err)
	}
	if approved.Status != storage.DeviceStatusApproved || approved.UserID != testUserID {
		t.Errorf("Approved record mismatch: %+v", approved)
	}

	// Next on-time poll claims the approval.
	claimed, err := store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now.Add(6*time.Second), testSlowDownIncrement)
	if err != nil {
		t.Fatalf("Poll after approval failed: %v", err)
	}
	if claimed.Status != storage.DeviceStatusConsumed {
		t.Errorf("Status = %q, want consumed", claimed.Status)
	}
	if claimed.UserID != testUserID || claimed.Username != "Test User" {
		t.Errorf("Approved identity not bound: %+v", claimed)
	}

	// Everyone after the winner sees consumed.
	_, err = store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now.Add(12*time.Second), testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceCodeConsumed) {
		t.Errorf("Expected ErrDeviceCodeConsumed, got: %v", err)
	}

	// Approval can only happen once.
	_, err = store.ApproveDeviceAuthorization(ctx, auth.UserCode, testUserID, "Test User")
	if !errors.Is(err, storage.ErrDeviceNotPending) {
		t.Errorf("Expected ErrDeviceNotPending, got: %v", err)
	}
}

func TestDeviceAuthorizationDenialFlow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	auth := testDeviceAuthorization("deny")
	if err := store.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization failed: %v", err)
	}

	denied, err := store.DenyDeviceAuthorization(ctx, auth.UserCode)
	if err != nil {
		t.Fatalf("DenyDeviceAuthorization failed: %v", err)
	}
	if denied.Status != storage.DeviceStatusDenied {
		t.Errorf("Status = %q, want denied", denied.Status)
	}

	_, err = store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now, testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceAccessDenied) {
		t.Errorf("Expected ErrDeviceAccessDenied, got: %v", err)
	}

	_, err = store.DenyDeviceAuthorization(ctx, auth.UserCode)
	if !errors.Is(err, storage.ErrDeviceNotPending) {
		t.Fatalf("Expected ErrDeviceNotPending on second deny, got: %v", err)
	}
	if !strings.Contains(err.Error(), "status is denied") {
		t.Errorf("Error should name the current status, got: %v", err)
	}
}

func TestDevicePollSlowDown(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	auth := testDeviceAuthorization("slowdown")
	if err := store.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization failed: %v", err)
	}

	if _, err := store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now, testSlowDownIncrement); !errors.Is(err, storage.ErrDeviceAuthorizationPending) {
		t.Fatalf("Expected pending on first poll, got: %v", err)
	}

	// One second later is inside the 5s interval: slow_down, interval grows.
	_, err := store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now.Add(time.Second), testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceSlowDown) {
		t.Fatalf("Expected ErrDeviceSlowDown, got: %v", err)
	}
	if !strings.Contains(err.Error(), "retry in 10 seconds") {
		t.Errorf("Error should carry the grown interval, got: %v", err)
	}

	got, err := store.GetDeviceAuthorization(ctx, auth.DeviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization failed: %v", err)
	}
	if got.Interval != 10 {
		t.Errorf("Interval = %d, want 10", got.Interval)
	}

	// A premature poll restarts the window, so polling again relative to the
	// ORIGINAL schedule is still premature and the interval keeps growing.
	_, err = store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now.Add(2*time.Second), testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceSlowDown) {
		t.Fatalf("Expected ErrDeviceSlowDown again, got: %v", err)
	}

	// Waiting out the grown interval (15s from the last poll at now+2s)
	// gets back to a normal pending answer.
	_, err = store.AtomicPollDeviceAuthorization(ctx, auth.DeviceCode, now.Add(17*time.Second), testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceAuthorizationPending) {
		t.Errorf("Expected pending after backing off, got: %v", err)
	}
}

func TestDevicePollExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Plant a record whose stored expiry has passed; save rejects expired
	// authorizations, so write it the way the store would.
	deviceCode := "device-code-expired"
	userCode := "USERCODEEXPIRED"
	deviceDigest := secretDigest(deviceCode)
	raw := fmt.Sprintf(`{"device_code":%q,"user_code":%q,"client_id":%q,"status":"pending","created_at":1,"expires_at":1,"interval":5,"last_polled_at":0}`,
		deviceCode, userCode, testClientID)
	if err := store.client.Set(ctx, store.deviceKey(deviceDigest), raw, time.Hour).Err(); err != nil {
		t.Fatalf("Raw SET failed: %v", err)
	}
	if err := store.client.Set(ctx, store.userCodeKey(secretDigest(userCode)), deviceDigest, time.Hour).Err(); err != nil {
		t.Fatalf("Raw SET failed: %v", err)
	}

	_, err := store.AtomicPollDeviceAuthorization(ctx, deviceCode, time.Now(), testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceCodeExpired) {
		t.Errorf("Expected ErrDeviceCodeExpired from poll, got: %v", err)
	}

	// The user-facing lookup also rejects it.
	if _, err := store.GetDeviceAuthorizationByUserCode(ctx, userCode); !errors.Is(err, storage.ErrDeviceCodeExpired) {
		t.Errorf("Expected ErrDeviceCodeExpired from user code lookup, got: %v", err)
	}

	// The direct device-code read does not check expiry: terminal-state
	// inspection needs to see expired records.
	got, err := store.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		t.Fatalf("GetDeviceAuthorization failed: %v", err)
	}
	if got.Status != storage.DeviceStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	// Acting on an expired grant is rejected too.
	if _, err := store.ApproveDeviceAuthorization(ctx, userCode, testUserID, ""); !errors.Is(err, storage.ErrDeviceCodeExpired) {
		t.Errorf("Expected ErrDeviceCodeExpired from approve, got: %v", err)
	}
}

func TestSaveDeviceAuthorization_UserCodeCollision(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := testDeviceAuthorization("collision1")
	if err := store.SaveDeviceAuthorization(ctx, first); err != nil {
		t.Fatalf("SaveDeviceAuthorization failed: %v", err)
	}

	// Same user code, different device code: rejected.
	second := testDeviceAuthorization("collision2")
	second.UserCode = first.UserCode
	err := store.SaveDeviceAuthorization(ctx, second)
	if err == nil || !strings.Contains(err.Error(), "user code already in use") {
		t.Errorf("Expected user code collision error, got: %v", err)
	}

	// Re-saving the same authorization is fine.
	if err := store.SaveDeviceAuthorization(ctx, first); err != nil {
		t.Errorf("Re-save of same device code failed: %v", err)
	}
}

func TestDeviceAuthorization_UnknownUserCode(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if _, err := store.GetDeviceAuthorizationByUserCode(ctx, "NOSUCHCODE"); !errors.Is(err, storage.ErrUserCodeNotFound) {
		t.Errorf("Expected ErrUserCodeNotFound, got: %v", err)
	}
	if _, err := store.ApproveDeviceAuthorization(ctx, "NOSUCHCODE", testUserID, ""); !errors.Is(err, storage.ErrUserCodeNotFound) {
		t.Errorf("Expected ErrUserCodeNotFound from approve, got: %v", err)
	}
	if _, err := store.DenyDeviceAuthorization(ctx, "NOSUCHCODE"); !errors.Is(err, storage.ErrUserCodeNotFound) {
		t.Errorf("Expected ErrUserCodeNotFound from deny, got: %v", err)
	}
}

func TestDeleteDeviceAuthorization(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	auth := testDeviceAuthorization("delete")
	if err := store.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization failed: %v", err)
	}

	if err := store.DeleteDeviceAuthorization(ctx, auth.DeviceCode); err != nil {
		t.Fatalf("DeleteDeviceAuthorization failed: %v", err)
	}

	if _, err := store.GetDeviceAuthorization(ctx, auth.DeviceCode); !errors.Is(err, storage.ErrDeviceCodeNotFound) {
		t.Errorf("Expected ErrDeviceCodeNotFound after delete, got: %v", err)
	}
	// The user code mapping is released with the record.
	if _, err := store.GetDeviceAuthorizationByUserCode(ctx, auth.UserCode); !errors.Is(err, storage.ErrUserCodeNotFound) {
		t.Errorf("Expected ErrUserCodeNotFound after delete, got: %v", err)
	}

	// Deleting an unknown device code is a no-op.
	if err := store.DeleteDeviceAuthorization(ctx, "no-such-device-code"); err != nil {
		t.Errorf("Delete of unknown device code should be nil, got: %v", err)
	}
}

func TestDevicePollUnknownDeviceCode(t *testing.T) {
	store := testStore(t)

	_, err := store.AtomicPollDeviceAuthorization(context.Background(), "no-such-device", time.Now(), testSlowDownIncrement)
	if !errors.Is(err, storage.ErrDeviceCodeNotFound) {
		t.Errorf("Expected ErrDeviceCodeNotFound, got: %v", err)
	}
}
