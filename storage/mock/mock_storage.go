// Package mock provides a configurable mock implementation of the storage
// interfaces for testing. Every method delegates to a wrapped backend
// (typically storage/memory) unless a per-method override is set, and all
// calls are counted, so tests can inject failures into a single operation
// while the rest of the store keeps working.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/grantkit/grantkit/storage"
)

// Store wraps a real storage.Store with per-method override hooks.
// The zero override (nil) delegates to the wrapped store.
type Store struct {
	inner storage.Store

	mu         sync.Mutex
	callCounts map[string]int

	SaveAccessTokenFunc                func(ctx context.Context, meta *storage.TokenMetadata) error
	GetAccessTokenFunc                 func(ctx context.Context, token string) (*storage.TokenMetadata, error)
	DeleteAccessTokenFunc              func(ctx context.Context, token string) error
	SaveRefreshTokenFunc               func(ctx context.Context, meta *storage.RefreshTokenMetadata) error
	GetRefreshTokenFunc                func(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error)
	AtomicGetAndDeleteRefreshTokenFunc func(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error)

	GetRefreshTokenFamilyFunc    func(ctx context.Context, refreshToken string) (*storage.RefreshTokenFamily, error)
	RevokeRefreshTokenFamilyFunc func(ctx context.Context, familyID string) (int, error)
	IsFamilyRevokedFunc          func(ctx context.Context, familyID string) (bool, error)

	RevokeAllTokensForUserClientFunc func(ctx context.Context, userID, clientID string) (int, error)
	GetTokensByUserClientFunc        func(ctx context.Context, userID, clientID string) ([]string, error)

	SaveClientFunc           func(ctx context.Context, client *storage.Client) error
	GetClientFunc            func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc func(ctx context.Context, clientID, clientSecret string) error
	ListClientsFunc          func(ctx context.Context) ([]*storage.Client, error)
	CheckIPLimitFunc         func(ctx context.Context, ip string, maxClientsPerIP int) error

	SaveAuthorizationCodeFunc          func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc           func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	AtomicConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc        func(ctx context.Context, code string) error

	SaveDeviceAuthorizationFunc          func(ctx context.Context, auth *storage.DeviceAuthorization) error
	GetDeviceAuthorizationFunc           func(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error)
	GetDeviceAuthorizationByUserCodeFunc func(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error)
	AtomicPollDeviceAuthorizationFunc    func(ctx context.Context, deviceCode string, now time.Time, slowDownIncrement int64) (*storage.DeviceAuthorization, error)
	ApproveDeviceAuthorizationFunc       func(ctx context.Context, userCode, userID, username string) (*storage.DeviceAuthorization, error)
	DenyDeviceAuthorizationFunc          func(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error)
	DeleteDeviceAuthorizationFunc        func(ctx context.Context, deviceCode string) error

	CloseFunc func() error
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a mock store delegating to the given backend.
func NewStore(inner storage.Store) *Store {
	return &Store{
		inner:      inner,
		callCounts: make(map[string]int),
	}
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts clears all recorded call counts.
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

func (m *Store) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// ============================================================
// TokenStore
// ============================================================

func (m *Store) SaveAccessToken(ctx context.Context, meta *storage.TokenMetadata) error {
	m.count("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, meta)
	}
	return m.inner.SaveAccessToken(ctx, meta)
}

func (m *Store) GetAccessToken(ctx context.Context, token string) (*storage.TokenMetadata, error) {
	m.count("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, token)
	}
	return m.inner.GetAccessToken(ctx, token)
}

func (m *Store) DeleteAccessToken(ctx context.Context, token string) error {
	m.count("DeleteAccessToken")
	if m.DeleteAccessTokenFunc != nil {
		return m.DeleteAccessTokenFunc(ctx, token)
	}
	return m.inner.DeleteAccessToken(ctx, token)
}

func (m *Store) SaveRefreshToken(ctx context.Context, meta *storage.RefreshTokenMetadata) error {
	m.count("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, meta)
	}
	return m.inner.SaveRefreshToken(ctx, meta)
}

func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error) {
	m.count("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	return m.inner.GetRefreshToken(ctx, token)
}

func (m *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error) {
	m.count("AtomicGetAndDeleteRefreshToken")
	if m.AtomicGetAndDeleteRefreshTokenFunc != nil {
		return m.AtomicGetAndDeleteRefreshTokenFunc(ctx, token)
	}
	return m.inner.AtomicGetAndDeleteRefreshToken(ctx, token)
}

// ============================================================
// RefreshTokenFamilyStore
// ============================================================

func (m *Store) GetRefreshTokenFamily(ctx context.Context, refreshToken string) (*storage.RefreshTokenFamily, error) {
	m.count("GetRefreshTokenFamily")
	if m.GetRefreshTokenFamilyFunc != nil {
		return m.GetRefreshTokenFamilyFunc(ctx, refreshToken)
	}
	return m.inner.GetRefreshTokenFamily(ctx, refreshToken)
}

func (m *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	m.count("RevokeRefreshTokenFamily")
	if m.RevokeRefreshTokenFamilyFunc != nil {
		return m.RevokeRefreshTokenFamilyFunc(ctx, familyID)
	}
	return m.inner.RevokeRefreshTokenFamily(ctx, familyID)
}

func (m *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	m.count("IsFamilyRevoked")
	if m.IsFamilyRevokedFunc != nil {
		return m.IsFamilyRevokedFunc(ctx, familyID)
	}
	return m.inner.IsFamilyRevoked(ctx, familyID)
}

// ============================================================
// TokenRevocationStore
// ============================================================

func (m *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.count("RevokeAllTokensForUserClient")
	if m.RevokeAllTokensForUserClientFunc != nil {
		return m.RevokeAllTokensForUserClientFunc(ctx, userID, clientID)
	}
	return m.inner.RevokeAllTokensForUserClient(ctx, userID, clientID)
}

func (m *Store) GetTokensByUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	m.count("GetTokensByUserClient")
	if m.GetTokensByUserClientFunc != nil {
		return m.GetTokensByUserClientFunc(ctx, userID, clientID)
	}
	return m.inner.GetTokensByUserClient(ctx, userID, clientID)
}

// ============================================================
// ClientStore
// ============================================================

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.inner.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.inner.GetClient(ctx, clientID)
}

func (m *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.count("ValidateClientSecret")
	if m.ValidateClientSecretFunc != nil {
		return m.ValidateClientSecretFunc(ctx, clientID, clientSecret)
	}
	return m.inner.ValidateClientSecret(ctx, clientID, clientSecret)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.count("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.inner.ListClients(ctx)
}

func (m *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	m.count("CheckIPLimit")
	if m.CheckIPLimitFunc != nil {
		return m.CheckIPLimitFunc(ctx, ip, maxClientsPerIP)
	}
	return m.inner.CheckIPLimit(ctx, ip, maxClientsPerIP)
}

// ============================================================
// FlowStore
// ============================================================

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.count("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.inner.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.count("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	return m.inner.GetAuthorizationCode(ctx, code)
}

func (m *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.count("AtomicConsumeAuthorizationCode")
	if m.AtomicConsumeAuthorizationCodeFunc != nil {
		return m.AtomicConsumeAuthorizationCodeFunc(ctx, code)
	}
	return m.inner.AtomicConsumeAuthorizationCode(ctx, code)
}

func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.count("DeleteAuthorizationCode")
	if m.DeleteAuthorizationCodeFunc != nil {
		return m.DeleteAuthorizationCodeFunc(ctx, code)
	}
	return m.inner.DeleteAuthorizationCode(ctx, code)
}

// ============================================================
// DeviceStore
// ============================================================

func (m *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	m.count("SaveDeviceAuthorization")
	if m.SaveDeviceAuthorizationFunc != nil {
		return m.SaveDeviceAuthorizationFunc(ctx, auth)
	}
	return m.inner.SaveDeviceAuthorization(ctx, auth)
}

func (m *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	m.count("GetDeviceAuthorization")
	if m.GetDeviceAuthorizationFunc != nil {
		return m.GetDeviceAuthorizationFunc(ctx, deviceCode)
	}
	return m.inner.GetDeviceAuthorization(ctx, deviceCode)
}

func (m *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	m.count("GetDeviceAuthorizationByUserCode")
	if m.GetDeviceAuthorizationByUserCodeFunc != nil {
		return m.GetDeviceAuthorizationByUserCodeFunc(ctx, userCode)
	}
	return m.inner.GetDeviceAuthorizationByUserCode(ctx, userCode)
}

func (m *Store) AtomicPollDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time, slowDownIncrement int64) (*storage.DeviceAuthorization, error) {
	m.count("AtomicPollDeviceAuthorization")
	if m.AtomicPollDeviceAuthorizationFunc != nil {
		return m.AtomicPollDeviceAuthorizationFunc(ctx, deviceCode, now, slowDownIncrement)
	}
	return m.inner.AtomicPollDeviceAuthorization(ctx, deviceCode, now, slowDownIncrement)
}

func (m *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, userID, username string) (*storage.DeviceAuthorization, error) {
	m.count("ApproveDeviceAuthorization")
	if m.ApproveDeviceAuthorizationFunc != nil {
		return m.ApproveDeviceAuthorizationFunc(ctx, userCode, userID, username)
	}
	return m.inner.ApproveDeviceAuthorization(ctx, userCode, userID, username)
}

func (m *Store) DenyDeviceAuthorization(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	m.count("DenyDeviceAuthorization")
	if m.DenyDeviceAuthorizationFunc != nil {
		return m.DenyDeviceAuthorizationFunc(ctx, userCode)
	}
	return m.inner.DenyDeviceAuthorization(ctx, userCode)
}

func (m *Store) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	m.count("DeleteDeviceAuthorization")
	if m.DeleteDeviceAuthorizationFunc != nil {
		return m.DeleteDeviceAuthorizationFunc(ctx, deviceCode)
	}
	return m.inner.DeleteDeviceAuthorization(ctx, deviceCode)
}

// ============================================================
// Composite
// ============================================================

func (m *Store) Close() error {
	m.count("Close")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return m.inner.Close()
}
