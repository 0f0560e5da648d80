// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
)

const (
	// tokenIDLogLength caps how much of a token or code reaches the logs:
	// enough prefix to correlate entries, never the full secret.
	tokenIDLogLength = 8

	// Family records outlive their tokens, so their count only grows
	// between cleanups. Past maxFamilyEntries the store logs a warning;
	// past hardMaxFamilyEntries SaveRefreshToken refuses new families,
	// since unbounded growth here is how a rotation loop exhausts memory.
	maxFamilyEntries     = 10000
	hardMaxFamilyEntries = 50000
)

// Store is an in-memory implementation of all storage interfaces.
// It implements TokenStore, RefreshTokenFamilyStore, TokenRevocationStore,
// ClientStore, FlowStore, and DeviceStore.
type Store struct {
	mu sync.RWMutex

	// Token storage (token value -> authoritative metadata)
	accessTokens  map[string]*storage.TokenMetadata
	refreshTokens map[string]*storage.RefreshTokenMetadata

	// Family tracking for rotation reuse detection.
	// families is keyed by family ID and holds the canonical record;
	// tokenFamilies maps every refresh token ever issued to its family ID and
	// deliberately outlives the token itself.
	families      map[string]*storage.RefreshTokenFamily
	tokenFamilies map[string]string

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // IP address -> client count (for DoS protection)

	// Flow storage
	authCodes map[string]*storage.AuthorizationCode

	// Device authorization storage (RFC 8628).
	// userCodes maps normalized user codes to device codes for the
	// verification lookup.
	deviceAuths map[string]*storage.DeviceAuthorization
	userCodes   map[string]string

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Record counts mirrored into atomics so metric collection never
	// takes s.mu.
	tokensCountAtomic        atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	clientsCountAtomic       atomic.Int64
	authCodesCountAtomic     atomic.Int64
	familiesCountAtomic      atomic.Int64
	deviceAuthsCountAtomic   atomic.Int64

	// Cleanup
	cleanupInterval            time.Duration
	revokedFamilyRetentionDays int64
	stopCleanup                chan struct{}
	stopOnce                   sync.Once
	logger                     *slog.Logger
}

var (
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.TokenRevocationStore    = (*Store)(nil)
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.DeviceStore             = (*Store)(nil)
	_ storage.Store                   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute) and default revoked family retention (90 days).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
// Cleanup is a storage reclamation optimization only: every read already
// checks expiry lazily, so correctness never depends on the sweep.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		accessTokens:               make(map[string]*storage.TokenMetadata),
		refreshTokens:              make(map[string]*storage.RefreshTokenMetadata),
		families:                   make(map[string]*storage.RefreshTokenFamily),
		tokenFamilies:              make(map[string]string),
		clients:                    make(map[string]*storage.Client),
		clientsPerIP:               make(map[string]int),
		authCodes:                  make(map[string]*storage.AuthorizationCode),
		deviceAuths:                make(map[string]*storage.DeviceAuthorization),
		userCodes:                  make(map[string]string),
		cleanupInterval:            cleanupInterval,
		revokedFamilyRetentionDays: 90,
		stopCleanup:                make(chan struct{}),
		logger:                     slog.Default(),
	}
	go s.cleanupLoop()
	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetRevokedFamilyRetentionDays sets the retention period for revoked token
// family records. The retention window exists for forensics and security
// auditing; after it passes, the sweep drops the record.
// Default: 90 days.
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilyRetentionDays = days
	s.logger.Info("Set revoked family retention period",
		"retention_days", days)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Seed the mirrored counts before the first collection cycle runs.
	s.tokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.authCodesCountAtomic.Store(int64(len(s.authCodes)))
	s.familiesCountAtomic.Store(int64(len(s.families)))
	s.deviceAuthsCountAtomic.Store(int64(len(s.deviceAuths)))
	s.mu.Unlock()

	if inst != nil {
		// The gauges read atomic counters rather than taking s.mu, so a
		// metrics collection cycle never contends with request traffic.
		err := inst.RegisterStorageGauges(instrumentation.StorageSizeFuncs{
			Tokens:        s.tokensCountAtomic.Load,
			RefreshTokens: s.refreshTokensCountAtomic.Load,
			Clients:       s.clientsCountAtomic.Load,
			AuthCodes:     s.authCodesCountAtomic.Load,
			Families:      s.familiesCountAtomic.Load,
			DeviceAuths:   s.deviceAuthsCountAtomic.Load,
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size gauges", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.Stop()
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an access token and its metadata
func (s *Store) SaveAccessToken(ctx context.Context, meta *storage.TokenMetadata) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if meta == nil || meta.Token == "" {
		err = fmt.Errorf("invalid token metadata")
		return err
	}
	if err = storage.ValidateTokenValue(meta.Token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.accessTokens[meta.Token]
	stored := *meta
	s.accessTokens[meta.Token] = &stored

	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved access token",
		"client_id", meta.ClientID,
		"grant_type", meta.GrantType,
		"token_prefix", util.SafeTruncate(meta.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves metadata for an access token.
// Expiry is checked lazily against the wall clock (with clock skew grace);
// expired and revoked tokens are reported as typed errors.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.TokenMetadata, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.accessTokens[token]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if security.IsTokenExpired(meta.ExpiresAt) {
		err = fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
		return nil, err
	}

	if meta.Revoked {
		err = storage.ErrTokenRevoked
		return nil, err
	}

	// Return a copy to prevent callers from modifying the stored version
	metaCopy := *meta
	return &metaCopy, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.accessTokens[token]; existed {
		delete(s.accessTokens, token)
		s.tokensCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted access token")
	return nil
}

// SaveRefreshToken saves a refresh token, its metadata, and its family record.
// The family record enables reuse detection: it is keyed by token and by
// family ID and survives consumption of the token itself.
func (s *Store) SaveRefreshToken(ctx context.Context, meta *storage.RefreshTokenMetadata) error {
	if meta == nil || meta.Token == "" {
		return fmt.Errorf("invalid refresh token metadata")
	}
	if meta.UserID == "" && meta.ClientID == "" {
		return fmt.Errorf("refresh token requires a user or client binding")
	}
	if meta.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}
	if err := storage.ValidateTokenValue(meta.Token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// SECURITY: Enforce a hard limit on family records to prevent memory
	// exhaustion via unbounded rotation.
	if _, exists := s.families[meta.FamilyID]; !exists {
		if len(s.families) >= hardMaxFamilyEntries {
			s.logger.Error("CRITICAL: Refresh token family limit exceeded - blocking save to prevent memory exhaustion",
				"current_count", len(s.families),
				"hard_limit", hardMaxFamilyEntries,
				"client_id", meta.ClientID)
			return fmt.Errorf("refresh token family limit exceeded (%d entries)", len(s.families))
		}
		s.familiesCountAtomic.Add(1)
	}

	if _, existed := s.refreshTokens[meta.Token]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	stored := *meta
	s.refreshTokens[meta.Token] = &stored
	s.tokenFamilies[meta.Token] = meta.FamilyID

	family, ok := s.families[meta.FamilyID]
	if !ok {
		family = &storage.RefreshTokenFamily{
			FamilyID: meta.FamilyID,
			UserID:   meta.UserID,
			ClientID: meta.ClientID,
			IssuedAt: time.Now(),
		}
		s.families[meta.FamilyID] = family
	}
	family.Generation = meta.Generation

	s.logger.Debug("Saved refresh token",
		"client_id", meta.ClientID,
		"family_id", util.SafeTruncate(meta.FamilyID, tokenIDLogLength),
		"generation", meta.Generation,
		"expires_at", meta.ExpiresAt)
	return nil
}

// GetRefreshToken retrieves metadata for a refresh token without consuming it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}

	if security.IsTokenExpired(meta.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrRefreshTokenExpired)
	}

	metaCopy := *meta
	return &metaCopy, nil
}

// AtomicGetAndDeleteRefreshToken is the rotation consume step: of any
// number of concurrent presenters of the same token, exactly one gets the
// metadata and the rest get ErrRefreshTokenNotFound. The family record
// survives the consume so a later replay still resolves through
// GetRefreshTokenFamily.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshTokenMetadata, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_consume_refresh_token", err, startTime)
	}()

	// The write lock spans lookup and delete; that window is the whole
	// single-use guarantee.
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.refreshTokens[token]
	if !ok {
		err = fmt.Errorf("%w: refresh token not found or already used", storage.ErrRefreshTokenNotFound)
		return nil, err
	}

	if security.IsTokenExpired(meta.ExpiresAt) {
		err = fmt.Errorf("%w: refresh token expired", storage.ErrRefreshTokenExpired)
		return nil, err
	}

	delete(s.refreshTokens, token)
	s.refreshTokensCountAtomic.Add(-1)
	// NOTE: tokenFamilies[token] is deliberately KEPT. A rotated-out token
	// presented again must still resolve to its family so the reuse can be
	// detected and the family revoked. The sweep reclaims these entries after
	// the retention window.

	s.logger.Debug("Atomically consumed refresh token",
		"family_id", util.SafeTruncate(meta.FamilyID, tokenIDLogLength),
		"generation", meta.Generation)

	metaCopy := *meta
	return &metaCopy, nil
}

// ============================================================
// RefreshTokenFamilyStore Implementation
// ============================================================

// GetRefreshTokenFamily retrieves the family record written for a refresh
// token. Works for consumed tokens too - that is the whole point.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, refreshToken string) (*storage.RefreshTokenFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	familyID, ok := s.tokenFamilies[refreshToken]
	if !ok {
		return nil, storage.ErrTokenFamilyNotFound
	}

	family, ok := s.families[familyID]
	if !ok {
		return nil, storage.ErrTokenFamilyNotFound
	}

	familyCopy := *family
	return &familyCopy, nil
}

// RevokeRefreshTokenFamily revokes all tokens in a family.
// Called when rotated-token reuse is detected.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeFamilyLocked(familyID), nil
}

// revokeFamilyLocked marks the family revoked and deletes its live tokens.
// Caller must hold the write lock.
func (s *Store) revokeFamilyLocked(familyID string) int {
	family, ok := s.families[familyID]
	if !ok {
		return 0
	}

	now := time.Now()
	family.Revoked = true
	family.RevokedAt = now

	revokedCount := 0
	for token, meta := range s.refreshTokens {
		if meta.FamilyID == familyID {
			delete(s.refreshTokens, token)
			s.refreshTokensCountAtomic.Add(-1)
			revokedCount++
		}
	}
	for token, meta := range s.accessTokens {
		if meta.FamilyID == familyID {
			delete(s.accessTokens, token)
			s.tokensCountAtomic.Add(-1)
			revokedCount++
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revokedCount)
	}

	return revokedCount
}

// IsFamilyRevoked reports whether a family has been revoked
func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	family, ok := s.families[familyID]
	if !ok {
		return false, nil
	}
	return family.Revoked, nil
}

// ============================================================
// TokenRevocationStore Implementation
// ============================================================

// RevokeAllTokensForUserClient revokes all tokens (access + refresh) for a
// specific user+client combination. This is called when authorization code
// reuse is detected. Returns the number of tokens revoked.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revokedCount := 0

	// Step 1: revoke entire families owned by this user+client so rotated
	// descendants are caught, not just the tokens currently tracked.
	for familyID, family := range s.families {
		if family.UserID == userID && family.ClientID == clientID && !family.Revoked {
			revokedCount += s.revokeFamilyLocked(familyID)
		}
	}

	// Step 2: revoke remaining access tokens without a family (e.g. tokens
	// issued without a refresh token).
	for token, meta := range s.accessTokens {
		if meta.UserID == userID && meta.ClientID == clientID {
			delete(s.accessTokens, token)
			s.tokensCountAtomic.Add(-1)
			revokedCount++
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount,
			"reason", "authorization_code_reuse_detected")
	}

	return revokedCount, nil
}

// GetTokensByUserClient retrieves all access token values for a user+client
// combination. This is primarily for testing and debugging purposes.
func (s *Store) GetTokensByUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	if userID == "" || clientID == "" {
		return nil, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]string, 0)
	for token, meta := range s.accessTokens {
		if meta.UserID == userID && meta.ClientID == clientID {
			tokens = append(tokens, token)
		}
	}

	return tokens, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}

	stored := *client
	s.clients[client.ClientID] = &stored
	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	clientCopy := *client
	return &clientCopy, nil
}

// ValidateClientSecret checks a client's secret against its stored bcrypt
// hash. The bcrypt comparison runs whether or not the client exists, so
// response time does not reveal which client IDs are registered.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Stand-in hash (bcrypt of "test") compared against when there is no
	// real one, to keep the work per call uniform.
	hashToCompare := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	isPublicClient := false
	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients have no secret; authentication succeeds by identity.
	if isPublicClient && err == nil {
		return nil
	}
	if err != nil || bcryptErr != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clientCopy := *client
		clients = append(clients, &clientCopy)
	}

	return clients, nil
}

// CheckIPLimit reports whether ip may register another client, given the
// per-IP cap. Zero or negative caps disable the check.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.clientsPerIP[ip] >= maxClientsPerIP {
		return fmt.Errorf("%w: ip has %d clients", storage.ErrClientLimitExceeded, s.clientsPerIP[ip])
	}
	return nil
}

// TrackClientIP records a client registration from an IP address
func (s *Store) TrackClientIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientsPerIP[ip]++
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code.Code]; !existed {
		s.authCodesCountAtomic.Add(1)
	}

	stored := *code
	s.authCodes[code.Code] = &stored
	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
// Used codes stay stored (marked Used) so reuse attempts remain detectable;
// the background sweep reclaims them later.
//
// NOTE: For actual code exchange, use AtomicConsumeAuthorizationCode instead
// to prevent race conditions.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrAuthorizationCodeExpired)
	}

	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicConsumeAuthorizationCode atomically checks that a code is unused and
// marks it used.
//
// SECURITY: This operation is atomic - only ONE concurrent exchange can
// succeed. All other concurrent requests observe the code as already used.
//
// IMPORTANT: The code record is ONLY returned alongside an error for reuse
// (Used=true), so the caller can revoke the tokens descended from it. For
// not-found and expired, nil is returned to prevent information leakage.
func (s *Store) AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_consume_authorization_code", err, startTime)
	}()

	// The write lock spans the Used check and the flip; that window is the
	// whole single-use guarantee.
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrAuthorizationCodeExpired)
		return nil, err
	}

	// ATOMIC check-and-set: only one caller can pass this check.
	if authCode.Used {
		// Reuse detected - return the record so the caller can revoke the
		// tokens issued from the first exchange.
		err = storage.ErrAuthorizationCodeUsed
		codeCopy := *authCode
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code]; existed {
		delete(s.authCodes, code)
		s.authCodesCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// DeviceStore Implementation (RFC 8628)
// ============================================================

// SaveDeviceAuthorization saves a new device authorization in the pending state
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	ctx, span := s.startStorageSpan(ctx, "save_device_authorization")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_device_authorization", err, startTime)
	}()

	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		err = fmt.Errorf("invalid device authorization")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// User codes are short; collisions are possible and callers retry
	// generation. Reject here so two live authorizations never share one.
	if existing, taken := s.userCodes[auth.UserCode]; taken && existing != auth.DeviceCode {
		err = fmt.Errorf("user code already in use")
		return err
	}

	if _, existed := s.deviceAuths[auth.DeviceCode]; !existed {
		s.deviceAuthsCountAtomic.Add(1)
	}

	stored := *auth
	s.deviceAuths[auth.DeviceCode] = &stored
	s.userCodes[auth.UserCode] = auth.DeviceCode

	s.logger.Debug("Saved device authorization",
		"client_id", auth.ClientID,
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, tokenIDLogLength),
		"expires_at", auth.ExpiresAt)
	return nil
}

// GetDeviceAuthorization retrieves a device authorization by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceCodeNotFound
	}

	authCopy := *auth
	return &authCopy, nil
}

// GetDeviceAuthorizationByUserCode retrieves a device authorization by its
// normalized user code.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, err := s.deviceAuthByUserCodeLocked(userCode)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpired(auth.ExpiresAt) {
		return nil, fmt.Errorf("%w: device code expired", storage.ErrDeviceCodeExpired)
	}

	authCopy := *auth
	return &authCopy, nil
}

// deviceAuthByUserCodeLocked resolves a user code to its device authorization.
// Caller must hold at least the read lock.
func (s *Store) deviceAuthByUserCodeLocked(userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrUserCodeNotFound
	}
	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, storage.ErrUserCodeNotFound
	}
	return auth, nil
}

// AtomicPollDeviceAuthorization performs one linearizable polling step for a
// device code.
//
// SECURITY: This operation is atomic. The approved->consumed transition can
// be won by exactly ONE concurrent poller; every other outcome (pending,
// denied, consumed, slow down, expiry) is decided under the same lock so no
// interleaving can issue tokens twice for one device code.
func (s *Store) AtomicPollDeviceAuthorization(ctx context.Context, deviceCode string, now time.Time, slowDownIncrement int64) (*storage.DeviceAuthorization, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_poll_device_authorization")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_poll_device_authorization", err, startTime)
	}()

	// Write lock even on the rejection paths: every poll mutates LastPolledAt.
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		err = storage.ErrDeviceCodeNotFound
		return nil, err
	}

	if security.IsTokenExpired(auth.ExpiresAt) {
		err = fmt.Errorf("%w: device code expired", storage.ErrDeviceCodeExpired)
		return nil, err
	}

	// Interval enforcement. Every poll - premature ones included - restarts
	// the window, so a device that ignores slow_down keeps receiving it.
	premature := !auth.LastPolledAt.IsZero() &&
		now.Sub(auth.LastPolledAt) < time.Duration(auth.Interval)*time.Second
	auth.LastPolledAt = now

	if premature {
		auth.Interval += slowDownIncrement
		err = fmt.Errorf("%w: retry in %d seconds", storage.ErrDeviceSlowDown, auth.Interval)
		return nil, err
	}

	switch auth.Status {
	case storage.DeviceStatusPending:
		err = storage.ErrDeviceAuthorizationPending
		return nil, err
	case storage.DeviceStatusDenied:
		err = storage.ErrDeviceAccessDenied
		return nil, err
	case storage.DeviceStatusConsumed:
		err = storage.ErrDeviceCodeConsumed
		return nil, err
	case storage.DeviceStatusApproved:
		// ATOMIC transition: first poller wins, everyone after sees consumed.
		auth.Status = storage.DeviceStatusConsumed
		s.logger.Debug("Device authorization consumed",
			"client_id", auth.ClientID,
			"device_code_prefix", util.SafeTruncate(deviceCode, tokenIDLogLength))
		authCopy := *auth
		return &authCopy, nil
	default:
		err = fmt.Errorf("unknown device authorization status: %s", auth.Status)
		return nil, err
	}
}

// ApproveDeviceAuthorization transitions a pending device authorization to
// approved and binds the approving user.
func (s *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, userID, username string) (*storage.DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, err := s.deviceAuthByUserCodeLocked(userCode)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpired(auth.ExpiresAt) {
		return nil, fmt.Errorf("%w: device code expired", storage.ErrDeviceCodeExpired)
	}

	if auth.Status != storage.DeviceStatusPending {
		return nil, fmt.Errorf("%w: status is %s", storage.ErrDeviceNotPending, auth.Status)
	}

	auth.Status = storage.DeviceStatusApproved
	auth.UserID = userID
	auth.Username = username

	s.logger.Info("Device authorization approved",
		"client_id", auth.ClientID,
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, tokenIDLogLength))

	authCopy := *auth
	return &authCopy, nil
}

// DenyDeviceAuthorization transitions a pending device authorization to denied
func (s *Store) DenyDeviceAuthorization(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, err := s.deviceAuthByUserCodeLocked(userCode)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpired(auth.ExpiresAt) {
		return nil, fmt.Errorf("%w: device code expired", storage.ErrDeviceCodeExpired)
	}

	if auth.Status != storage.DeviceStatusPending {
		return nil, fmt.Errorf("%w: status is %s", storage.ErrDeviceNotPending, auth.Status)
	}

	auth.Status = storage.DeviceStatusDenied

	s.logger.Info("Device authorization denied",
		"client_id", auth.ClientID,
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, tokenIDLogLength))

	authCopy := *auth
	return &authCopy, nil
}

// DeleteDeviceAuthorization removes a device authorization
func (s *Store) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if auth, existed := s.deviceAuths[deviceCode]; existed {
		delete(s.userCodes, auth.UserCode)
		delete(s.deviceAuths, deviceCode)
		s.deviceAuthsCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted device authorization")
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup reclaims expired entries. Correctness never depends on it: every
// read path checks expiry lazily against the wall clock.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for token, meta := range s.accessTokens {
		if security.IsTokenExpired(meta.ExpiresAt) {
			delete(s.accessTokens, token)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.authCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for token, meta := range s.refreshTokens {
		if security.IsTokenExpired(meta.ExpiresAt) {
			delete(s.refreshTokens, token)
			delete(s.tokenFamilies, token)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for deviceCode, auth := range s.deviceAuths {
		if security.IsTokenExpired(auth.ExpiresAt) {
			delete(s.userCodes, auth.UserCode)
			delete(s.deviceAuths, deviceCode)
			s.deviceAuthsCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Revoked family records are kept for the retention window (forensics),
	// then dropped together with their dangling token->family entries.
	retentionDays := s.revokedFamilyRetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}
	revokedCutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	droppedFamilies := make(map[string]bool)
	for familyID, family := range s.families {
		if family.Revoked {
			revokedTime := family.RevokedAt
			if revokedTime.IsZero() {
				revokedTime = family.IssuedAt
			}
			if revokedTime.Before(revokedCutoff) {
				delete(s.families, familyID)
				s.familiesCountAtomic.Add(-1)
				droppedFamilies[familyID] = true
				cleaned++
			}
		}
	}
	if len(droppedFamilies) > 0 {
		for token, familyID := range s.tokenFamilies {
			if droppedFamilies[familyID] {
				delete(s.tokenFamilies, token)
			}
		}
	}

	// A family count past the soft cap usually means a client is rotating
	// refresh tokens in a loop; cleanup alone cannot shrink live families.
	familyCount := len(s.families)
	if familyCount > maxFamilyEntries {
		s.logger.Warn("Refresh token family count past soft cap",
			"families", familyCount,
			"soft_cap", maxFamilyEntries,
			"hard_cap", hardMaxFamilyEntries)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned, "family_count", familyCount)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation.
// Returns a context with the span attached and the span itself.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
