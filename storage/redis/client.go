package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// clientIPTrackingTTL bounds how long registration counts per IP are kept.
// The limit is a burst guard, not a permanent quota.
const clientIPTrackingTTL = 24 * time.Hour

// SaveClient saves a registered client. Clients have no natural expiry, so
// the record is stored without TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := storage.ValidateIDValue(client.ClientID); err != nil {
		return err
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errInputTooLarge
	}

	if err := s.client.Set(ctx, s.clientKey(client.ClientID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient loads a registered client by its ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Get(ctx, s.clientKey(clientID)).Result()
	if err != nil {
		if isNil(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// ValidateClientSecret compares a client's secret against its stored bcrypt
// hash. When the client does not exist a stand-in hash is compared instead,
// so the call costs the same either way and response time reveals nothing
// about which client IDs are registered.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Stand-in hash (bcrypt of "test") so a lookup miss still pays for one
	// bcrypt comparison.
	hashToCompare := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
	isPublicClient := false

	client, err := s.GetClient(ctx, clientID)
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

// ListClients walks the client keyspace with SCAN. Malformed records are
// logged and skipped rather than failing the whole listing.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	seen := make(map[string]bool)
	clients := make([]*storage.Client, 0)

	iter := s.client.Scan(ctx, 0, s.clientKey("*"), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if seen[key] {
			continue
		}
		seen[key] = true

		data, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if isNil(err) {
				continue
			}
			return nil, fmt.Errorf("failed to get client: %w", err)
		}

		var j clientJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Skipping malformed client record", "key", key, "error", err)
			continue
		}
		clients = append(clients, fromClientJSON(&j))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}
	return clients, nil
}

// CheckIPLimit reports whether ip may register another client under the
// per-IP cap. Zero or negative caps disable the check.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	data, err := s.client.Get(ctx, s.clientIPKey(ip)).Result()
	if err != nil {
		if isNil(err) {
			return nil
		}
		return fmt.Errorf("failed to check ip limit: %w", err)
	}

	count, err := strconv.Atoi(data)
	if err != nil {
		return nil
	}
	if count >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached for IP", "clients", count)
		return fmt.Errorf("%w: ip has %d clients", storage.ErrClientLimitExceeded, count)
	}
	return nil
}

// TrackClientIP records a client registration from an IP address.
// Best effort: registration must not fail because the counter could not be
// updated, so errors are logged and swallowed.
func (s *Store) TrackClientIP(ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundOpTimeout)
	defer cancel()

	key := s.clientIPKey(ip)
	if err := s.client.Incr(ctx, key).Err(); err != nil {
		s.logger.Warn("Failed to track client IP", "error", err)
		return
	}
	if err := s.client.Expire(ctx, key, clientIPTrackingTTL).Err(); err != nil {
		s.logger.Warn("Failed to set IP tracking expiry", "error", err)
	}
}
