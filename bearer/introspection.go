package bearer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultCacheMaxEntries = 1024

// validateRemote resolves the token via RFC 7662 introspection, consulting
// the cache first. Only active results are cached, for at most CacheTTL and
// never past the token's own expiry, so a revoked token is visible again as
// soon as the cache entry lapses and an inactive answer is always fresh.
func (v *Validator) validateRemote(ctx context.Context, tok string) (*TokenInfo, error) {
	if v.cache != nil {
		if info, ok := v.cache.get(tok); ok {
			return info, nil
		}
	}

	startTime := time.Now()
	resp, status, err := v.remote.introspect(ctx, tok)
	if v.instrumentation != nil {
		v.instrumentation.Metrics().RecordRemoteValidation(ctx, "introspect", status,
			float64(time.Since(startTime).Milliseconds()), err)
	}
	if err != nil {
		return nil, err
	}

	if !resp.Active {
		return nil, fmt.Errorf("%w: token is not active", ErrInvalidToken)
	}

	info := &TokenInfo{
		Active:   true,
		ClientID: resp.ClientID,
		UserID:   resp.Sub,
		Username: resp.Username,
		Scope:    resp.Scope,
		Audience: resp.Aud,
	}
	if resp.Exp > 0 {
		info.ExpiresAt = time.Unix(resp.Exp, 0)
	}

	if v.cache != nil {
		v.cache.set(tok, info)
	}
	return info, nil
}

// introspectionClient POSTs RFC 7662 requests with either a static bearer
// token or Basic client credentials.
type introspectionClient struct {
	endpoint     string
	authToken    string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// introspectionResponse is the RFC 7662 §2.2 payload. Only the fields the
// Validator consumes are decoded.
type introspectionResponse struct {
	Active   bool         `json:"active"`
	Scope    string       `json:"scope"`
	ClientID string       `json:"client_id"`
	Username string       `json:"username"`
	Sub      string       `json:"sub"`
	Exp      int64        `json:"exp"`
	Aud      audienceList `json:"aud"`
}

// audienceList accepts both RFC 7662 aud encodings: a single string or an
// array of strings.
type audienceList []string

func (a *audienceList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audienceList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("aud must be a string or array of strings: %w", err)
	}
	*a = audienceList(many)
	return nil
}

// introspect performs one introspection round trip. Every failure mode that
// is not a well-formed 200 response maps to ErrTokenValidation: the token's
// state is unknown, which is different from known-inactive.
func (c *introspectionClient) introspect(ctx context.Context, tok string) (*introspectionResponse, int, error) {
	form := url.Values{"token": {tok}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTokenValidation, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	} else {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Introspection request failed", "endpoint", c.endpoint, "error", err)
		return nil, 0, fmt.Errorf("%w: %v", ErrTokenValidation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// 401/403 mean our introspection credentials were rejected, 5xx
		// means the server is degraded. Neither says anything about the
		// subject token.
		c.logger.Warn("Introspection answered non-200",
			"endpoint", c.endpoint,
			"status", resp.StatusCode)
		return nil, resp.StatusCode, fmt.Errorf("%w: introspection status %d", ErrTokenValidation, resp.StatusCode)
	}

	var parsed introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: decoding introspection response: %v", ErrTokenValidation, err)
	}
	return &parsed, resp.StatusCode, nil
}

// tokenCache is a bounded TTL cache of active introspection results keyed
// by token value. Entries never outlive the token's expiry.
type tokenCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
}

type cacheEntry struct {
	info      *TokenInfo
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration, maxEntries int) *tokenCache {
	return &tokenCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (c *tokenCache) get(tok string) (*TokenInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[tok]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, tok)
		return nil, false
	}
	return entry.info, true
}

func (c *tokenCache) set(tok string, info *TokenInfo) {
	expiresAt := time.Now().Add(c.ttl)
	if !info.ExpiresAt.IsZero() && info.ExpiresAt.Before(expiresAt) {
		expiresAt = info.ExpiresAt
	}
	if !expiresAt.After(time.Now()) {
		return // already expired, nothing to cache
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[tok] = cacheEntry{info: info, expiresAt: expiresAt}
}

// evictLocked drops expired entries, then the soonest-expiring entry if the
// cache is still full. Called with the lock held.
func (c *tokenCache) evictLocked() {
	now := time.Now()
	for tok, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, tok)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	var (
		oldestTok string
		oldestExp time.Time
	)
	for tok, entry := range c.entries {
		if oldestTok == "" || entry.expiresAt.Before(oldestExp) {
			oldestTok = tok
			oldestExp = entry.expiresAt
		}
	}
	if oldestTok != "" {
		delete(c.entries, oldestTok)
	}
}
