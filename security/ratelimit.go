package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxTracked bounds how many identifiers a limiter follows
	// at once; past it, the least recently seen bucket is evicted.
	defaultMaxTracked = 10000

	cleanupEvery = 5 * time.Minute
	idleEviction = 30 * time.Minute
)

// RateLimiter applies a token bucket per identifier (client IP, user ID,
// client ID). Buckets live in an LRU so callers rotating identifiers
// cannot grow memory without bound: at capacity the stalest bucket is
// dropped, and that identifier starts fresh the next time it appears.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List // front = most recently seen *bucket

	limit      rate.Limit
	burst      int
	maxTracked int

	logger    *slog.Logger
	done      chan struct{}
	evictions int64
}

// bucket pairs an identifier's token bucket with its last activity,
// which drives both LRU ordering and idle cleanup.
type bucket struct {
	identifier string
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// NewRateLimiter returns a limiter allowing requestsPerSecond sustained
// with the given burst, tracking at most 10,000 identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxTracked, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with an explicit bound on
// tracked identifiers. Zero means unbounded; negative falls back to the
// default. A background goroutine drops idle buckets until Stop is
// called.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxTracked int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTracked < 0 {
		logger.Warn("Negative rate limiter capacity, using default",
			"requested", maxTracked,
			"default", defaultMaxTracked)
		maxTracked = defaultMaxTracked
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		order:      list.New(),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxTracked: maxTracked,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go rl.reap()
	return rl
}

// Allow reports whether the identifier may proceed, consuming one token
// from its bucket. Unknown identifiers get a fresh bucket, evicting the
// least recently seen one when the tracking bound is reached.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[identifier]; ok {
		rl.order.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = time.Now()
		return b.limiter.Allow()
	}

	if rl.maxTracked > 0 && len(rl.buckets) >= rl.maxTracked {
		rl.evictOldest()
	}

	b := &bucket{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastSeen:   time.Now(),
	}
	rl.buckets[identifier] = rl.order.PushFront(b)
	return b.limiter.Allow()
}

// evictOldest drops the least recently seen bucket. Caller holds mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.order.Back()
	if elem == nil {
		return
	}
	b := rl.order.Remove(elem).(*bucket)
	delete(rl.buckets, b.identifier)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted least recently seen identifier",
		"identifier", b.identifier,
		"evictions", rl.evictions,
		"tracked", len(rl.buckets))
}

// reap drops idle buckets on a timer so a long-running server does not
// accumulate buckets for identifiers seen once.
func (rl *RateLimiter) reap() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(idleEviction)
		case <-rl.done:
			return
		}
	}
}

// Cleanup removes buckets that have been idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	var next *list.Element
	for elem := rl.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		b := elem.Value.(*bucket)
		if b.lastSeen.Before(cutoff) {
			rl.order.Remove(elem)
			delete(rl.buckets, b.identifier)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter dropped idle buckets",
			"removed", removed,
			"tracked", len(rl.buckets))
	}
}

// Stop ends the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}
