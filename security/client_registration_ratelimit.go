package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour caps dynamic client registrations
	// per IP. Registration creates durable records, so the budget is
	// far tighter than the request limiters.
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the sliding window those
	// registrations are counted over.
	DefaultRegistrationWindow = time.Hour

	registrationCleanupEvery = 15 * time.Minute
)

// ClientRegistrationRateLimiter counts registrations per IP over a
// sliding window. Unlike the token-bucket RateLimiter, the window model
// gives an exact bound ("10 per hour") rather than a sustained rate,
// which matches how registration abuse shows up: slow, steady record
// creation rather than bursts.
type ClientRegistrationRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently seen *registrationHistory

	maxPerWindow int
	window       time.Duration
	maxTracked   int

	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
	blocked  int64
}

// registrationHistory keeps the in-window registration timestamps for
// one IP.
type registrationHistory struct {
	ip       string
	times    []time.Time
	lastSeen time.Time
}

// NewClientRegistrationRateLimiter returns a limiter with the default
// budget of 10 registrations per IP per hour, tracking at most 10,000
// IPs.
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		defaultMaxTracked,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig returns a limiter allowing
// maxPerWindow registrations per IP within the sliding window, tracking
// at most maxTracked IPs (zero means unbounded). Out-of-range values
// fall back to defaults. A background goroutine prunes idle IPs until
// Stop is called.
func NewClientRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxTracked int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		logger.Warn("Invalid registration budget, using default",
			"requested", maxPerWindow,
			"default", DefaultMaxRegistrationsPerHour)
		maxPerWindow = DefaultMaxRegistrationsPerHour
	}
	if window <= 0 {
		logger.Warn("Invalid registration window, using default",
			"requested", window,
			"default", DefaultRegistrationWindow)
		window = DefaultRegistrationWindow
	}
	if maxTracked < 0 {
		logger.Warn("Negative registration limiter capacity, using default",
			"requested", maxTracked,
			"default", defaultMaxTracked)
		maxTracked = defaultMaxTracked
	}

	rl := &ClientRegistrationRateLimiter{
		entries:      make(map[string]*list.Element),
		order:        list.New(),
		maxPerWindow: maxPerWindow,
		window:       window,
		maxTracked:   maxTracked,
		logger:       logger,
		done:         make(chan struct{}),
	}
	go rl.reap()

	logger.Info("Client registration rate limiter initialized",
		"max_per_window", maxPerWindow,
		"window", window,
		"max_tracked", maxTracked)
	return rl
}

// Allow reports whether the IP may register another client, recording
// the registration when it may. Timestamps older than the window are
// discarded first, so the count is always the in-window count.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	elem, ok := rl.entries[ip]
	if !ok {
		if rl.maxTracked > 0 && len(rl.entries) >= rl.maxTracked {
			rl.evictOldestIP()
		}
		h := &registrationHistory{
			ip:       ip,
			times:    []time.Time{now},
			lastSeen: now,
		}
		rl.entries[ip] = rl.order.PushFront(h)
		return true
	}

	rl.order.MoveToFront(elem)
	h := elem.Value.(*registrationHistory)
	h.lastSeen = now
	h.times = pruneBefore(h.times, now.Add(-rl.window))

	if len(h.times) >= rl.maxPerWindow {
		rl.blocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"in_window", len(h.times),
			"max_per_window", rl.maxPerWindow,
			"window", rl.window,
			"blocked_total", rl.blocked)
		return false
	}

	h.times = append(h.times, now)
	return true
}

// pruneBefore filters timestamps in place, keeping those after cutoff.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// evictOldestIP drops the least recently seen IP. Caller holds mu.
func (rl *ClientRegistrationRateLimiter) evictOldestIP() {
	elem := rl.order.Back()
	if elem == nil {
		return
	}
	h := rl.order.Remove(elem).(*registrationHistory)
	delete(rl.entries, h.ip)

	rl.logger.Debug("Registration limiter evicted least recently seen IP",
		"ip", h.ip,
		"tracked", len(rl.entries))
}

func (rl *ClientRegistrationRateLimiter) reap() {
	ticker := time.NewTicker(registrationCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.done:
			return
		}
	}
}

// Cleanup drops IPs idle for more than twice the window. Anything that
// old has no in-window timestamps left, so dropping it cannot change a
// future Allow decision.
func (rl *ClientRegistrationRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.window)
	removed := 0
	var next *list.Element
	for elem := rl.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		h := elem.Value.(*registrationHistory)
		if h.lastSeen.Before(cutoff) {
			rl.order.Remove(elem)
			delete(rl.entries, h.ip)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Registration limiter dropped idle IPs",
			"removed", removed,
			"tracked", len(rl.entries))
	}
}

// Stop ends the background cleanup goroutine. Safe to call more than
// once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.done)
	})
}
