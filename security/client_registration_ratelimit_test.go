package security

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRegistrationLimiter_BudgetEnforced(t *testing.T) {
	rl := NewClientRegistrationRateLimiterWithConfig(3, time.Hour, 100, quietLogger())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("198.51.100.7") {
			t.Fatalf("registration %d within budget denied", i+1)
		}
	}
	if rl.Allow("198.51.100.7") {
		t.Error("registration past budget allowed")
	}
}

func TestRegistrationLimiter_IPsIsolated(t *testing.T) {
	rl := NewClientRegistrationRateLimiterWithConfig(1, time.Hour, 100, quietLogger())
	defer rl.Stop()

	if !rl.Allow("198.51.100.7") {
		t.Fatal("first IP denied")
	}
	if rl.Allow("198.51.100.7") {
		t.Fatal("first IP not exhausted")
	}
	if !rl.Allow("198.51.100.8") {
		t.Error("second IP throttled by the first's history")
	}
}

func TestRegistrationLimiter_WindowSlides(t *testing.T) {
	rl := NewClientRegistrationRateLimiterWithConfig(2, 50*time.Millisecond, 100, quietLogger())
	defer rl.Stop()

	rl.Allow("client")
	rl.Allow("client")
	if rl.Allow("client") {
		t.Fatal("third registration within window allowed")
	}

	// After the window passes, both timestamps fall out and the budget
	// is whole again.
	time.Sleep(80 * time.Millisecond)
	if !rl.Allow("client") {
		t.Error("registration denied after window expired")
	}
}

func TestRegistrationLimiter_EvictsOldestAtCapacity(t *testing.T) {
	rl := NewClientRegistrationRateLimiterWithConfig(1, time.Hour, 2, quietLogger())
	defer rl.Stop()

	rl.Allow("a")
	if rl.Allow("a") {
		t.Fatal("IP a not exhausted")
	}
	rl.Allow("b")
	rl.Allow("c") // at capacity: evicts a

	if !rl.Allow("a") {
		t.Error("evicted IP did not get a fresh budget")
	}
	if rl.Allow("c") {
		t.Error("recently seen IP c was evicted")
	}
}

func TestRegistrationLimiter_InvalidConfigFallsBack(t *testing.T) {
	rl := NewClientRegistrationRateLimiterWithConfig(0, 0, -1, quietLogger())
	defer rl.Stop()

	if !rl.Allow("client") {
		t.Error("limiter with defaulted config denied first registration")
	}
}

func TestRegistrationLimiter_CleanupDropsIdleIPs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rl := NewClientRegistrationRateLimiterWithConfig(5, 10*time.Millisecond, 100, logger)
	defer rl.Stop()

	rl.Allow("stale")
	time.Sleep(30 * time.Millisecond) // past twice the window
	rl.Allow("fresh")
	rl.Cleanup()

	if !strings.Contains(buf.String(), "dropped idle IPs") {
		t.Error("cleanup did not report dropping the idle IP")
	}
	if !strings.Contains(buf.String(), "removed=1") {
		t.Errorf("cleanup removed the wrong number of IPs: %s", buf.String())
	}
}

func TestRegistrationLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewClientRegistrationRateLimiter(quietLogger())
	rl.Stop()
	rl.Stop()
}

func TestRegistrationLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewClientRegistrationRateLimiterWithConfig(5, time.Hour, 8, quietLogger())
	defer rl.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ip := fmt.Sprintf("203.0.113.%d", g%10)
			for i := 0; i < 50; i++ {
				rl.Allow(ip)
			}
		}(g)
	}
	wg.Wait()
}
