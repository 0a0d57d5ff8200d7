package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-dcr/internal/testutil"
)

func newTestRegistrationLimiter(t *testing.T, maxPerWindow int, window time.Duration, maxEntries int) *ClientRegistrationRateLimiter {
	t.Helper()
	rl := NewClientRegistrationRateLimiterWithConfig(maxPerWindow, window, maxEntries, slog.New(slog.DiscardHandler))
	t.Cleanup(rl.Stop)
	return rl
}

func TestNewClientRegistrationRateLimiter_Defaults(t *testing.T) {
	rl := NewClientRegistrationRateLimiter(nil)
	defer rl.Stop()

	stats := rl.GetStats()
	if stats.MaxPerWindow != DefaultMaxRegistrationsPerHour {
		t.Errorf("MaxPerWindow = %d, want %d", stats.MaxPerWindow, DefaultMaxRegistrationsPerHour)
	}
	if stats.Window != DefaultRegistrationWindow.String() {
		t.Errorf("Window = %s, want %s", stats.Window, DefaultRegistrationWindow)
	}
	if stats.MaxEntries != DefaultMaxRegistrationEntries {
		t.Errorf("MaxEntries = %d, want %d", stats.MaxEntries, DefaultMaxRegistrationEntries)
	}
}

func TestNewClientRegistrationRateLimiterWithConfig_InvalidValues(t *testing.T) {
	rl := NewClientRegistrationRateLimiterWithConfig(0, -time.Second, -1, slog.New(slog.DiscardHandler))
	defer rl.Stop()

	if rl.maxPerWindow != DefaultMaxRegistrationsPerHour {
		t.Errorf("maxPerWindow = %d, want default", rl.maxPerWindow)
	}
	if rl.window != DefaultRegistrationWindow {
		t.Errorf("window = %v, want default", rl.window)
	}
	if rl.maxEntries != DefaultMaxRegistrationEntries {
		t.Errorf("maxEntries = %d, want default", rl.maxEntries)
	}
}

func TestClientRegistrationRateLimiter_Allow(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 3, time.Hour, 100)

	for i := 0; i < 3; i++ {
		if !rl.Allow("192.0.2.1") {
			t.Fatalf("registration %d should be allowed", i+1)
		}
	}
	if rl.Allow("192.0.2.1") {
		t.Error("fourth registration within the window should be blocked")
	}
	if !rl.Allow("192.0.2.2") {
		t.Error("another IP has its own quota")
	}

	stats := rl.GetStats()
	if stats.TotalAllowed != 4 || stats.TotalBlocked != 1 {
		t.Errorf("stats = %+v, want 4 allowed / 1 blocked", stats)
	}
}

func TestClientRegistrationRateLimiter_SlidingWindow(t *testing.T) {
	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	rl := newTestRegistrationLimiter(t, 2, time.Hour, 100)
	rl.now = clock.Now

	rl.Allow("192.0.2.1")
	clock.Advance(30 * time.Minute)
	rl.Allow("192.0.2.1")

	if rl.Allow("192.0.2.1") {
		t.Fatal("quota should be exhausted")
	}

	// The first registration leaves the window; one slot frees up
	clock.Advance(31 * time.Minute)
	if !rl.Allow("192.0.2.1") {
		t.Error("registration should be allowed once the oldest entry leaves the window")
	}
	if rl.Allow("192.0.2.1") {
		t.Error("only one slot should have freed up")
	}
}

func TestClientRegistrationRateLimiter_Capacity(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 1, time.Hour, 2)

	for i := 0; i < 4; i++ {
		rl.Allow(fmt.Sprintf("192.0.2.%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.MemoryPressure != 100 {
		t.Errorf("MemoryPressure = %v, want 100", stats.MemoryPressure)
	}
}

func TestClientRegistrationRateLimiter_Concurrent(t *testing.T) {
	rl := newTestRegistrationLimiter(t, 5, time.Hour, 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("192.0.2.1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("allowed = %d, want exactly 5", allowed)
	}
}

func TestClientRegistrationRateLimiter_StopIdempotent(t *testing.T) {
	rl := NewClientRegistrationRateLimiter(slog.New(slog.DiscardHandler))
	rl.Stop()
	rl.Stop()
}
