package security

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// DefaultMaxRegistrationsPerHour is the default limit for client registrations per IP per hour
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the default time window for rate limiting (1 hour)
	DefaultRegistrationWindow = time.Hour

	// DefaultMaxRegistrationEntries is the maximum number of IPs to track
	DefaultMaxRegistrationEntries = 10000
)

// registrationWindow holds the timestamps of recent registrations from one IP
type registrationWindow struct {
	mu            sync.Mutex
	registrations []time.Time
}

// ClientRegistrationRateLimiter is a sliding-window quota on dynamic client
// registrations per source IP. An IP that stays quiet for a whole window is
// forgotten.
type ClientRegistrationRateLimiter struct {
	entries      *ttlcache.Cache[string, *registrationWindow]
	maxPerWindow int
	window       time.Duration
	maxEntries   int
	logger       *slog.Logger
	now          func() time.Time
	stopOnce     sync.Once

	// Statistics
	totalBlocked atomic.Int64
	totalAllowed atomic.Int64
}

// NewClientRegistrationRateLimiter creates a registration limiter with default settings
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig creates a registration limiter with custom configuration
func NewClientRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
		logger.Warn("Invalid maxPerWindow, using default", "maxPerWindow", maxPerWindow)
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
		logger.Warn("Invalid window, using default", "window", window)
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxRegistrationEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	opts := []ttlcache.Option[string, *registrationWindow]{
		ttlcache.WithTTL[string, *registrationWindow](window),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *registrationWindow](uint64(maxEntries)))
	}

	rl := &ClientRegistrationRateLimiter{
		entries:      ttlcache.New(opts...),
		maxPerWindow: maxPerWindow,
		window:       window,
		maxEntries:   maxEntries,
		logger:       logger,
		now:          time.Now,
	}

	go rl.entries.Start()

	logger.Info("Client registration rate limiter initialized",
		"max_per_window", maxPerWindow,
		"window", window,
		"max_entries", maxEntries)

	return rl
}

// Allow records a registration attempt from ip and reports whether it is
// within the quota. Rejected attempts are not counted against the window.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := rl.now()
	windowStart := now.Add(-rl.window)

	item, _ := rl.entries.GetOrSetFunc(ip, func() *registrationWindow {
		return &registrationWindow{}
	})
	w := item.Value()

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop timestamps that left the window (in-place filtering)
	n := 0
	for _, t := range w.registrations {
		if t.After(windowStart) {
			w.registrations[n] = t
			n++
		}
	}
	w.registrations = w.registrations[:n]

	if len(w.registrations) >= rl.maxPerWindow {
		blocked := rl.totalBlocked.Add(1)
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"registrations_in_window", len(w.registrations),
			"max_per_window", rl.maxPerWindow,
			"window", rl.window,
			"total_blocked", blocked)
		return false
	}

	w.registrations = append(w.registrations, now)
	rl.totalAllowed.Add(1)
	return true
}

// Stop stops the background expiry loop. Safe to call more than once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.entries.Stop()
		rl.logger.Debug("Client registration rate limiter stopped")
	})
}

// RegistrationStats holds client registration rate limiter statistics for monitoring
type RegistrationStats struct {
	CurrentEntries int     // Current number of tracked IPs
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalBlocked   int64   // Total registrations blocked
	TotalAllowed   int64   // Total registrations allowed
	MaxPerWindow   int     // Maximum registrations per window
	Window         string  // Time window duration
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics for monitoring and alerting
func (rl *ClientRegistrationRateLimiter) GetStats() RegistrationStats {
	stats := RegistrationStats{
		CurrentEntries: rl.entries.Len(),
		MaxEntries:     rl.maxEntries,
		TotalBlocked:   rl.totalBlocked.Load(),
		TotalAllowed:   rl.totalAllowed.Load(),
		MaxPerWindow:   rl.maxPerWindow,
		Window:         rl.window.String(),
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
