package security

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimiterMaxEntries caps the number of tracked identifiers
	DefaultRateLimiterMaxEntries = 10000

	// DefaultRateLimiterIdleTimeout is how long an unused bucket is kept
	DefaultRateLimiterIdleTimeout = 30 * time.Minute
)

// RateLimiter provides per-identifier token bucket rate limiting.
// Buckets are kept in a ttlcache that expires idle identifiers and evicts
// the least recently used one when MaxEntries is reached.
type RateLimiter struct {
	buckets    *ttlcache.Cache[string, *rate.Limiter]
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	stopOnce   sync.Once

	// Statistics
	totalEvictions atomic.Int64
	totalExpired   atomic.Int64
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst for each identifier, tracking at most
// DefaultRateLimiterMaxEntries identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultRateLimiterMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom cap on tracked
// identifiers. maxEntries of 0 means unlimited (not recommended for production).
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	return newRateLimiter(requestsPerSecond, burst, maxEntries, DefaultRateLimiterIdleTimeout, logger)
}

func newRateLimiter(requestsPerSecond, burst, maxEntries int, idleTimeout time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = DefaultRateLimiterMaxEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	opts := []ttlcache.Option[string, *rate.Limiter]{
		ttlcache.WithTTL[string, *rate.Limiter](idleTimeout),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *rate.Limiter](uint64(maxEntries)))
	}

	rl := &RateLimiter{
		buckets:    ttlcache.New(opts...),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
	}

	rl.buckets.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *rate.Limiter]) {
		switch reason {
		case ttlcache.EvictionReasonCapacityReached:
			n := rl.totalEvictions.Add(1)
			rl.logger.Debug("Rate limiter LRU eviction",
				"identifier", item.Key(),
				"total_evictions", n)
		case ttlcache.EvictionReasonExpired:
			rl.totalExpired.Add(1)
		}
	})

	go rl.buckets.Start()

	return rl
}

// bucket returns the limiter for identifier, creating it on first use.
// A hit refreshes the idle timeout and the LRU position.
func (rl *RateLimiter) bucket(identifier string) *rate.Limiter {
	item, _ := rl.buckets.GetOrSetFunc(identifier, func() *rate.Limiter {
		return rate.NewLimiter(rl.limit, rl.burst)
	})
	return item.Value()
}

// Allow reports whether a request from identifier may proceed now
func (rl *RateLimiter) Allow(identifier string) bool {
	return rl.bucket(identifier).Allow()
}

// AllowWithRetry is Allow that also reports how long the caller should wait
// before the next request would be admitted. The wait is zero when allowed.
func (rl *RateLimiter) AllowWithRetry(identifier string) (bool, time.Duration) {
	r := rl.bucket(identifier).Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Cleanup drops buckets whose idle timeout has passed
func (rl *RateLimiter) Cleanup() {
	rl.buckets.DeleteExpired()
}

// Stop stops the background expiry loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(rl.buckets.Stop)
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked identifiers
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalEvictions int64   // Identifiers evicted because MaxEntries was reached
	TotalExpired   int64   // Identifiers dropped after the idle timeout
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics for monitoring and alerting
func (rl *RateLimiter) GetStats() Stats {
	stats := Stats{
		CurrentEntries: rl.buckets.Len(),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions.Load(),
		TotalExpired:   rl.totalExpired.Load(),
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
