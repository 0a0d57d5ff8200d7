package security

import "time"

const (
	// DefaultClockSkewGracePeriod absorbs small clock differences between
	// server and client when checking stored expiry times
	DefaultClockSkewGracePeriod = 5 * time.Second

	// DefaultRefreshSkew is how long before expiry a client treats its access
	// token as due for refresh
	DefaultRefreshSkew = 5 * time.Minute
)

// IsExpired reports whether expiresAt lies more than gracePeriod before now.
// A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// NeedsRefresh reports whether now >= expiresAt - margin. A zero expiresAt
// (unknown expiry) never needs a proactive refresh.
func NeedsRefresh(expiresAt, now time.Time, margin time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt.Add(-margin))
}
