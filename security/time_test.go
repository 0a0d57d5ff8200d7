package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{name: "expires in 10 minutes", expiresAt: now.Add(10 * time.Minute), grace: DefaultClockSkewGracePeriod, want: false},
		{name: "expired 1s ago within grace", expiresAt: now.Add(-time.Second), grace: DefaultClockSkewGracePeriod, want: false},
		{name: "expired 10s ago beyond grace", expiresAt: now.Add(-10 * time.Second), grace: DefaultClockSkewGracePeriod, want: true},
		{name: "no grace, expiring exactly now", expiresAt: now, grace: 0, want: false},
		{name: "no grace, expired 1ns ago", expiresAt: now.Add(-time.Nanosecond), grace: 0, want: true},
		{name: "zero time never expires", expiresAt: time.Time{}, grace: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "an hour left", expiresAt: now.Add(time.Hour), want: false},
		{name: "just outside the margin", expiresAt: now.Add(DefaultRefreshSkew + time.Second), want: false},
		{name: "exactly at the margin", expiresAt: now.Add(DefaultRefreshSkew), want: true},
		{name: "inside the margin", expiresAt: now.Add(time.Minute), want: true},
		{name: "already expired", expiresAt: now.Add(-time.Minute), want: true},
		{name: "unknown expiry", expiresAt: time.Time{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsRefresh(tt.expiresAt, now, DefaultRefreshSkew); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}
