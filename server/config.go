package server

import (
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-oauth-dcr/security"
)

const (
	// DefaultAuthorizationCodeTTL is the authorization code lifetime in seconds (10 minutes)
	DefaultAuthorizationCodeTTL = 600

	// DefaultAccessTokenTTL is the access token lifetime in seconds (1 hour)
	DefaultAccessTokenTTL = 3600

	// DefaultRefreshTokenTTL is the refresh token lifetime in seconds (30 days)
	DefaultRefreshTokenTTL = 30 * 24 * 3600

	// DefaultMaxRegistrationsPerHour is the per-IP client registration quota
	DefaultMaxRegistrationsPerHour = 10

	// DefaultClientName is used when a registration omits client_name
	DefaultClientName = "MCP Client"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	// A negative value issues refresh tokens that never expire.
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RefreshTokenRotation consumes the presented refresh token and issues a
	// new one on every refresh. When false the same refresh token is returned.
	// Default: false
	RefreshTokenRotation bool

	// AllowInsecureHTTP permits plain http redirect URIs on non-loopback hosts.
	// Loopback redirect URIs (127.0.0.1, [::1], localhost) are always allowed
	// over http for native clients.
	// Default: false
	AllowInsecureHTTP bool

	// SupportedScopes lists the scopes clients may register and request.
	// If empty, any scope is accepted at registration.
	SupportedScopes []string

	// DefaultScope is assigned to clients that register without a scope
	DefaultScope string

	// MaxRegistrationsPerHour limits client registrations per IP address.
	// Zero applies the default; a negative value disables the quota.
	MaxRegistrationsPerHour int // default: 10

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// authorizationCodeTTL returns the code lifetime as a duration
func (c *Config) authorizationCodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// accessTokenTTL returns the access token lifetime as a duration
func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RegistrationQuotaEnabled reports whether per-IP registration limiting applies
func (c *Config) RegistrationQuotaEnabled() bool {
	return c.MaxRegistrationsPerHour > 0
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based and quota configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxRegistrationsPerHour == 0 {
		config.MaxRegistrationsPerHour = DefaultMaxRegistrationsPerHour
	}
}

// logSecurityWarnings logs warnings for configuration that weakens security
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Plain HTTP redirect URIs are ALLOWED on non-loopback hosts",
			"risk", "Authorization codes exposed to network interception",
			"recommendation", "Set AllowInsecureHTTP=false and register HTTPS redirect URIs")
	}
	if config.RefreshTokenTTL < 0 {
		logger.Warn("⚠️  SECURITY WARNING: Refresh tokens never expire",
			"risk", "Leaked refresh tokens stay usable indefinitely",
			"recommendation", "Set RefreshTokenTTL to a positive number of seconds")
	}
	if !config.RegistrationQuotaEnabled() {
		logger.Warn("⚠️  SECURITY WARNING: Client registration quota is DISABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set MaxRegistrationsPerHour to a positive value")
	}
	if config.AccessTokenTTL > 24*3600 {
		logger.Warn("⚠️  SECURITY WARNING: Access token lifetime exceeds 24 hours",
			"access_token_ttl_seconds", config.AccessTokenTTL,
			"risk", "Stolen bearer tokens remain valid for a long time",
			"recommendation", "Use short-lived access tokens with refresh tokens")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}

// newRegistrationLimiter builds the per-IP registration limiter for config,
// or nil when the quota is disabled.
func newRegistrationLimiter(config *Config, logger *slog.Logger) *security.ClientRegistrationRateLimiter {
	if !config.RegistrationQuotaEnabled() {
		return nil
	}
	return security.NewClientRegistrationRateLimiterWithConfig(
		config.MaxRegistrationsPerHour,
		time.Hour,
		security.DefaultMaxRegistrationEntries,
		logger,
	)
}
