package oauth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-oauth-dcr/security"
	"github.com/giantswarm/mcp-oauth-dcr/server"
)

const (
	// DefaultRealm is the realm advertised in WWW-Authenticate challenges
	DefaultRealm = "mcp"

	// DefaultServiceName is reported by /health and /
	DefaultServiceName = "mcp-oauth-dcr-server"

	// DefaultVersion is reported by /health and / when no build version is set
	DefaultVersion = "dev"

	// DefaultMaxBodyBytes caps registration and token request bodies
	DefaultMaxBodyBytes int64 = 1 << 20

	// DefaultRateLimitRate and DefaultRateLimitBurst are the per-IP limits
	// used by the server binary for guarded endpoints
	DefaultRateLimitRate  = 10
	DefaultRateLimitBurst = 20

	// DefaultUserID is the resource owner assumed by StaticUser when the
	// deployment has no login step in front of the authorization endpoint
	DefaultUserID = "demo-user"
)

// UserResolver returns the authenticated end user for an authorization
// request. An empty ID or an error makes the request fail with access_denied.
type UserResolver func(r *http.Request) (string, error)

// StaticUser resolves every authorization request to the same user
func StaticUser(userID string) UserResolver {
	return func(*http.Request) (string, error) {
		if userID == "" {
			return "", errors.New("no user configured")
		}
		return userID, nil
	}
}

// HandlerConfig holds the HTTP layer configuration
type HandlerConfig struct {
	// Resource is the canonical URI of the protected resource. It must match
	// the audience of the token issuer. Default: the issuer's audience.
	Resource string

	// Realm is sent in WWW-Authenticate challenges. Default: "mcp"
	Realm string

	// ServiceName and Version are reported by /health and /
	ServiceName string
	Version     string

	// SupportedScopes are advertised in both metadata documents.
	// Default: server.Config.SupportedScopes
	SupportedScopes []string

	// RequiredScopes must all be present on a token for ValidateToken to
	// pass it through. Empty means any valid token is accepted.
	RequiredScopes []string

	// Rate limiting configuration for guarded endpoints
	RateLimit RateLimitConfig

	// MaxBodyBytes caps the size of request bodies. Default: 1 MiB
	MaxBodyBytes int64

	// DisableSecurityHeaders stops the handler from setting the security
	// response headers. Only for deployments where a proxy sets them.
	DisableSecurityHeaders bool

	// UserResolver identifies the resource owner at the authorization
	// endpoint. Default: StaticUser(DefaultUserID)
	UserResolver UserResolver
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs.
	// Default: security.DefaultRateLimiterMaxEntries
	MaxEntries int
}

// applyHandlerDefaults fills unset fields and warns about weakened settings
func applyHandlerDefaults(config *HandlerConfig, srv *server.Server, logger *slog.Logger) *HandlerConfig {
	if config == nil {
		config = &HandlerConfig{}
	}
	if config.Resource == "" {
		config.Resource = srv.TokenIssuer().Audience()
	}
	config.Resource = strings.TrimSuffix(config.Resource, "/")
	if config.Realm == "" {
		config.Realm = DefaultRealm
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.Version == "" {
		config.Version = DefaultVersion
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = srv.Config.SupportedScopes
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = config.RateLimit.Rate
	}
	if config.RateLimit.MaxEntries <= 0 {
		config.RateLimit.MaxEntries = security.DefaultRateLimiterMaxEntries
	}

	if config.UserResolver == nil {
		config.UserResolver = StaticUser(DefaultUserID)
		logger.Warn("⚠️  SECURITY NOTICE: Authorization requests are approved as a fixed user",
			"user_id", DefaultUserID,
			"risk", "Anyone reaching the authorization endpoint obtains tokens for this user",
			"recommendation", "Set HandlerConfig.UserResolver to the login session lookup of your deployment")
	}
	if config.RateLimit.Rate <= 0 {
		logger.Warn("⚠️  SECURITY WARNING: Rate limiting is DISABLED for guarded endpoints",
			"risk", "Token guessing and resource exhaustion are not throttled",
			"recommendation", "Set RateLimit.Rate and RateLimit.Burst")
	}
	if config.DisableSecurityHeaders {
		logger.Warn("⚠️  SECURITY WARNING: Security headers are DISABLED",
			"risk", "Responses may be framed or cached by intermediaries",
			"recommendation", "Only disable when a reverse proxy sets equivalent headers")
	}

	return config
}
