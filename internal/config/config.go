// Package config loads the server binary's configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, and MCP_OAUTH_* environment variables, which win over both:
//
//	server:
//	  url: https://auth.example.com
//	  port: 8000
//	jwt:
//	  access_token_ttl: 1h
//	oauth:
//	  supported_scopes: [mcp:tools:read, mcp:tools:execute]
//	storage:
//	  backend: valkey
//	  valkey:
//	    address: localhost:6379
//
// The JWT signing secret has no default and is normally supplied through
// MCP_OAUTH_JWT_SECRET_KEY.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	oauth "github.com/giantswarm/mcp-oauth-dcr"
	"github.com/giantswarm/mcp-oauth-dcr/server"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MCP_OAUTH_"

const (
	StorageMemory = "memory"
	StorageValkey = "valkey"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config is the complete server binary configuration
type Config struct {
	Server    ServerSettings    `yaml:"server"`
	Service   ServiceSettings   `yaml:"service"`
	JWT       JWTSettings       `yaml:"jwt"`
	OAuth     OAuthSettings     `yaml:"oauth"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Storage   StorageSettings   `yaml:"storage"`
	Log       LogSettings       `yaml:"log"`
	Metrics   MetricsSettings   `yaml:"metrics"`
}

// ServerSettings controls the listener and the public URL
type ServerSettings struct {
	// URL is the public base URL and issuer identifier
	URL               string        `yaml:"url"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	AllowInsecureHTTP bool          `yaml:"allow_insecure_http"`
	TrustProxy        bool          `yaml:"trust_proxy"`
	TrustedProxyCount int           `yaml:"trusted_proxy_count"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ServiceSettings is reported by /health and /
type ServiceSettings struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// JWTSettings configures access token signing
type JWTSettings struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	Leeway         time.Duration `yaml:"leeway"`
}

// OAuthSettings configures the authorization server
type OAuthSettings struct {
	AuthorizationCodeTTL    time.Duration `yaml:"authorization_code_ttl"`
	RefreshTokenTTL         time.Duration `yaml:"refresh_token_ttl"`
	RefreshTokenRotation    bool          `yaml:"refresh_token_rotation"`
	SupportedScopes         []string      `yaml:"supported_scopes"`
	DefaultScope            string        `yaml:"default_scope"`
	RequiredScopes          []string      `yaml:"required_scopes"`
	MaxRegistrationsPerHour int           `yaml:"max_registrations_per_hour"`

	// UserID is the resource owner every authorization is granted for
	UserID string `yaml:"user_id"`
}

// RateLimitSettings configures the per-IP limiter on guarded endpoints
type RateLimitSettings struct {
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`
}

// StorageSettings selects the storage backend
type StorageSettings struct {
	Backend string         `yaml:"backend"`
	Valkey  ValkeySettings `yaml:"valkey"`
}

// ValkeySettings configures the valkey backend
type ValkeySettings struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogSettings configures the slog handler
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsSettings configures the Prometheus endpoint
type MetricsSettings struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	LogClientIPs bool   `yaml:"log_client_ips"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerSettings{
			URL:               "http://localhost:8000",
			Host:              "0.0.0.0",
			Port:              8000,
			TrustedProxyCount: 1,
			ShutdownTimeout:   30 * time.Second,
		},
		Service: ServiceSettings{
			Name:    oauth.DefaultServiceName,
			Version: oauth.DefaultVersion,
		},
		JWT: JWTSettings{
			AccessTokenTTL: token.DefaultAccessTokenTTL,
		},
		OAuth: OAuthSettings{
			AuthorizationCodeTTL:    time.Duration(server.DefaultAuthorizationCodeTTL) * time.Second,
			RefreshTokenTTL:         token.DefaultRefreshTokenTTL,
			SupportedScopes:         []string{"mcp:tools:read", "mcp:tools:execute"},
			DefaultScope:            "mcp:tools:read mcp:tools:execute",
			MaxRegistrationsPerHour: server.DefaultMaxRegistrationsPerHour,
			UserID:                  oauth.DefaultUserID,
		},
		RateLimit: RateLimitSettings{
			Rate:  oauth.DefaultRateLimitRate,
			Burst: oauth.DefaultRateLimitBurst,
		},
		Storage: StorageSettings{
			Backend: StorageMemory,
		},
		Log: LogSettings{
			Level:  "info",
			Format: LogFormatText,
		},
		Metrics: MetricsSettings{
			Path: "/metrics",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment seen through lookup. A nil lookup
// uses os.LookupEnv. The result is validated.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error loading config from %s: %w", path, err)
		}
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MCP_OAUTH_* variables. Minute and day based names
// follow the variables of the earlier Python service.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.str("SERVER_URL", &c.Server.URL)
	env.str("SERVER_HOST", &c.Server.Host)
	env.int("SERVER_PORT", &c.Server.Port)
	env.bool("ALLOW_INSECURE_HTTP", &c.Server.AllowInsecureHTTP)
	env.bool("TRUST_PROXY", &c.Server.TrustProxy)

	env.str("SERVICE_NAME", &c.Service.Name)
	env.str("SERVICE_VERSION", &c.Service.Version)

	env.str("JWT_SECRET_KEY", &c.JWT.Secret)
	env.minutes("JWT_ACCESS_TOKEN_EXPIRE_MINUTES", &c.JWT.AccessTokenTTL)

	env.minutes("AUTHORIZATION_CODE_EXPIRE_MINUTES", &c.OAuth.AuthorizationCodeTTL)
	env.days("REFRESH_TOKEN_EXPIRE_DAYS", &c.OAuth.RefreshTokenTTL)
	env.bool("REFRESH_TOKEN_ROTATION", &c.OAuth.RefreshTokenRotation)
	env.list("SUPPORTED_SCOPES", &c.OAuth.SupportedScopes)
	env.list("REQUIRED_SCOPES", &c.OAuth.RequiredScopes)
	env.str("USER_ID", &c.OAuth.UserID)

	env.int("RATE_LIMIT_RATE", &c.RateLimit.Rate)
	env.int("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	env.str("STORAGE_BACKEND", &c.Storage.Backend)
	env.str("VALKEY_ADDRESS", &c.Storage.Valkey.Address)
	env.str("VALKEY_PASSWORD", &c.Storage.Valkey.Password)
	env.int("VALKEY_DB", &c.Storage.Valkey.DB)

	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)

	env.bool("METRICS_ENABLED", &c.Metrics.Enabled)

	return errors.Join(env.errs...)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("server.url %q must be an absolute http or https URL", c.Server.URL))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}

	if len(c.JWT.Secret) < token.MinSigningKeyLength {
		errs = append(errs, fmt.Errorf("jwt.secret must be at least %d bytes (set %sJWT_SECRET_KEY)", token.MinSigningKeyLength, EnvPrefix))
	}
	if c.JWT.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("jwt.access_token_ttl must be positive"))
	}
	if c.OAuth.AuthorizationCodeTTL <= 0 {
		errs = append(errs, errors.New("oauth.authorization_code_ttl must be positive"))
	}
	if c.OAuth.UserID == "" {
		errs = append(errs, errors.New("oauth.user_id must not be empty"))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage.valkey.address is required for the valkey backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be %q or %q", c.Storage.Backend, StorageMemory, StorageValkey))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != LogFormatJSON && c.Log.Format != LogFormatText {
		errs = append(errs, fmt.Errorf("log.format %q must be %q or %q", c.Log.Format, LogFormatJSON, LogFormatText))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}

	return errors.Join(errs...)
}

// Issuer returns the server URL without a trailing slash
func (c *Config) Issuer() string {
	return strings.TrimSuffix(c.Server.URL, "/")
}

// Resource returns the canonical URI of the protected MCP resource, which
// is also the access token audience
func (c *Config) Resource() string {
	return c.Issuer() + "/mcp"
}

// ListenAddr returns host:port for the HTTP listener
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LogLevel parses Log.Level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q is invalid: %w", c.Log.Level, err)
	}
	return level, nil
}

// TokenConfig returns the token issuer configuration
func (c *Config) TokenConfig() token.Config {
	return token.Config{
		SigningKey:      []byte(c.JWT.Secret),
		Issuer:          c.Issuer(),
		Audience:        c.Resource(),
		AccessTokenTTL:  c.JWT.AccessTokenTTL,
		RefreshTokenTTL: c.OAuth.RefreshTokenTTL,
		Leeway:          c.JWT.Leeway,
	}
}

// ServerConfig returns the protocol configuration
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                  c.Issuer(),
		AuthorizationCodeTTL:    int64(c.OAuth.AuthorizationCodeTTL / time.Second),
		AccessTokenTTL:          int64(c.JWT.AccessTokenTTL / time.Second),
		RefreshTokenTTL:         int64(c.OAuth.RefreshTokenTTL / time.Second),
		RefreshTokenRotation:    c.OAuth.RefreshTokenRotation,
		AllowInsecureHTTP:       c.Server.AllowInsecureHTTP,
		SupportedScopes:         c.OAuth.SupportedScopes,
		DefaultScope:            c.OAuth.DefaultScope,
		MaxRegistrationsPerHour: c.OAuth.MaxRegistrationsPerHour,
		TrustProxy:              c.Server.TrustProxy,
		TrustedProxyCount:       c.Server.TrustedProxyCount,
	}
}

// HandlerConfig returns the HTTP layer configuration
func (c *Config) HandlerConfig() *oauth.HandlerConfig {
	return &oauth.HandlerConfig{
		Resource:        c.Resource(),
		ServiceName:     c.Service.Name,
		Version:         c.Service.Version,
		SupportedScopes: c.OAuth.SupportedScopes,
		RequiredScopes:  c.OAuth.RequiredScopes,
		RateLimit: oauth.RateLimitConfig{
			Rate:  c.RateLimit.Rate,
			Burst: c.RateLimit.Burst,
		},
		UserResolver: oauth.StaticUser(c.OAuth.UserID),
	}
}

// envReader collects parse errors while overlaying variables
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) bool(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) scaled(name string, unit time.Duration, dst *time.Duration) {
	var n int
	before := len(e.errs)
	e.int(name, &n)
	if len(e.errs) > before {
		return
	}
	if _, ok := e.get(name); ok {
		*dst = time.Duration(n) * unit
	}
}

func (e *envReader) minutes(name string, dst *time.Duration) {
	e.scaled(name, time.Minute, dst)
}

func (e *envReader) days(name string, dst *time.Duration) {
	e.scaled(name, 24*time.Hour, dst)
}

// list splits a comma or space separated value
func (e *envReader) list(name string, dst *[]string) {
	if v, ok := e.get(name); ok {
		*dst = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}
}
