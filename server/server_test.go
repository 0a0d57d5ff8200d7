package server

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-dcr/internal/testutil"
	"github.com/giantswarm/mcp-oauth-dcr/pkce"
	"github.com/giantswarm/mcp-oauth-dcr/storage"
	"github.com/giantswarm/mcp-oauth-dcr/storage/memory"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

const (
	testIssuer   = "http://localhost:8000"
	testAudience = "http://localhost:8000/mcp"
)

func newTestIssuer(t *testing.T, now func() time.Time) *token.Issuer {
	t.Helper()
	iss, err := token.NewIssuer(token.Config{
		SigningKey: []byte(testutil.TestSigningKey),
		Issuer:     testIssuer,
		Audience:   testAudience,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return iss
}

// setupTestServer returns a server over a fresh memory store
func setupTestServer(t *testing.T, config *Config) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(store, store, store, newTestIssuer(t, nil), config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, store
}

// registerPublicClient registers a PKCE-only client for TestRedirectURI
func registerPublicClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()
	client, secret, err := srv.RegisterClient(context.Background(), ClientRegistrationRequest{
		RedirectURIs:            []string{testutil.TestRedirectURI},
		ClientName:              "cli",
		GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		Scope:                   "mcp:tools:read mcp:tools:execute",
	}, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret != "" {
		t.Fatalf("RegisterClient() returned a secret for a public client")
	}
	return client
}

// issueCode issues a code for client and returns it with its verifier
func issueCode(t *testing.T, srv *Server, client *storage.Client) (string, string) {
	t.Helper()
	verifier := pkce.GenerateVerifier()
	code, err := srv.IssueAuthorizationCode(context.Background(), client, testutil.TestUserID,
		testutil.TestRedirectURI, pkce.DeriveChallenge(verifier), "mcp:tools:read")
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	return code.Code, verifier
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	iss := newTestIssuer(t, nil)

	srv, err := New(store, store, store, iss, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Stop()

	if srv.Config == nil {
		t.Fatal("Config should not be nil when nil is passed")
	}
	if srv.Config.Issuer != testIssuer {
		t.Errorf("Issuer = %q, want %q", srv.Config.Issuer, testIssuer)
	}
	if srv.Logger == nil {
		t.Error("Logger should not be nil")
	}
	if srv.RegistrationRateLimiter == nil {
		t.Error("RegistrationRateLimiter should be set by default")
	}
	if srv.TokenIssuer() != iss {
		t.Error("TokenIssuer() should return the configured issuer")
	}
}

func TestNew_MissingDependencies(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	iss := newTestIssuer(t, nil)

	tests := []struct {
		name    string
		clients storage.ClientStore
		flows   storage.FlowStore
		refresh storage.RefreshTokenStore
		issuer  *token.Issuer
	}{
		{name: "client store", flows: store, refresh: store, issuer: iss},
		{name: "flow store", clients: store, refresh: store, issuer: iss},
		{name: "refresh store", clients: store, flows: store, issuer: iss},
		{name: "issuer", clients: store, flows: store, refresh: store},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.clients, tt.flows, tt.refresh, tt.issuer, nil, nil); err == nil {
				t.Errorf("New() without %s should fail", tt.name)
			}
		})
	}
}

func TestApplySecureDefaults(t *testing.T) {
	config := applySecureDefaults(&Config{}, slog.Default())

	if config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", config.AccessTokenTTL)
	}
	if config.RefreshTokenTTL != 30*24*3600 {
		t.Errorf("RefreshTokenTTL = %d, want 30 days", config.RefreshTokenTTL)
	}
	if config.RefreshTokenRotation {
		t.Error("RefreshTokenRotation should default to false")
	}
	if config.AllowInsecureHTTP {
		t.Error("AllowInsecureHTTP should default to false")
	}
	if config.MaxRegistrationsPerHour != DefaultMaxRegistrationsPerHour {
		t.Errorf("MaxRegistrationsPerHour = %d, want %d", config.MaxRegistrationsPerHour, DefaultMaxRegistrationsPerHour)
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
}

func TestApplySecureDefaults_Warnings(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		wantWarn string
	}{
		{name: "insecure http", config: Config{AllowInsecureHTTP: true}, wantWarn: "Plain HTTP redirect URIs"},
		{name: "never expiring refresh tokens", config: Config{RefreshTokenTTL: -1}, wantWarn: "never expire"},
		{name: "registration quota disabled", config: Config{MaxRegistrationsPerHour: -1}, wantWarn: "quota is DISABLED"},
		{name: "long access tokens", config: Config{AccessTokenTTL: 48 * 3600}, wantWarn: "exceeds 24 hours"},
		{name: "trust proxy", config: Config{TrustProxy: true}, wantWarn: "Trusting proxy headers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			config := tt.config
			applySecureDefaults(&config, logger)

			out := buf.String()
			if !strings.Contains(out, tt.wantWarn) {
				t.Errorf("log output %q does not contain %q", out, tt.wantWarn)
			}
			if !strings.Contains(out, "risk=") || !strings.Contains(out, "recommendation=") {
				t.Errorf("warning should carry risk and recommendation attributes: %q", out)
			}
		})
	}
}

func TestApplySecureDefaults_NoWarningsForDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	applySecureDefaults(&Config{}, logger)

	if buf.Len() != 0 {
		t.Errorf("default config logged warnings: %s", buf.String())
	}
}

func TestNew_RegistrationQuotaDisabled(t *testing.T) {
	srv, _ := setupTestServer(t, &Config{MaxRegistrationsPerHour: -1})
	if srv.RegistrationRateLimiter != nil {
		t.Error("RegistrationRateLimiter should be nil when the quota is disabled")
	}
}
