package oauth

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-oauth-dcr/internal/testutil"
	"github.com/giantswarm/mcp-oauth-dcr/pkce"
	"github.com/giantswarm/mcp-oauth-dcr/server"
	"github.com/giantswarm/mcp-oauth-dcr/storage/memory"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

const (
	testIssuer   = "http://localhost:8000"
	testResource = "http://localhost:8000/mcp"
	testScope    = "mcp:tools:read mcp:tools:execute"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	iss, err := token.NewIssuer(token.Config{
		SigningKey: []byte(testutil.TestSigningKey),
		Issuer:     testIssuer,
		Audience:   testResource,
	})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return iss
}

// setupTestHandler returns a handler over a fresh memory store.
// Nil configs use the defaults.
func setupTestHandler(t *testing.T, srvConfig *ServerConfig, config *HandlerConfig) *Handler {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := NewServer(store, newTestIssuer(t), srvConfig, discardLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	h, err := NewHandler(srv, config, discardLogger())
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func doRequest(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return doRequest(h, req)
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doRequest(h, req)
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

// registerTestClient registers a public client for TestRedirectURI over HTTP
func registerTestClient(t *testing.T, h http.Handler) ClientRegistrationResponse {
	t.Helper()
	w := postJSON(t, h, PathRegister, server.ClientRegistrationRequest{
		RedirectURIs:            []string{testutil.TestRedirectURI},
		ClientName:              "test-cli",
		GrantTypes:              []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethod: server.TokenEndpointAuthMethodNone,
		Scope:                   testScope,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeJSON[ClientRegistrationResponse](t, w)
}

func authorizeURL(clientID, redirectURI, challenge, state string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {"mcp:tools:read"},
		"code_challenge":        {challenge},
		"code_challenge_method": {pkce.MethodS256},
		"state":                 {state},
	}
	return PathAuthorize + "?" + q.Encode()
}

// authorizeTestClient runs the authorization endpoint and returns a code and its verifier
func authorizeTestClient(t *testing.T, h http.Handler, clientID string) (string, string) {
	t.Helper()
	verifier := pkce.GenerateVerifier()
	req := httptest.NewRequest(http.MethodGet, authorizeURL(clientID, testutil.TestRedirectURI, pkce.DeriveChallenge(verifier), "xyz"), nil)
	w := doRequest(h, req)
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("Location %q carries no code", loc)
	}
	return code, verifier
}

func exchangeForm(clientID, code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {testutil.TestRedirectURI},
		"code_verifier": {verifier},
	}
}

func TestNewHandler(t *testing.T) {
	h := setupTestHandler(t, nil, nil)

	if h.logger == nil {
		t.Error("logger should not be nil")
	}
	cfg := h.Config()
	if cfg.Resource != testResource {
		t.Errorf("Resource = %q, want %q", cfg.Resource, testResource)
	}
	if cfg.Realm != DefaultRealm {
		t.Errorf("Realm = %q, want %q", cfg.Realm, DefaultRealm)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, DefaultMaxBodyBytes)
	}
	if cfg.UserResolver == nil {
		t.Error("UserResolver should default to StaticUser")
	}
	if h.rateLimiter != nil {
		t.Error("rate limiter should be nil when Rate is zero")
	}
}

func TestNewHandler_Errors(t *testing.T) {
	if _, err := NewHandler(nil, nil, nil); err == nil {
		t.Error("NewHandler(nil) should fail")
	}

	store := memory.New()
	defer store.Stop()
	srv, err := NewServer(store, newTestIssuer(t), nil, discardLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Stop()

	if _, err := NewHandler(srv, &HandlerConfig{Resource: "https://other.example.com/mcp"}, discardLogger()); err == nil {
		t.Error("NewHandler() should reject a resource that differs from the token audience")
	}
}

func TestApplyHandlerDefaults_Warnings(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	srv, err := NewServer(store, newTestIssuer(t), nil, discardLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer srv.Stop()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	applyHandlerDefaults(&HandlerConfig{DisableSecurityHeaders: true}, srv, logger)

	out := buf.String()
	for _, want := range []string{"fixed user", "Rate limiting is DISABLED", "Security headers are DISABLED"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output does not contain %q: %s", want, out)
		}
	}

	buf.Reset()
	applyHandlerDefaults(&HandlerConfig{
		UserResolver: StaticUser("alice"),
		RateLimit:    RateLimitConfig{Rate: 10, Burst: 20},
	}, srv, logger)
	if buf.Len() != 0 {
		t.Errorf("hardened config logged warnings: %s", buf.String())
	}
}

func TestStaticUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	id, err := StaticUser("alice")(req)
	if err != nil || id != "alice" {
		t.Errorf("StaticUser(alice) = %q, %v", id, err)
	}
	if _, err := StaticUser("")(req); err == nil {
		t.Error("StaticUser(\"\") should fail")
	}
}

func TestHandler_ServeAuthorizationServerMetadata(t *testing.T) {
	h := setupTestHandler(t, &ServerConfig{SupportedScopes: strings.Fields(testScope)}, nil)

	w := doRequest(h.Routes(), httptest.NewRequest(http.MethodGet, PathAuthorizationServerMetadata, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	meta := decodeJSON[AuthorizationServerMetadata](t, w)
	if meta.Issuer != testIssuer {
		t.Errorf("Issuer = %q, want %q", meta.Issuer, testIssuer)
	}
	if meta.AuthorizationEndpoint != testIssuer+PathAuthorize {
		t.Errorf("AuthorizationEndpoint = %q", meta.AuthorizationEndpoint)
	}
	if meta.TokenEndpoint != testIssuer+PathToken {
		t.Errorf("TokenEndpoint = %q", meta.TokenEndpoint)
	}
	if meta.RegistrationEndpoint != testIssuer+PathRegister {
		t.Errorf("RegistrationEndpoint = %q", meta.RegistrationEndpoint)
	}
	if len(meta.ResponseTypesSupported) != 1 || meta.ResponseTypesSupported[0] != "code" {
		t.Errorf("ResponseTypesSupported = %v, want [code]", meta.ResponseTypesSupported)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("CodeChallengeMethodsSupported = %v, want [S256]", meta.CodeChallengeMethodsSupported)
	}
	if len(meta.GrantTypesSupported) != 2 {
		t.Errorf("GrantTypesSupported = %v", meta.GrantTypesSupported)
	}
	if len(meta.ScopesSupported) != 2 {
		t.Errorf("ScopesSupported = %v", meta.ScopesSupported)
	}

	w = doRequest(h.Routes(), httptest.NewRequest(http.MethodPost, PathAuthorizationServerMetadata, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandler_ServeProtectedResourceMetadata(t *testing.T) {
	h := setupTestHandler(t, nil, nil)

	for _, path := range []string{PathProtectedResourceMetadata, PathProtectedResourceMetadata + "/mcp"} {
		t.Run(path, func(t *testing.T) {
			w := doRequest(h.Routes(), httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			meta := decodeJSON[ProtectedResourceMetadata](t, w)
			if meta.Resource != testResource {
				t.Errorf("Resource = %q, want %q", meta.Resource, testResource)
			}
			if len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != testIssuer {
				t.Errorf("AuthorizationServers = %v", meta.AuthorizationServers)
			}
			if len(meta.BearerMethodsSupported) != 1 || meta.BearerMethodsSupported[0] != "header" {
				t.Errorf("BearerMethodsSupported = %v, want [header]", meta.BearerMethodsSupported)
			}
		})
	}
}

func TestHandler_ServeClientRegistration(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantError  string
		wantSecret bool
	}{
		{
			name: "public client",
			body: server.ClientRegistrationRequest{
				RedirectURIs:            []string{testutil.TestRedirectURI},
				TokenEndpointAuthMethod: server.TokenEndpointAuthMethodNone,
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "confidential client gets a secret",
			body: server.ClientRegistrationRequest{
				RedirectURIs:            []string{"https://app.example.com/callback"},
				TokenEndpointAuthMethod: server.TokenEndpointAuthMethodPost,
			},
			wantStatus: http.StatusCreated,
			wantSecret: true,
		},
		{
			name:       "insecure redirect uri",
			body:       server.ClientRegistrationRequest{RedirectURIs: []string{"http://app.example.com/callback"}},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRedirectURI,
		},
		{
			name:       "no redirect uris",
			body:       server.ClientRegistrationRequest{},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRedirectURI,
		},
		{
			name: "unsupported grant type",
			body: server.ClientRegistrationRequest{
				RedirectURIs: []string{testutil.TestRedirectURI},
				GrantTypes:   []string{"password"},
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidClientMetadata,
		},
		{
			name:       "malformed body",
			body:       "not an object",
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupTestHandler(t, nil, nil)
			w := postJSON(t, h.Routes(), PathRegister, tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantError != "" {
				resp := decodeJSON[ErrorResponse](t, w)
				if resp.Error != tt.wantError {
					t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
				}
				return
			}

			resp := decodeJSON[ClientRegistrationResponse](t, w)
			if resp.ClientID == "" {
				t.Error("client_id should be set")
			}
			if resp.ClientIDIssuedAt == 0 {
				t.Error("client_id_issued_at should be set")
			}
			if resp.ClientSecretExpiresAt != 0 {
				t.Errorf("client_secret_expires_at = %d, want 0", resp.ClientSecretExpiresAt)
			}
			if (resp.ClientSecret != "") != tt.wantSecret {
				t.Errorf("client_secret present = %v, want %v", resp.ClientSecret != "", tt.wantSecret)
			}
			if len(resp.GrantTypes) == 0 || len(resp.ResponseTypes) == 0 {
				t.Errorf("grant_types/response_types should default: %+v", resp)
			}
		})
	}
}

func TestHandler_ServeClientRegistration_RateLimited(t *testing.T) {
	h := setupTestHandler(t, &ServerConfig{MaxRegistrationsPerHour: 1}, nil)
	body := server.ClientRegistrationRequest{RedirectURIs: []string{testutil.TestRedirectURI}}

	if w := postJSON(t, h.Routes(), PathRegister, body); w.Code != http.StatusCreated {
		t.Fatalf("first registration status = %d", w.Code)
	}
	w := postJSON(t, h.Routes(), PathRegister, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second registration status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if resp := decodeJSON[ErrorResponse](t, w); resp.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", resp.Error, ErrorCodeRateLimitExceeded)
	}
}

func TestHandler_ServeClientRegistration_BodyTooLarge(t *testing.T) {
	h := setupTestHandler(t, nil, &HandlerConfig{MaxBodyBytes: 64})
	body := server.ClientRegistrationRequest{
		RedirectURIs: []string{testutil.TestRedirectURI},
		ClientName:   strings.Repeat("x", 256),
	}
	if w := postJSON(t, h.Routes(), PathRegister, body); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandler_ServeAuthorization(t *testing.T) {
	h := setupTestHandler(t, nil, nil)
	routes := h.Routes()
	client := registerTestClient(t, routes)
	challenge := pkce.DeriveChallenge(pkce.GenerateVerifier())

	t.Run("success redirects with code and state", func(t *testing.T) {
		w := doRequest(routes, httptest.NewRequest(http.MethodGet,
			authorizeURL(client.ClientID, testutil.TestRedirectURI, challenge, "a b&c"), nil))
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if !strings.HasPrefix(loc.String(), testutil.TestRedirectURI+"?") {
			t.Errorf("Location = %q, want prefix %q", loc, testutil.TestRedirectURI)
		}
		if loc.Query().Get("code") == "" {
			t.Error("Location has no code")
		}
		if got := loc.Query().Get("state"); got != "a b&c" {
			t.Errorf("state = %q, want %q", got, "a b&c")
		}
		if w.Header().Get("Cache-Control") != "no-store" {
			t.Errorf("Cache-Control = %q, want no-store", w.Header().Get("Cache-Control"))
		}
	})

	t.Run("unknown client is answered directly", func(t *testing.T) {
		w := doRequest(routes, httptest.NewRequest(http.MethodGet,
			authorizeURL("no-such-client", testutil.TestRedirectURI, challenge, "s"), nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if w.Header().Get("Location") != "" {
			t.Error("must not redirect for an unknown client")
		}
		if resp := decodeJSON[ErrorResponse](t, w); resp.Error != ErrorCodeInvalidClient {
			t.Errorf("error = %q, want %q", resp.Error, ErrorCodeInvalidClient)
		}
	})

	t.Run("unregistered redirect uri is answered directly", func(t *testing.T) {
		w := doRequest(routes, httptest.NewRequest(http.MethodGet,
			authorizeURL(client.ClientID, testutil.TestRedirectURI+"/", challenge, "s"), nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if w.Header().Get("Location") != "" {
			t.Error("must not redirect to an unregistered URI")
		}
	})

	t.Run("plain pkce is an error redirect", func(t *testing.T) {
		u := strings.Replace(authorizeURL(client.ClientID, testutil.TestRedirectURI, challenge, "s"),
			"code_challenge_method=S256", "code_challenge_method=plain", 1)
		w := doRequest(routes, httptest.NewRequest(http.MethodGet, u, nil))
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if loc.Query().Get("error") != ErrorCodeInvalidRequest {
			t.Errorf("error = %q, want %q", loc.Query().Get("error"), ErrorCodeInvalidRequest)
		}
		if loc.Query().Get("code") != "" {
			t.Error("error redirect must not carry a code")
		}
		if loc.Query().Get("state") != "s" {
			t.Errorf("state = %q, want s", loc.Query().Get("state"))
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		w := doRequest(routes, httptest.NewRequest(http.MethodPost, PathAuthorize, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
		}
	})
}

func TestHandler_ServeAuthorization_NoUser(t *testing.T) {
	h := setupTestHandler(t, nil, &HandlerConfig{UserResolver: StaticUser("")})
	routes := h.Routes()
	client := registerTestClient(t, routes)

	w := doRequest(routes, httptest.NewRequest(http.MethodGet,
		authorizeURL(client.ClientID, testutil.TestRedirectURI, pkce.DeriveChallenge(pkce.GenerateVerifier()), "s"), nil))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("error") != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want %q", loc.Query().Get("error"), ErrorCodeAccessDenied)
	}
}

func TestHandler_ServeToken_AuthorizationCode(t *testing.T) {
	h := setupTestHandler(t, nil, nil)
	routes := h.Routes()
	client := registerTestClient(t, routes)
	code, verifier := authorizeTestClient(t, routes, client.ClientID)

	w := postForm(routes, PathToken, exchangeForm(client.ClientID, code, verifier))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", w.Header().Get("Cache-Control"))
	}

	resp := decodeJSON[server.TokenResponse](t, w)
	if resp.TokenType != token.TokenTypeBearer {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.RefreshToken == "" {
		t.Error("refresh_token should be issued to a client with the refresh_token grant")
	}
	if resp.Scope != "mcp:tools:read" {
		t.Errorf("scope = %q, want mcp:tools:read", resp.Scope)
	}

	claims, err := h.server.TokenIssuer().VerifyAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.Subject != DefaultUserID || claims.ClientID != client.ClientID {
		t.Errorf("claims = %+v", claims)
	}

	// Second redemption of the same code
	w = postForm(routes, PathToken, exchangeForm(client.ClientID, code, verifier))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if e := decodeJSON[ErrorResponse](t, w); e.Error != ErrorCodeInvalidGrant || e.ErrorDescription != server.InvalidGrantDescription() {
		t.Errorf("replay error = %+v", e)
	}
}

func TestHandler_ServeToken_Errors(t *testing.T) {
	h := setupTestHandler(t, nil, nil)
	routes := h.Routes()
	client := registerTestClient(t, routes)

	tests := []struct {
		name       string
		form       func(t *testing.T) url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:       "unsupported grant type",
			form:       func(*testing.T) url.Values { return url.Values{"grant_type": {"password"}, "client_id": {client.ClientID}} },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "missing grant type",
			form:       func(*testing.T) url.Values { return url.Values{"client_id": {client.ClientID}} },
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name: "missing client id",
			form: func(*testing.T) url.Values {
				f := exchangeForm(client.ClientID, "c", "v")
				f.Del("client_id")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "unknown client",
			form:       func(*testing.T) url.Values { return exchangeForm("nope", "c", pkce.GenerateVerifier()) },
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name: "missing verifier",
			form: func(t *testing.T) url.Values {
				code, _ := authorizeTestClient(t, routes, client.ClientID)
				f := exchangeForm(client.ClientID, code, "")
				return f
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name: "wrong verifier",
			form: func(t *testing.T) url.Values {
				code, _ := authorizeTestClient(t, routes, client.ClientID)
				return exchangeForm(client.ClientID, code, pkce.GenerateVerifier())
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name: "unknown code",
			form: func(*testing.T) url.Values {
				return exchangeForm(client.ClientID, "not-a-code", pkce.GenerateVerifier())
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name: "unknown refresh token",
			form: func(*testing.T) url.Values {
				return url.Values{
					"grant_type":    {server.GrantTypeRefreshToken},
					"client_id":     {client.ClientID},
					"refresh_token": {"nope"},
				}
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postForm(routes, PathToken, tt.form(t))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if e := decodeJSON[ErrorResponse](t, w); e.Error != tt.wantError {
				t.Errorf("error = %q, want %q", e.Error, tt.wantError)
			}
			if w.Code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 responses must carry WWW-Authenticate")
			}
		})
	}

	t.Run("method not allowed", func(t *testing.T) {
		w := doRequest(routes, httptest.NewRequest(http.MethodGet, PathToken, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
		}
	})
}

func TestHandler_ServeToken_ConfidentialClient(t *testing.T) {
	h := setupTestHandler(t, nil, nil)
	routes := h.Routes()

	redirect := "https://app.example.com/callback"
	w := postJSON(t, routes, PathRegister, server.ClientRegistrationRequest{
		RedirectURIs:            []string{redirect},
		TokenEndpointAuthMethod: server.TokenEndpointAuthMethodBasic,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}
	client := decodeJSON[ClientRegistrationResponse](t, w)

	newExchange := func(t *testing.T) url.Values {
		verifier := pkce.GenerateVerifier()
		w := doRequest(routes, httptest.NewRequest(http.MethodGet,
			authorizeURL(client.ClientID, redirect, pkce.DeriveChallenge(verifier), "s"), nil))
		loc, _ := url.Parse(w.Header().Get("Location"))
		return url.Values{
			"grant_type":    {server.GrantTypeAuthorizationCode},
			"code":          {loc.Query().Get("code")},
			"redirect_uri":  {redirect},
			"code_verifier": {verifier},
		}
	}

	t.Run("basic auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(newExchange(t).Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(client.ClientSecret))
		if w := doRequest(routes, req); w.Code != http.StatusOK {
			t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("post auth", func(t *testing.T) {
		form := newExchange(t)
		form.Set("client_id", client.ClientID)
		form.Set("client_secret", client.ClientSecret)
		if w := postForm(routes, PathToken, form); w.Code != http.StatusOK {
			t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(newExchange(t).Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(client.ClientID, "wrong")
		w := doRequest(routes, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer ") {
			t.Errorf("WWW-Authenticate = %q", w.Header().Get("WWW-Authenticate"))
		}
	})

	t.Run("two authentication methods", func(t *testing.T) {
		form := newExchange(t)
		form.Set("client_secret", client.ClientSecret)
		req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(client.ClientID, client.ClientSecret)
		if w := doRequest(routes, req); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestHandler_ServeToken_RefreshToken(t *testing.T) {
	h := setupTestHandler(t, &ServerConfig{RefreshTokenRotation: true}, nil)
	routes := h.Routes()
	client := registerTestClient(t, routes)
	code, verifier := authorizeTestClient(t, routes, client.ClientID)

	w := postForm(routes, PathToken, exchangeForm(client.ClientID, code, verifier))
	if w.Code != http.StatusOK {
		t.Fatalf("exchange status = %d", w.Code)
	}
	first := decodeJSON[server.TokenResponse](t, w)

	refresh := url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"client_id":     {client.ClientID},
		"refresh_token": {first.RefreshToken},
	}
	w = postForm(routes, PathToken, refresh)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}
	second := decodeJSON[server.TokenResponse](t, w)
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Error("rotation should issue a new refresh token")
	}
	if second.Scope != first.Scope {
		t.Errorf("scope = %q, want %q", second.Scope, first.Scope)
	}

	// The rotated-out token is gone
	if w := postForm(routes, PathToken, refresh); w.Code != http.StatusBadRequest {
		t.Errorf("reuse of rotated token status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandler_ServeHealth(t *testing.T) {
	h := setupTestHandler(t, nil, &HandlerConfig{Version: "1.2.3"})

	w := doRequest(h.Routes(), httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeJSON[HealthResponse](t, w)
	if resp.Status != "healthy" || resp.Service != DefaultServiceName || resp.Version != "1.2.3" {
		t.Errorf("health = %+v", resp)
	}
}

func TestHandler_ServeRoot(t *testing.T) {
	h := setupTestHandler(t, nil, nil)

	w := doRequest(h.Routes(), httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), testIssuer+PathRegister) {
		t.Errorf("root info does not link the registration endpoint: %s", w.Body.String())
	}

	w = doRequest(h.Routes(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandler_Routes_Headers(t *testing.T) {
	h := setupTestHandler(t, nil, nil)

	w := doRequest(h.Routes(), httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers should be set")
	}

	h = setupTestHandler(t, nil, &HandlerConfig{DisableSecurityHeaders: true})
	w = doRequest(h.Routes(), httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if w.Header().Get("X-Content-Type-Options") != "" {
		t.Error("security headers should not be set when disabled")
	}
}

func TestHandler_ServeToken_NoStoreWithoutSecurityHeaders(t *testing.T) {
	h := setupTestHandler(t, nil, &HandlerConfig{DisableSecurityHeaders: true})
	routes := h.Routes()
	client := registerTestClient(t, routes)
	code, verifier := authorizeTestClient(t, routes, client.ClientID)

	w := postForm(routes, PathToken, exchangeForm(client.ClientID, code, verifier))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("Pragma") != "no-cache" {
		t.Errorf("token response headers = %v, want no-store and no-cache", w.Header())
	}
	if w.Header().Get("X-Content-Type-Options") != "" {
		t.Error("other security headers should stay disabled")
	}

	w = postForm(routes, PathToken, url.Values{"grant_type": {"password"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("error status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("error response Cache-Control = %q, want no-store", w.Header().Get("Cache-Control"))
	}
}

func TestClientCredentials(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		basicID    string
		basicPass  string
		wantID     string
		wantSecret string
		wantErr    bool
	}{
		{name: "form only", form: url.Values{"client_id": {"a"}, "client_secret": {"s"}}, wantID: "a", wantSecret: "s"},
		{name: "public client", form: url.Values{"client_id": {"a"}}, wantID: "a"},
		{name: "basic only", basicID: "a", basicPass: "s", wantID: "a", wantSecret: "s"},
		{name: "basic is url decoded", basicID: "a%3Ab", basicPass: "s%2B1", wantID: "a:b", wantSecret: "s+1"},
		{name: "basic with matching form id", form: url.Values{"client_id": {"a"}}, basicID: "a", basicPass: "s", wantID: "a", wantSecret: "s"},
		{name: "basic with different form id", form: url.Values{"client_id": {"b"}}, basicID: "a", basicPass: "s", wantErr: true},
		{name: "basic and form secret", form: url.Values{"client_secret": {"s"}}, basicID: "a", basicPass: "s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.basicID != "" {
				req.SetBasicAuth(tt.basicID, tt.basicPass)
			}
			if err := req.ParseForm(); err != nil {
				t.Fatalf("ParseForm() error = %v", err)
			}

			id, secret, oauthErr := clientCredentials(req)
			if (oauthErr != nil) != tt.wantErr {
				t.Fatalf("clientCredentials() error = %v, wantErr %v", oauthErr, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if id != tt.wantID || secret != tt.wantSecret {
				t.Errorf("clientCredentials() = (%q, %q), want (%q, %q)", id, secret, tt.wantID, tt.wantSecret)
			}
		})
	}
}
