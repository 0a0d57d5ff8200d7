package client

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-dcr/internal/util"
	"github.com/giantswarm/mcp-oauth-dcr/pkce"
	"github.com/giantswarm/mcp-oauth-dcr/security"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

const (
	// DefaultHTTPTimeout bounds every request the client makes
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultClientName is sent as client_name during registration
	DefaultClientName = "MCP DCR Client"

	// DefaultScope is requested during registration and authorization
	DefaultScope = "mcp:tools:read mcp:tools:execute"

	maxErrorBodyBytes = 64 << 10
)

// Phase is the position of a Driver in the client lifecycle
type Phase int

const (
	PhaseUnregistered Phase = iota
	PhaseRegistered
	PhaseAuthorizationPending
	PhaseAuthorized
	PhaseTokenExpiring
	PhaseRefreshed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnregistered:
		return "unregistered"
	case PhaseRegistered:
		return "registered"
	case PhaseAuthorizationPending:
		return "authorization_pending"
	case PhaseAuthorized:
		return "authorized"
	case PhaseTokenExpiring:
		return "token_expiring"
	case PhaseRefreshed:
		return "refreshed"
	default:
		return "unknown"
	}
}

// Config configures a Driver
type Config struct {
	// ServerURL is the base URL of the authorization server (the issuer)
	ServerURL string

	// RedirectPort is the loopback port of the redirect URI used at
	// registration. Zero picks a free port for each registration, so
	// Drivers for different servers never share a callback listener.
	RedirectPort int

	// Resource is the RFC 8707 resource indicator sent with the
	// authorization and token requests. Default: ServerURL
	Resource string

	// CallbackTimeout bounds the wait for the browser callback. Default: 120s
	CallbackTimeout time.Duration

	// RefreshSkew is how long before expiry EnsureValid refreshes. Default: 5m
	RefreshSkew time.Duration

	// Confidential registers with client_secret_basic instead of a public client
	Confidential bool

	// HTTPClient is used for every request. Default: 30s timeout
	HTTPClient *http.Client

	// MetadataCacheTTL controls how long discovered metadata is reused
	MetadataCacheTTL time.Duration

	Logger *slog.Logger

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Driver runs the client side of the authorization code flow against one
// server: registration, PKCE authorization through a loopback callback,
// code exchange, refresh and authenticated requests. A Driver is safe for
// concurrent use; flows that touch the token endpoint are serialized.
type Driver struct {
	serverURL    string
	resource     string
	redirectPort int
	callbackTTL  time.Duration
	refreshSkew  time.Duration
	confidential bool
	httpClient   *http.Client
	discoverer   *Discoverer
	store        *CredentialStore
	logger       *slog.Logger
	now          func() time.Time

	flowMu sync.Mutex

	mu    sync.RWMutex
	phase Phase
	creds *Credentials
}

// NewDriver creates a Driver for cfg.ServerURL and loads any credentials
// previously stored for it
func NewDriver(store *CredentialStore, cfg Config) (*Driver, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if cfg.RedirectPort < 0 || cfg.RedirectPort > 65535 {
		return nil, fmt.Errorf("invalid redirect port %d", cfg.RedirectPort)
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = security.DefaultRefreshSkew
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	serverURL := util.NormalizeURL(cfg.ServerURL)
	if cfg.Resource == "" {
		cfg.Resource = serverURL
	}
	d := &Driver{
		serverURL:    serverURL,
		resource:     cfg.Resource,
		redirectPort: cfg.RedirectPort,
		callbackTTL:  cfg.CallbackTimeout,
		refreshSkew:  cfg.RefreshSkew,
		confidential: cfg.Confidential,
		httpClient:   cfg.HTTPClient,
		discoverer:   NewDiscoverer(cfg.HTTPClient, cfg.MetadataCacheTTL, cfg.Logger),
		store:        store,
		logger:       cfg.Logger.With("server_url", serverURL),
		now:          cfg.Now,
	}

	creds, err := store.Load(serverURL)
	switch {
	case errors.Is(err, ErrNotRegistered):
		d.phase = PhaseUnregistered
	case err != nil:
		return nil, err
	case creds.HasToken():
		d.creds, d.phase = creds, PhaseAuthorized
	default:
		d.creds, d.phase = creds, PhaseRegistered
	}
	return d, nil
}

// ServerURL returns the normalized server URL this Driver talks to
func (d *Driver) ServerURL() string {
	return d.serverURL
}

// Phase returns the current lifecycle phase
func (d *Driver) Phase() Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phase
}

// Credentials returns a copy of the current credentials, or nil before
// registration
func (d *Driver) Credentials() *Credentials {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.creds == nil {
		return nil
	}
	cp := *d.creds
	return &cp
}

// Discover returns the server's authorization server metadata
func (d *Driver) Discover(ctx context.Context) (*Metadata, error) {
	return d.discoverer.Discover(ctx, d.serverURL)
}

// RedirectURI returns the loopback redirect URI registered for this client.
// Before registration it is empty unless a fixed RedirectPort is configured.
func (d *Driver) RedirectURI() string {
	if creds := d.Credentials(); creds != nil && creds.RedirectURI != "" {
		return creds.RedirectURI
	}
	if d.redirectPort == 0 {
		return ""
	}
	return loopbackRedirectURI(d.redirectPort)
}

// ============================================================================
// Registration
// ============================================================================

type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

type registrationResponse struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope,omitempty"`
}

// Register performs RFC 7591 dynamic client registration and stores the
// returned client_id. Registering again replaces the stored client and
// discards its tokens.
func (d *Driver) Register(ctx context.Context, clientName, scope string) (*Credentials, error) {
	if clientName == "" {
		clientName = DefaultClientName
	}

	meta, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if meta.RegistrationEndpoint == "" {
		return nil, errors.New("server does not advertise a registration endpoint")
	}

	authMethod := "none"
	if d.confidential {
		authMethod = "client_secret_basic"
	}
	port := d.redirectPort
	if port == 0 {
		if port, err = FreeLoopbackPort(); err != nil {
			return nil, err
		}
	}
	redirectURI := loopbackRedirectURI(port)

	body, err := json.Marshal(registrationRequest{
		RedirectURIs:            []string{redirectURI},
		ClientName:              clientName,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: authMethod,
		Scope:                   scope,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: http.MethodPost, URL: meta.RegistrationEndpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, readOAuthError(resp)
	}

	var reg registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, errors.New("registration response has no client_id")
	}
	if reg.Scope == "" {
		reg.Scope = scope
	}

	creds := &Credentials{
		ServerURL:    d.serverURL,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURI:  redirectURI,
		Scope:        reg.Scope,
		RegisteredAt: d.now().UTC(),
	}
	if err := d.store.Save(creds); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}

	d.mu.Lock()
	d.creds, d.phase = creds, PhaseRegistered
	d.mu.Unlock()

	d.logger.Info("Client registered",
		"client_id", reg.ClientID,
		"redirect_uri", redirectURI,
		"confidential", reg.ClientSecret != "")

	cp := *creds
	return &cp, nil
}

// ============================================================================
// Authorization
// ============================================================================

// Authorize runs the authorization code flow with PKCE. It starts a
// loopback CallbackServer on the registered redirect URI, hands the
// authorization URL to open and waits for the callback. The code is
// exchanged only if the returned state matches.
func (d *Driver) Authorize(ctx context.Context, open Opener) error {
	d.flowMu.Lock()
	defer d.flowMu.Unlock()

	creds := d.Credentials()
	if creds == nil {
		return ErrNotRegistered
	}
	meta, err := d.Discover(ctx)
	if err != nil {
		return err
	}

	verifier := pkce.GenerateVerifier()
	state, err := pkce.GenerateState()
	if err != nil {
		return err
	}

	callback, err := NewCallbackServer(creds.RedirectURI)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.callbackTTL)
	defer cancel()
	if err := callback.Start(waitCtx); err != nil {
		return err
	}
	defer callback.Stop()

	authURL := d.oauthConfig(meta, creds).AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("resource", d.resource))

	previous := d.setPhase(PhaseAuthorizationPending)
	restore := func() { d.setPhase(previous) }

	if open != nil {
		if err := open(authURL); err != nil {
			d.logger.Warn("Failed to open authorization URL, waiting for manual navigation",
				"error", err)
		}
	}

	result, err := callback.Wait(waitCtx)
	if err != nil {
		restore()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrAuthorizationTimeout
		}
		return fmt.Errorf("callback failed: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(result.State), []byte(state)) != 1 {
		restore()
		d.logger.Warn("Authorization callback state mismatch, discarding response",
			"expected_state_len", len(state),
			"received_state_len", len(result.State))
		return ErrStateMismatch
	}

	if result.IsError() {
		restore()
		return &AuthorizationError{Code: result.Error, Description: result.ErrorDescription}
	}
	if result.Code == "" {
		restore()
		return &AuthorizationError{Code: "invalid_request", Description: "callback carried neither code nor error"}
	}

	if err := d.exchange(ctx, meta, creds, result.Code, verifier); err != nil {
		restore()
		return err
	}
	return nil
}

// Exchange redeems an authorization code obtained out of band
func (d *Driver) Exchange(ctx context.Context, code, verifier string) error {
	d.flowMu.Lock()
	defer d.flowMu.Unlock()

	creds := d.Credentials()
	if creds == nil {
		return ErrNotRegistered
	}
	meta, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	return d.exchange(ctx, meta, creds, code, verifier)
}

func (d *Driver) exchange(ctx context.Context, meta *Metadata, creds *Credentials, code, verifier string) error {
	tok, err := d.oauthConfig(meta, creds).Exchange(d.oauthContext(ctx), code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("resource", d.resource))
	if err != nil {
		return classifyTokenError(http.MethodPost, meta.TokenEndpoint, err)
	}
	if err := d.storeToken(creds, tok, PhaseAuthorized); err != nil {
		return err
	}
	d.logger.Info("Access token obtained",
		"client_id", creds.ClientID,
		"has_refresh_token", tok.RefreshToken != "")
	return nil
}

// ============================================================================
// Refresh and use
// ============================================================================

// Refresh obtains a new access token with the stored refresh token. The
// stored refresh token is kept when the server does not rotate it. When
// the server rejects the refresh token as invalid_grant the stored tokens
// are discarded and the Driver falls back to PhaseRegistered.
func (d *Driver) Refresh(ctx context.Context) error {
	d.flowMu.Lock()
	defer d.flowMu.Unlock()
	return d.refresh(ctx)
}

func (d *Driver) refresh(ctx context.Context) error {
	creds := d.Credentials()
	if creds == nil {
		return ErrNotRegistered
	}
	if creds.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	meta, err := d.Discover(ctx)
	if err != nil {
		return err
	}

	// An empty access token is never Valid, which forces the refresh grant
	src := d.oauthConfig(meta, creds).TokenSource(d.oauthContext(ctx), &oauth2.Token{
		RefreshToken: creds.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		err = classifyTokenError(http.MethodPost, meta.TokenEndpoint, err)
		var oe *OAuthError
		if errors.As(err, &oe) && oe.Code == "invalid_grant" {
			d.discardTokens(creds)
		}
		return err
	}

	if err := d.storeToken(creds, tok, PhaseRefreshed); err != nil {
		return err
	}
	d.logger.Info("Access token refreshed",
		"client_id", creds.ClientID,
		"rotated", tok.RefreshToken != "" && tok.RefreshToken != creds.RefreshToken)
	return nil
}

// EnsureValid returns an access token that is not within RefreshSkew of
// expiry, refreshing first when needed
func (d *Driver) EnsureValid(ctx context.Context) (string, error) {
	d.flowMu.Lock()
	defer d.flowMu.Unlock()

	creds := d.Credentials()
	if creds == nil {
		return "", ErrNotRegistered
	}
	if !creds.HasToken() {
		return "", ErrNotAuthorized
	}

	now := d.now()
	if !security.NeedsRefresh(creds.TokenExpiresAt, now, d.refreshSkew) {
		d.mu.Lock()
		if d.phase == PhaseRefreshed || d.phase == PhaseTokenExpiring {
			d.phase = PhaseAuthorized
		}
		d.mu.Unlock()
		return creds.AccessToken, nil
	}

	d.setPhase(PhaseTokenExpiring)
	if creds.RefreshToken == "" {
		if now.Before(creds.TokenExpiresAt) {
			return creds.AccessToken, nil
		}
		return "", ErrNoRefreshToken
	}
	if err := d.refresh(ctx); err != nil {
		return "", err
	}
	return d.Credentials().AccessToken, nil
}

// Do sends req with a valid bearer token. The request is cloned, so req
// itself is left untouched.
func (d *Driver) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	accessToken, err := d.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	out := req.Clone(ctx)
	out.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := d.httpClient.Do(out)
	if err != nil {
		return nil, &TransportError{Op: req.Method, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (d *Driver) oauthConfig(meta *Metadata, creds *Credentials) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if creds.ClientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: style,
		},
		RedirectURL: creds.RedirectURI,
		Scopes:      strings.Fields(creds.Scope),
	}
}

// oauthContext makes the oauth2 package use the Driver's HTTP client
func (d *Driver) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)
}

func (d *Driver) setPhase(p Phase) Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.phase
	d.phase = p
	return prev
}

// tokenExpiry prefers the exp claim of a JWT access token. expires_in is
// only used for opaque tokens.
func (d *Driver) tokenExpiry(tok *oauth2.Token) time.Time {
	if exp, err := token.ExpiryFromToken(tok.AccessToken); err == nil {
		return exp.UTC()
	}
	return tok.Expiry.UTC()
}

func (d *Driver) storeToken(creds *Credentials, tok *oauth2.Token, phase Phase) error {
	updated := *creds
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		updated.Scope = scope
	}
	updated.TokenExpiresAt = d.tokenExpiry(tok)

	if err := d.store.Save(&updated); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}

	d.mu.Lock()
	d.creds, d.phase = &updated, phase
	d.mu.Unlock()
	return nil
}

func (d *Driver) discardTokens(creds *Credentials) {
	updated := *creds
	updated.AccessToken = ""
	updated.RefreshToken = ""
	updated.TokenExpiresAt = time.Time{}
	if err := d.store.Save(&updated); err != nil {
		d.logger.Warn("Failed to discard rejected tokens", "error", err)
	}

	d.mu.Lock()
	d.creds, d.phase = &updated, PhaseRegistered
	d.mu.Unlock()

	d.logger.Warn("Refresh token rejected, authorization required",
		"client_id", creds.ClientID)
}

// readOAuthError decodes an error document from a non-success response
func readOAuthError(resp *http.Response) error {
	oe := &OAuthError{Status: resp.StatusCode}
	var body errorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodyBytes)).Decode(&body); err == nil {
		oe.Code, oe.Description = body.Error, body.ErrorDescription
	}
	if oe.Code == "" {
		oe.Code = http.StatusText(resp.StatusCode)
	}
	return oe
}
