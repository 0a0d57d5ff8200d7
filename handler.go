package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-oauth-dcr/instrumentation"
	"github.com/giantswarm/mcp-oauth-dcr/pkce"
	"github.com/giantswarm/mcp-oauth-dcr/security"
	"github.com/giantswarm/mcp-oauth-dcr/server"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

// Endpoint paths served by Handler
const (
	PathRegister                    = "/oauth/register"
	PathAuthorize                   = "/oauth/authorize"
	PathToken                       = "/oauth/token"
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathHealth                      = "/health"
	PathWhoAmI                      = "/mcp/whoami"
)

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests, delegates to server.Server, and guards protected
// resources with ValidateToken.
type Handler struct {
	server      *server.Server
	config      *HandlerConfig
	logger      *slog.Logger
	tracer      trace.Tracer
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. Instrumentation must be set on srv
// before calling NewHandler for HTTP spans and metrics to be recorded.
func NewHandler(srv *server.Server, config *HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyHandlerDefaults(config, srv, logger)
	if audience := strings.TrimSuffix(srv.TokenIssuer().Audience(), "/"); config.Resource != audience {
		return nil, fmt.Errorf("resource %q must match the token audience %q", config.Resource, audience)
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		tracer: srv.Instrumentation().Tracer("http"),
	}

	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiterWithConfig(config.RateLimit.Rate, config.RateLimit.Burst, config.RateLimit.MaxEntries, logger)
	}

	return h, nil
}

// Config returns the effective handler configuration
func (h *Handler) Config() *HandlerConfig {
	return h.config
}

// Stop releases the guard's rate limiter
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers every endpoint on mux. The whoami demo resource
// is registered behind ValidateToken.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathRegister, h.ServeClientRegistration)
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathAuthorizationServerMetadata, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(PathProtectedResourceMetadata, h.ServeProtectedResourceMetadata)
	if p := h.resourcePath(); p != "" {
		// RFC 9728 Section 3.1: path-suffixed discovery for resources with a path
		mux.HandleFunc(PathProtectedResourceMetadata+p, h.ServeProtectedResourceMetadata)
	}
	mux.HandleFunc(PathHealth, h.ServeHealth)
	mux.Handle(PathWhoAmI, h.ValidateToken(http.HandlerFunc(h.ServeWhoAmI)))
	mux.HandleFunc("/", h.ServeRoot)
}

// Routes returns a handler serving every endpoint with request IDs attached
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.client_registration")
	defer span.End()

	clientIP := h.clientIP(r)
	logger := security.LoggerWithRequestID(ctx, h.logger)

	var req server.ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Malformed client registration request", "ip", clientIP, "error", err)
		instrumentation.SetSpanError(span, "malformed request")
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Request body must be a JSON client metadata document", http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, req, clientIP)
	if err != nil {
		oauthErr := toOAuthError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			logger.Error("Client registration failed", "ip", clientIP, "error", err)
		}
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics("register", r.Method, oauthErr.Status, startTime)
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   strings.Join(client.Scopes, " "),
	})
}

// ServeAuthorization handles the authorization endpoint. There is no
// consent page: the resource owner comes from the configured UserResolver
// and the server's ConsentPolicy decides.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize")
	defer span.End()

	clientIP := h.clientIP(r)
	logger := security.LoggerWithRequestID(ctx, h.logger)

	userID, err := h.config.UserResolver(r)
	if err != nil {
		logger.Warn("Could not resolve resource owner", "ip", clientIP, "error", err)
		userID = ""
	}

	q := r.URL.Query()
	redirectURL, err := h.server.Authorize(ctx, server.AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		UserID:              userID,
		ClientIP:            clientIP,
	})

	if err != nil && redirectURL == "" {
		// Neither the client nor the redirect URI can be trusted: answer
		// the user agent directly instead of redirecting.
		oauthErr := toOAuthError(err)
		switch {
		case errors.Is(err, server.ErrInvalidClient):
			oauthErr = NewOAuthError(ErrorCodeInvalidClient, "Unknown client_id", http.StatusBadRequest)
		case oauthErr.Status >= http.StatusInternalServerError:
			logger.Error("Authorization request failed", "ip", clientIP, "error", err)
		}
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics("authorize", r.Method, oauthErr.Status, startTime)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if err != nil {
		instrumentation.SetSpanError(span, err.Error())
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	h.recordHTTPMetrics("authorize", r.Method, http.StatusFound, startTime)

	h.setSecurityHeaders(w)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Token responses are never cached (RFC 6749 Section 5.1), even with
	// security headers disabled
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token")
	defer span.End()

	clientIP := h.clientIP(r)
	logger := security.LoggerWithRequestID(ctx, h.logger)

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "malformed form")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.PostFormValue("grant_type")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))
	if grantType != server.GrantTypeAuthorizationCode && grantType != server.GrantTypeRefreshToken {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported grant type")
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
		return
	}

	clientID, clientSecret, oauthErr := clientCredentials(r)
	if oauthErr != nil {
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Description)
		h.writeOAuthError(w, oauthErr)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		oauthErr := toOAuthError(err)
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		h.writeOAuthError(w, oauthErr)
		return
	}

	var resp *server.TokenResponse
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeAuthorizationCode(ctx, client,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			clientIP)
	case server.GrantTypeRefreshToken:
		resp, err = h.server.RefreshAccessToken(ctx, client, r.PostFormValue("refresh_token"), clientIP)
	}
	if err != nil {
		// SECURITY: invalid_grant carries one fixed description whatever the cause
		oauthErr := toOAuthError(err)
		if oauthErr.Status >= http.StatusInternalServerError {
			logger.Error("Token request failed", "client_id", client.ClientID, "grant_type", grantType, "ip", clientIP, "error", err)
		} else {
			logger.Warn("Token request rejected", "client_id", client.ClientID, "grant_type", grantType, "ip", clientIP, "error", err)
		}
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, resp)
}

// clientCredentials reads client_id and client_secret from HTTP Basic
// authentication or the form body. Using both methods at once is rejected
// (RFC 6749 Section 2.3).
func clientCredentials(r *http.Request) (string, string, *OAuthError) {
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	basicID, basicSecret, ok := r.BasicAuth()
	if !ok {
		return formID, formSecret, nil
	}

	// Basic credentials are form-urlencoded (RFC 6749 Section 2.3.1)
	id, err := url.QueryUnescape(basicID)
	if err != nil {
		return "", "", ErrInvalidRequest("Malformed client credentials")
	}
	secret, err := url.QueryUnescape(basicSecret)
	if err != nil {
		return "", "", ErrInvalidRequest("Malformed client credentials")
	}

	if formSecret != "" {
		return "", "", ErrInvalidRequest("Client credentials must be sent using exactly one method")
	}
	if formID != "" && formID != id {
		return "", "", ErrInvalidRequest("client_id does not match the Authorization header")
	}
	return id, secret, nil
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.issuer()
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		RegistrationEndpoint:              issuer + PathRegister,
		ScopesSupported:                   h.config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               server.SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: server.SupportedTokenEndpointAuthMethods,
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
	})
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               h.config.Resource,
		AuthorizationServers:   []string{h.issuer()},
		ScopesSupported:        h.config.SupportedScopes,
		BearerMethodsSupported: []string{"header"},
	})
}

// ServeHealth reports liveness
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: h.config.ServiceName,
		Version: h.config.Version,
	})
}

// ServeRoot describes the service and links its endpoints
func (h *Handler) ServeRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.writeError(w, "not_found", "No such endpoint", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.issuer()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"name":    h.config.ServiceName,
		"version": h.config.Version,
		"endpoints": map[string]any{
			"metadata": map[string]string{
				"authorization_server": issuer + PathAuthorizationServerMetadata,
				"protected_resource":   h.protectedResourceMetadataURL(),
			},
			"oauth": map[string]string{
				"register":  issuer + PathRegister,
				"authorize": issuer + PathAuthorize,
				"token":     issuer + PathToken,
			},
			"resource": map[string]string{
				"whoami": issuer + PathWhoAmI,
			},
		},
		"standards": []string{
			"RFC 7591 - OAuth 2.0 Dynamic Client Registration",
			"RFC 7636 - Proof Key for Code Exchange (PKCE)",
			"RFC 8414 - OAuth 2.0 Authorization Server Metadata",
			"RFC 9728 - OAuth 2.0 Protected Resource Metadata",
		},
	})
}

// ServeWhoAmI echoes the caller's identity. It must be wrapped in ValidateToken.
func (h *Handler) ServeWhoAmI(w http.ResponseWriter, r *http.Request) {
	userInfo, ok := UserInfoFromContext(r.Context())
	if !ok || userInfo == nil {
		h.writeUnauthorizedError(w, "", "Authentication required")
		return
	}
	h.writeJSON(w, http.StatusOK, userInfo)
}

// ValidateToken is middleware that protects a resource with bearer tokens.
// The Authorization header is removed before next runs so that the token
// is never passed through to downstream services.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		clientIP := h.clientIP(r)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r, clientIP)
		if !ok {
			h.recordHTTPMetrics("resource", r.Method, http.StatusUnauthorized, startTime)
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			reason := tokenFailureReason(err)
			security.LoggerWithRequestID(r.Context(), h.logger).Warn("Token validation failed", "ip", clientIP, "reason", reason)
			h.server.Instrumentation().Metrics().RecordTokenValidationFailed(r.Context(), reason)
			h.server.Auditor.LogInvalidToken(clientIP, reason)
			h.recordHTTPMetrics("resource", r.Method, http.StatusUnauthorized, startTime)
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "The access token is invalid or expired")
			return
		}

		if missing := missingScopes(claims.Scope, h.config.RequiredScopes); len(missing) > 0 {
			h.server.Auditor.LogEvent(security.Event{
				Type:      security.EventInsufficientScope,
				UserID:    claims.Subject,
				ClientID:  claims.ClientID,
				IPAddress: clientIP,
				Details:   map[string]any{"missing_scopes": strings.Join(missing, " ")},
			})
			h.recordHTTPMetrics("resource", r.Method, http.StatusForbidden, startTime)
			h.writeInsufficientScopeError(w, h.config.RequiredScopes,
				fmt.Sprintf("The access token is missing required scopes: %s", strings.Join(missing, " ")))
			return
		}

		ctx := ContextWithUserInfo(r.Context(), &UserInfo{
			Subject:  claims.Subject,
			ClientID: claims.ClientID,
			Scope:    claims.Scope,
		})
		r = r.Clone(ctx)
		r.Header.Del("Authorization")

		next.ServeHTTP(w, r)
		h.recordHTTPMetrics("resource", r.Method, http.StatusOK, startTime)
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil {
		return false
	}
	allowed, retryAfter := h.rateLimiter.AllowWithRetry(clientIP)
	if allowed {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	h.server.Auditor.LogRateLimitExceeded(clientIP, "ip")

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// retryAfterSeconds rounds a wait up to whole seconds, never below one
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
// A request without credentials gets a bare challenge (RFC 6750 Section 3.1).
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request, clientIP string) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, "", "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], token.TokenTypeBearer) || strings.TrimSpace(parts[1]) == "" {
		h.server.Auditor.LogInvalidToken(clientIP, "malformed_header")
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format. Expected 'Bearer <token>'")
		return "", false
	}

	return strings.TrimSpace(parts[1]), true
}

// tokenFailureReason maps a verification error onto a low-cardinality label
func tokenFailureReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, token.ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, token.ErrSignatureInvalid):
		return "signature_invalid"
	default:
		return "malformed"
	}
}

// missingScopes returns the required scopes absent from the space-separated granted scope
func missingScopes(granted string, required []string) []string {
	have := strings.Fields(granted)
	var missing []string
	for _, s := range required {
		if !slices.Contains(have, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// Context key for user info
type contextKey string

const userInfoKey contextKey = "user_info"

// UserInfoFromContext retrieves user info from the request context
func UserInfoFromContext(ctx context.Context) (*UserInfo, bool) {
	userInfo, ok := ctx.Value(userInfoKey).(*UserInfo)
	return userInfo, ok
}

// ContextWithUserInfo creates a context with the given user info.
//
// WARNING: Outside of tests, user info must only be set by ValidateToken
// after the token has been verified.
func ContextWithUserInfo(ctx context.Context, userInfo *UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey, userInfo)
}

// Helper methods

func (h *Handler) issuer() string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/")
}

// resourcePath returns the path component of the resource URI, if any
func (h *Handler) resourcePath() string {
	u, err := url.Parse(h.config.Resource)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Path, "/")
}

// protectedResourceMetadataURL returns where clients discover this resource (RFC 9728 Section 3.1)
func (h *Handler) protectedResourceMetadataURL() string {
	return h.issuer() + PathProtectedResourceMetadata + h.resourcePath()
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) setSecurityHeaders(w http.ResponseWriter) {
	if h.config.DisableSecurityHeaders {
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, err *OAuthError) {
	h.writeError(w, err.Code, err.Description, err.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", code, description))
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 with a discovery challenge. code is
// empty when the request carried no credentials at all.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	challengeDesc := description
	if code == "" {
		challengeDesc = ""
	}
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", code, challengeDesc))

	if code == "" {
		code = ErrorCodeInvalidToken
	}
	h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeInsufficientScopeError writes a 403 Forbidden response with insufficient_scope error
// (RFC 6750 Section 3.1)
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	scope := strings.Join(requiredScopes, " ")
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, ErrorCodeInsufficientScope, description))
	h.writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:            ErrorCodeInsufficientScope,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750 and RFC 9728.
//
// Example output:
//
//	Bearer realm="mcp", as_uri="https://auth.example.com/.well-known/oauth-authorization-server",
//	       resource="https://auth.example.com/mcp",
//	       resource_metadata="https://auth.example.com/.well-known/oauth-protected-resource/mcp",
//	       error="invalid_token", error_description="The access token is invalid or expired"
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{
		fmt.Sprintf(`realm="%s"`, quoteEscape(h.config.Realm)),
		fmt.Sprintf(`as_uri="%s"`, h.issuer()+PathAuthorizationServerMetadata),
		fmt.Sprintf(`resource="%s"`, h.config.Resource),
		fmt.Sprintf(`resource_metadata="%s"`, h.protectedResourceMetadataURL()),
	}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	return token.TokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteEscape escapes a value for an RFC 7230 quoted-string.
// Backslashes first, then quotes (order matters).
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation().Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
