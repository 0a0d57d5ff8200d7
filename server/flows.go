package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-oauth-dcr/instrumentation"
	"github.com/giantswarm/mcp-oauth-dcr/internal/util"
	"github.com/giantswarm/mcp-oauth-dcr/pkce"
	"github.com/giantswarm/mcp-oauth-dcr/security"
	"github.com/giantswarm/mcp-oauth-dcr/storage"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

// AuthorizationRequest holds the parameters of GET /oauth/authorize together
// with the already-authenticated end user.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string

	UserID   string
	ClientIP string
}

// TokenResponse is the token endpoint success body (RFC 6749 Section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Authorize validates an authorization request and issues a code.
//
// The returned redirect URL is where the user agent must be sent. When err
// is non-nil and the URL is non-empty, the URL already carries the error
// parameters for the client. When the URL is empty the error must be shown
// to the user directly: the client or redirect URI could not be trusted.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (redirectURL string, err error) {
	ctx, span := s.startSpan(ctx, "server.Authorize", req.ClientID)
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure(req.UserID, req.ClientID, req.ClientIP, "unknown_client")
		if errors.Is(err, storage.ErrClientNotFound) {
			return "", ErrInvalidClient
		}
		return "", fmt.Errorf("failed to load client: %w", err)
	}

	// SECURITY: never redirect to a URI that is not registered for the client
	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			UserID:    req.UserID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
		})
		return "", err
	}

	fail := func(cause error, code, description string) (string, error) {
		s.Logger.Debug("Authorization request rejected",
			"client_id", req.ClientID,
			"error", code,
			"reason", cause.Error())
		return errorRedirect(req.RedirectURI, code, description, req.State), cause
	}

	if req.ResponseType != ResponseTypeCode || !client.SupportsGrantType(GrantTypeAuthorizationCode) {
		return fail(ErrUnsupportedResponseType, ErrorCodeUnsupportedResponseType,
			"Only response_type=code is supported")
	}

	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)
	if err := validatePKCEChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		return fail(err, ErrorCodeInvalidRequest, pkceDescription(err))
	}

	scope := req.Scope
	if scope == "" {
		scope = strings.Join(client.Scopes, " ")
	}
	if err := validateClientScopes(scope, client.Scopes); err != nil {
		return fail(err, ErrorCodeInvalidScope, "The requested scope exceeds the scope granted to this client")
	}

	if req.UserID == "" {
		return fail(fmt.Errorf("%w: no authenticated user", ErrAccessDenied), ErrorCodeAccessDenied, "The resource owner is not authenticated")
	}
	if s.ConsentPolicy != nil && !s.ConsentPolicy(ctx, client, req.UserID, scope) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationDenied,
			UserID:    req.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"scope": scope},
		})
		return fail(ErrAccessDenied, ErrorCodeAccessDenied, "The resource owner denied the request")
	}

	code, err := s.IssueAuthorizationCode(ctx, client, req.UserID, req.RedirectURI, req.CodeChallenge, scope)
	if err != nil {
		return fail(err, ErrorCodeServerError, "Failed to issue authorization code")
	}

	s.Auditor.LogCodeIssued(req.UserID, client.ClientID, req.ClientIP, scope)
	return successRedirect(req.RedirectURI, code.Code, req.State), nil
}

// IssueAuthorizationCode creates and stores a single-use code bound to the
// client, user, exact redirect URI and PKCE challenge.
func (s *Server) IssueAuthorizationCode(ctx context.Context, client *storage.Client, userID, redirectURI, codeChallenge, scope string) (*storage.AuthorizationCode, error) {
	if err := validateRedirectURI(client, redirectURI); err != nil {
		return nil, err
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               scope,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.authorizationCodeTTL()),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.metrics.RecordCodeIssued(ctx, client.ClientID)
	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"code_prefix", util.LogPrefix(code.Code),
		"expires_at", code.ExpiresAt)

	return code, nil
}

// ExchangeAuthorizationCode redeems a code for an access and refresh token.
//
// The code is consumed atomically before any other check so that concurrent
// redemptions of one code yield exactly one token set. Every failure is
// reported as ErrInvalidGrant without the sub-reason.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier, clientIP string) (resp *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeAuthorizationCode", client.ClientID)
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	if code == "" || redirectURI == "" || codeVerifier == "" {
		return nil, fmt.Errorf("%w: code, redirect_uri and code_verifier are required", ErrInvalidRequest)
	}
	if !client.SupportsGrantType(GrantTypeAuthorizationCode) {
		return nil, fmt.Errorf("%w: client is not registered for %s", ErrUnsupportedGrantType, GrantTypeAuthorizationCode)
	}

	authCode, err := s.flowStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
			s.handleCodeReuse(ctx, authCode, clientIP)
			return nil, ErrInvalidGrant
		}
		if !storage.IsConsumeFailure(err) {
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}

		// SECURITY: log the detailed reason internally, return a generic error
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", client.ClientID,
			"code_prefix", util.LogPrefix(code))
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_authorization_code")
		return nil, ErrInvalidGrant
	}

	// The code is now marked used; nothing below can make it redeemable again
	if authCode.ClientID != client.ClientID {
		s.rejectGrant(authCode.UserID, client.ClientID, clientIP, "client_id_mismatch")
		return nil, ErrInvalidGrant
	}
	if authCode.RedirectURI != redirectURI {
		s.rejectGrant(authCode.UserID, client.ClientID, clientIP, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant
	}
	if err := verifyPKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		s.metrics.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    authCode.UserID,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		s.rejectGrant(authCode.UserID, client.ClientID, clientIP, "pkce_validation_failed")
		return nil, ErrInvalidGrant
	}

	accessToken, claims, err := s.issuer.MintAccessToken(token.MintRequest{
		UserID:   authCode.UserID,
		ClientID: client.ClientID,
		Scope:    authCode.Scope,
		TTL:      s.Config.accessTokenTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	resp = &TokenResponse{
		AccessToken: accessToken,
		TokenType:   token.TokenTypeBearer,
		ExpiresIn:   expiresIn(claims),
		Scope:       authCode.Scope,
	}

	if client.SupportsGrantType(GrantTypeRefreshToken) {
		rt, err := s.newRefreshToken(ctx, authCode.UserID, client.ClientID, authCode.Scope)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = rt.Token
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, authCode.UserID, authCode.Scope)
	instrumentation.AddPKCEAttributes(span, authCode.CodeChallengeMethod)
	s.metrics.RecordCodeExchange(ctx, client.ClientID, authCode.CodeChallengeMethod)
	s.Auditor.LogTokenIssued(authCode.UserID, client.ClientID, clientIP, authCode.Scope)

	return resp, nil
}

// handleCodeReuse reacts to a replayed authorization code: the refresh
// tokens already issued to the user+client pair are revoked (RFC 6749
// Section 4.1.2, OAuth 2.1 Section 4.1.3).
func (s *Server) handleCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, clientIP string) {
	s.metrics.RecordCodeReuseDetected(ctx)

	revoked, err := s.refreshStore.RevokeRefreshTokensForUserClient(ctx, authCode.UserID, authCode.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse detection",
			"client_id", authCode.ClientID,
			"error", err)
	} else if revoked > 0 {
		s.metrics.RecordTokenRevocation(ctx, authCode.ClientID, revoked)
	}

	s.Logger.Error("Authorization code reuse detected - revoking refresh tokens",
		"client_id", authCode.ClientID,
		"code_prefix", util.LogPrefix(authCode.Code),
		"tokens_revoked", revoked)
	s.Auditor.LogCodeReuseDetected(authCode.UserID, authCode.ClientID, clientIP, revoked)
}

// rejectGrant logs an invalid_grant cause without exposing it to the caller
func (s *Server) rejectGrant(userID, clientID, clientIP, reason string) {
	s.Logger.Debug("Authorization grant rejected",
		"reason", reason,
		"client_id", clientID)
	s.Auditor.LogAuthFailure(userID, clientID, clientIP, reason)
}

// newRefreshToken creates and persists a refresh token for the pair
func (s *Server) newRefreshToken(ctx context.Context, userID, clientID, scope string) (*storage.RefreshToken, error) {
	rt, err := s.issuer.NewRefreshToken(userID, clientID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}
	rt.IssuedAt = s.now()
	rt.ExpiresAt = time.Time{}
	if s.Config.RefreshTokenTTL > 0 {
		rt.ExpiresAt = rt.IssuedAt.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second)
	}
	if err := s.refreshStore.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return rt, nil
}

// RefreshAccessToken mints a new access token from a refresh token.
//
// Without rotation the same refresh token is returned. With
// Config.RefreshTokenRotation the presented token is consumed atomically and
// a new one is issued, so a refresh token can be exchanged only once.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, clientIP string) (resp *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "server.RefreshAccessToken", client.ClientID)
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}
	if !client.SupportsGrantType(GrantTypeRefreshToken) {
		return nil, fmt.Errorf("%w: client is not registered for %s", ErrUnsupportedGrantType, GrantTypeRefreshToken)
	}

	rotate := s.Config.RefreshTokenRotation

	// Ownership is checked before consuming, so another client presenting
	// the token cannot burn it
	record, err := s.refreshStore.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, s.rejectRefreshToken(client.ClientID, clientIP, refreshToken, err)
	}
	if record.ClientID != client.ClientID {
		s.rejectGrant(record.UserID, client.ClientID, clientIP, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant
	}

	if rotate {
		record, err = s.refreshStore.ConsumeRefreshToken(ctx, refreshToken)
		if err != nil {
			return nil, s.rejectRefreshToken(client.ClientID, clientIP, refreshToken, err)
		}
	}

	accessToken, claims, err := s.issuer.MintAccessToken(token.MintRequest{
		UserID:   record.UserID,
		ClientID: record.ClientID,
		Scope:    record.Scope,
		TTL:      s.Config.accessTokenTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	resp = &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    token.TokenTypeBearer,
		ExpiresIn:    expiresIn(claims),
		RefreshToken: record.Token,
		Scope:        record.Scope,
	}

	if rotate {
		rt, err := s.newRefreshToken(ctx, record.UserID, record.ClientID, record.Scope)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = rt.Token
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, record.UserID, record.Scope)
	span.SetAttributes(attribute.Bool(instrumentation.AttrTokenRotated, rotate))
	s.metrics.RecordTokenRefresh(ctx, client.ClientID, rotate)
	s.Auditor.LogTokenRefreshed(record.UserID, client.ClientID, clientIP, rotate)

	return resp, nil
}

// rejectRefreshToken maps a failed refresh token lookup to invalid_grant.
// Storage failures other than not found or expired are returned as is.
func (s *Server) rejectRefreshToken(clientID, clientIP, refreshToken string, err error) error {
	if !errors.Is(err, storage.ErrTokenNotFound) && !errors.Is(err, storage.ErrTokenExpired) {
		return fmt.Errorf("failed to load refresh token: %w", err)
	}
	s.Logger.Debug("Refresh token validation failed",
		"reason", err.Error(),
		"client_id", clientID,
		"token_prefix", util.LogPrefix(refreshToken))
	s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_refresh_token")
	return ErrInvalidGrant
}

// ValidateAccessToken verifies a bearer token. It is stateless: only the
// signature and the iss, aud and exp claims are checked.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*token.Claims, error) {
	_, span := s.tracer.Start(ctx, "server.ValidateAccessToken")
	defer span.End()

	claims, err := s.issuer.VerifyAccessToken(raw)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, claims.ClientID, claims.Subject, claims.Scope)
	instrumentation.SetSpanSuccess(span)
	return claims, nil
}

// expiresIn returns the lifetime in seconds of a freshly minted token
func expiresIn(claims *token.Claims) int64 {
	return claims.ExpiresAt.Unix() - claims.IssuedAt.Unix()
}

// successRedirect appends code and state to the registered redirect URI,
// preserving any query it already has. state is echoed verbatim.
func successRedirect(redirectURI, code, state string) string {
	params := map[string]string{"code": code}
	if state != "" {
		params["state"] = state
	}
	return appendQuery(redirectURI, params)
}

// errorRedirect appends an RFC 6749 Section 4.1.2.1 error response to the redirect URI
func errorRedirect(redirectURI, code, description, state string) string {
	params := map[string]string{
		"error":             code,
		"error_description": description,
	}
	if state != "" {
		params["state"] = state
	}
	return appendQuery(redirectURI, params)
}

func appendQuery(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// pkceDescription turns a PKCE validation error into a client-facing description
func pkceDescription(err error) string {
	switch {
	case errors.Is(err, pkce.ErrUnsupportedMethod):
		return "code_challenge_method must be S256"
	case errors.Is(err, pkce.ErrMissingChallenge):
		return "code_challenge is required"
	default:
		return "code_challenge is invalid"
	}
}
