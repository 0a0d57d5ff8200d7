package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-oauth-dcr/instrumentation"
	"github.com/giantswarm/mcp-oauth-dcr/security"
	"github.com/giantswarm/mcp-oauth-dcr/storage"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// SupportedTokenEndpointAuthMethods lists the methods advertised in metadata
var SupportedTokenEndpointAuthMethods = []string{
	TokenEndpointAuthMethodBasic,
	TokenEndpointAuthMethodPost,
	TokenEndpointAuthMethodNone,
}

// ClientRegistrationRequest is the RFC 7591 client metadata accepted at registration
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterClient registers a new OAuth client (RFC 7591).
// The plaintext secret is returned once for confidential clients and only
// its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, req ClientRegistrationRequest, clientIP string) (client *storage.Client, clientSecret string, err error) {
	ctx, span := s.startSpan(ctx, "server.RegisterClient", "")
	defer span.End()
	if s.instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	if s.RegistrationRateLimiter != nil && !s.RegistrationRateLimiter.Allow(clientIP) {
		s.metrics.RecordRateLimitExceeded(ctx, "client_registration")
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationRateLimitExceeded,
			IPAddress: clientIP,
		})
		return nil, "", ErrRegistrationRateLimited
	}

	if err := s.validateRedirectURIsForRegistration(req.RedirectURIs); err != nil {
		s.rejectRegistration(clientIP, "redirect_uri_validation_failed", err)
		return nil, "", err
	}

	grantTypes, err := resolveGrantTypes(req.GrantTypes)
	if err != nil {
		s.rejectRegistration(clientIP, "unsupported_grant_type", err)
		return nil, "", err
	}
	responseTypes, err := resolveResponseTypes(req.ResponseTypes)
	if err != nil {
		s.rejectRegistration(clientIP, "unsupported_response_type", err)
		return nil, "", err
	}
	scopes, err := s.resolveRegistrationScopes(req.Scope)
	if err != nil {
		s.rejectRegistration(clientIP, "unsupported_scope", err)
		return nil, "", err
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(req.TokenEndpointAuthMethod)
	if err != nil {
		s.rejectRegistration(clientIP, "unsupported_token_endpoint_auth_method", err)
		return nil, "", err
	}
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		name = DefaultClientName
	}

	client = &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            append([]string(nil), req.RedirectURIs...),
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              name,
		ClientURI:               req.ClientURI,
		Scopes:                  scopes,
		CreatedAt:               s.now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", strings.Join(scopes, " "))
	s.metrics.RecordClientRegistration(ctx, client.ClientType)
	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// rejectRegistration audits and logs a rejected registration
func (s *Server) rejectRegistration(clientIP, reason string, err error) {
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientRegistrationRejected,
		IPAddress: clientIP,
		Details: map[string]any{
			"reason": reason,
		},
	})
	s.Logger.Warn("Client registration rejected",
		"reason", reason,
		"error", err.Error(),
		"client_ip", clientIP)
}

// resolveClientTypeAndAuthMethod determines the client type from
// token_endpoint_auth_method (RFC 7591 Section 2). The default is
// client_secret_basic, which makes the client confidential.
func resolveClientTypeAndAuthMethod(authMethod string) (string, string, error) {
	switch authMethod {
	case "":
		return storage.ClientTypeConfidential, TokenEndpointAuthMethodBasic, nil
	case TokenEndpointAuthMethodNone:
		return storage.ClientTypePublic, authMethod, nil
	case TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
		return storage.ClientTypeConfidential, authMethod, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClientMetadata, authMethod)
	}
}

// generateClientSecret generates a secret and its bcrypt hash for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != storage.ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient retrieves a client by ID. Unknown clients yield storage.ErrClientNotFound.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, storage.ErrClientNotFound
	}
	return s.clientStore.GetClient(ctx, clientID)
}

// AuthenticateClient authenticates the caller of the token endpoint.
//
// The client must exist. When a secret is presented for a confidential
// client it is checked in constant time; a confidential client that presents
// no secret is accepted because PKCE proves possession of the flow. Public
// clients never carry a secret.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		// Run a comparison anyway so unknown clients cost the same as known ones
		_ = s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
		s.Auditor.LogAuthFailure("", clientID, clientIP, "unknown_client")
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if clientSecret == "" || client.IsPublic() {
		return client, nil
	}

	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_client_secret")
		return nil, ErrInvalidClient
	}
	return client, nil
}

// ListClients returns all registered clients (admin use)
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.clientStore.ListClients(ctx)
}
