package oauth

// AuthorizationServerMetadata is served at /.well-known/oauth-authorization-server (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`

	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	GrantTypesSupported    []string `json:"grant_types_supported,omitempty"`

	// client_secret_basic, client_secret_post and none
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// Always ["S256"]; plain is never accepted
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// ProtectedResourceMetadata is served at /.well-known/oauth-protected-resource (RFC 9728)
type ProtectedResourceMetadata struct {
	// Resource is the audience every access token must carry
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
}

// ClientRegistrationResponse is the 201 body of POST /oauth/register (RFC 7591 section 3.2.1)
type ClientRegistrationResponse struct {
	ClientID string `json:"client_id"`

	// ClientSecret is returned once, to confidential clients only. The
	// server keeps a bcrypt hash.
	ClientSecret string `json:"client_secret,omitempty"`

	ClientIDIssuedAt int64 `json:"client_id_issued_at"`

	// Secrets never expire, so this is always 0
	ClientSecretExpiresAt int64 `json:"client_secret_expires_at"`

	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// ErrorResponse is the JSON error body defined by RFC 6749 section 5.2
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// UserInfo describes the caller of a guarded request, taken from the
// verified access token
type UserInfo struct {
	Subject  string `json:"sub"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}
