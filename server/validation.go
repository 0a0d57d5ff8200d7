package server

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/mcp-oauth-dcr/internal/util"
	"github.com/giantswarm/mcp-oauth-dcr/pkce"
	"github.com/giantswarm/mcp-oauth-dcr/storage"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Grant and response types accepted by this server
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// SupportedGrantTypes lists the grant types clients may register
var SupportedGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}

// validateRedirectURIForRegistration checks one redirect URI at registration.
// It must be absolute, carry a host, have no fragment, and use https unless
// the host is loopback or AllowInsecureHTTP is set.
func (s *Server) validateRedirectURIForRegistration(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("%w: redirect URI must not be empty", ErrInvalidRedirectURI)
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid URI", ErrInvalidRedirectURI, redirectURI)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute URI with a host", ErrInvalidRedirectURI, redirectURI)
	}
	if u.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("%w: %q must not contain a fragment", ErrInvalidRedirectURI, redirectURI)
	}
	if u.User != nil {
		return fmt.Errorf("%w: %q must not contain user info", ErrInvalidRedirectURI, redirectURI)
	}

	switch strings.ToLower(u.Scheme) {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if util.IsLoopbackHost(u.Hostname()) || s.Config.AllowInsecureHTTP {
			return nil
		}
		return fmt.Errorf("%w: %q must use https for non-loopback hosts", ErrInvalidRedirectURI, redirectURI)
	default:
		return fmt.Errorf("%w: scheme %q is not allowed (use http for loopback or https)", ErrInvalidRedirectURI, u.Scheme)
	}
}

// validateRedirectURIsForRegistration validates every redirect URI of a registration
func (s *Server) validateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris is required and must not be empty", ErrInvalidRedirectURI)
	}
	for _, uri := range redirectURIs {
		if err := s.validateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// validateRedirectURI checks that redirectURI is one of the client's
// registered URIs. Matching is exact: no trailing-slash or case folding.
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		return ErrRedirectMismatch
	}
	return nil
}

// resolveGrantTypes applies the registration default and rejects unsupported values
func resolveGrantTypes(grantTypes []string) ([]string, error) {
	if len(grantTypes) == 0 {
		return []string{GrantTypeAuthorizationCode}, nil
	}
	for _, gt := range grantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return nil, fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidClientMetadata, gt)
		}
	}
	return slices.Compact(slices.Clone(grantTypes)), nil
}

// resolveResponseTypes applies the registration default and rejects anything but code
func resolveResponseTypes(responseTypes []string) ([]string, error) {
	if len(responseTypes) == 0 {
		return []string{ResponseTypeCode}, nil
	}
	for _, rt := range responseTypes {
		if rt != ResponseTypeCode {
			return nil, fmt.Errorf("%w: unsupported response_type %q", ErrInvalidClientMetadata, rt)
		}
	}
	return []string{ResponseTypeCode}, nil
}

// resolveRegistrationScopes validates the scope requested at registration
// against the server's supported scopes and applies the default scope.
func (s *Server) resolveRegistrationScopes(scope string) ([]string, error) {
	requested := strings.Fields(scope)
	if len(requested) == 0 {
		requested = strings.Fields(s.Config.DefaultScope)
	}
	if len(s.Config.SupportedScopes) == 0 {
		return requested, nil
	}
	for _, sc := range requested {
		if !slices.Contains(s.Config.SupportedScopes, sc) {
			return nil, fmt.Errorf("%w: unsupported scope %q", ErrInvalidClientMetadata, sc)
		}
	}
	return requested, nil
}

// validateClientScopes validates that requested scopes are a subset of the
// client's registered scopes. A client registered without scopes may request
// any scope.
//
// SECURITY: the error does not name the offending scope so that the allowed
// set cannot be enumerated.
func validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 || requestedScope == "" {
		return nil
	}
	for _, reqScope := range strings.Fields(requestedScope) {
		if !slices.Contains(clientScopes, reqScope) {
			return fmt.Errorf("%w: client is not authorized for one or more requested scopes", ErrInvalidScope)
		}
	}
	return nil
}

// validatePKCEChallenge validates the challenge sent to the authorization endpoint
func validatePKCEChallenge(challenge, method string) error {
	if err := pkce.ValidateChallenge(challenge, method); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// verifyPKCE checks a code_verifier against the stored challenge.
func verifyPKCE(challenge, method, verifier string) error {
	if method != pkce.MethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
	if err := pkce.ValidateVerifier(verifier); err != nil {
		return err
	}
	if !pkce.Verify(verifier, challenge) {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
