package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-oauth-dcr/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the access token lacks a scope the resource requires
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrInvalidClientMetadata indicates a registration field has an unsupported value
	ErrInvalidClientMetadata = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// toOAuthError maps an error returned by the server package onto the
// response sent to the client. Unknown errors become server_error so that
// storage or signing failures never leak their details.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	switch {
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant(server.InvalidGrantDescription())
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrRedirectMismatch):
		return ErrInvalidRequest("redirect_uri is not registered for this client")
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return ErrInvalidRedirectURI(describe(err, ErrorCodeInvalidRedirectURI))
	case errors.Is(err, server.ErrInvalidClientMetadata):
		return ErrInvalidClientMetadata(describe(err, ErrorCodeInvalidClientMetadata))
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest(describe(err, ErrorCodeInvalidRequest))
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope(describe(err, ErrorCodeInvalidScope))
	case errors.Is(err, server.ErrUnsupportedGrantType):
		return ErrUnsupportedGrantType(describe(err, ErrorCodeUnsupportedGrantType))
	case errors.Is(err, server.ErrUnsupportedResponseType):
		return NewOAuthError(ErrorCodeUnsupportedResponseType, describe(err, ErrorCodeUnsupportedResponseType), http.StatusBadRequest)
	case errors.Is(err, server.ErrAccessDenied):
		return ErrAccessDenied(describe(err, ErrorCodeAccessDenied))
	case errors.Is(err, server.ErrRegistrationRateLimited):
		return ErrRateLimitExceeded("Client registration rate limit exceeded. Please try again later.")
	default:
		return ErrServerError("Internal server error")
	}
}

// describe strips the leading "<code>: " that sentinel wrapping adds
func describe(err error, code string) string {
	desc := strings.TrimPrefix(err.Error(), code+": ")
	if desc == code {
		return ""
	}
	return desc
}
