package client

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrAuthorizationTimeout is returned when no callback arrives within
	// the configured callback timeout
	ErrAuthorizationTimeout = errors.New("timed out waiting for the authorization callback")

	// ErrStateMismatch is returned when the callback state differs from the
	// state sent in the authorization request. The code is discarded.
	ErrStateMismatch = errors.New("state mismatch in authorization callback")

	// ErrNotRegistered is returned when an operation needs a client_id that
	// has not been obtained yet
	ErrNotRegistered = errors.New("client is not registered with this server")

	// ErrNotAuthorized is returned when an operation needs an access token
	// that has not been obtained yet
	ErrNotAuthorized = errors.New("client has no access token for this server")

	// ErrNoRefreshToken is returned by Refresh when no refresh token is stored
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// TransportError reports that a request could not be completed at the
// network level. It is never retried automatically.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// OAuthError is an error response returned by the authorization server
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Description, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
}

// AuthorizationError is an error delivered to the redirect URI instead of
// an authorization code, e.g. access_denied
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
	}
	return "authorization failed: " + e.Code
}

// errorBody is the JSON error document of the authorization server
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// classifyTokenError converts errors from the oauth2 package into the
// package's typed errors
func classifyTokenError(op, endpoint string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		oe := &OAuthError{
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
		}
		if re.Response != nil {
			oe.Status = re.Response.StatusCode
		}
		if oe.Code == "" {
			oe.Code = http.StatusText(oe.Status)
		}
		return oe
	}
	return &TransportError{Op: op, URL: endpoint, Err: err}
}
