package server

import "errors"

// OAuth 2.0 error codes (RFC 6749 Section 4.1.2.1 and 5.2, RFC 7591 Section 3.2.2).
// The root package maps the sentinel errors below onto these codes.
const (
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

var (
	// ErrInvalidClient is returned for an unknown client or failed client authentication.
	ErrInvalidClient = errors.New(ErrorCodeInvalidClient)

	// ErrRedirectMismatch is returned when a redirect_uri is not one of the
	// client's registered URIs. The authorization endpoint must never
	// redirect to the offending URI.
	ErrRedirectMismatch = errors.New("redirect_uri is not registered for this client")

	// ErrInvalidRedirectURI is returned at registration for malformed or insecure redirect URIs.
	ErrInvalidRedirectURI = errors.New(ErrorCodeInvalidRedirectURI)

	// ErrInvalidClientMetadata is returned at registration for unsupported metadata values.
	ErrInvalidClientMetadata = errors.New(ErrorCodeInvalidClientMetadata)

	// ErrInvalidGrant is returned for any authorization code or refresh token
	// that cannot be redeemed. Its message never carries the sub-reason.
	ErrInvalidGrant = errors.New(ErrorCodeInvalidGrant)

	// ErrInvalidRequest is returned when a required parameter is missing or malformed.
	ErrInvalidRequest = errors.New(ErrorCodeInvalidRequest)

	// ErrInvalidScope is returned when the requested scope exceeds the client's scope.
	ErrInvalidScope = errors.New(ErrorCodeInvalidScope)

	// ErrUnsupportedGrantType is returned for grant types other than
	// authorization_code and refresh_token.
	ErrUnsupportedGrantType = errors.New(ErrorCodeUnsupportedGrantType)

	// ErrUnsupportedResponseType is returned for response types other than code.
	ErrUnsupportedResponseType = errors.New(ErrorCodeUnsupportedResponseType)

	// ErrAccessDenied is returned when the consent policy rejects a request.
	ErrAccessDenied = errors.New(ErrorCodeAccessDenied)

	// ErrRegistrationRateLimited is returned when an IP exceeds its registration quota.
	ErrRegistrationRateLimited = errors.New("client registration rate limit exceeded")
)

// invalidGrantDescription is the only description sent with invalid_grant so
// that callers cannot distinguish unknown, used, expired or mismatched grants.
const invalidGrantDescription = "The authorization grant is invalid, expired, or was already used"

// InvalidGrantDescription returns the fixed error_description for invalid_grant.
func InvalidGrantDescription() string {
	return invalidGrantDescription
}
