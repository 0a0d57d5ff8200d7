package security

// Audit event types
const (
	// EventClientRegistered is logged when a client completes dynamic registration
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration metadata is refused
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientRegistrationRateLimitExceeded is logged when an IP exhausts its registration quota
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"

	// EventAuthorizationCodeIssued is logged when the authorize endpoint issues a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the consent policy refuses a request
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenIssued is logged when an access/refresh token pair is minted from a code
	EventTokenIssued = "token_issued" //nolint:gosec // event name, not a credential

	// EventTokenRefreshed is logged when a refresh grant mints a new access token
	EventTokenRefreshed = "token_refreshed" //nolint:gosec // event name, not a credential

	// EventTokensRevoked is logged when refresh tokens are revoked for a (client, user) pair
	EventTokensRevoked = "tokens_revoked" //nolint:gosec // event name, not a credential

	// EventAuthFailure is logged when client authentication fails at the token endpoint
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier does not match the challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect_uri is not registered for the client
	EventInvalidRedirect = "invalid_redirect"

	// EventInvalidToken is logged when the resource guard rejects a bearer token
	EventInvalidToken = "invalid_token" //nolint:gosec // event name, not a credential

	// EventInsufficientScope is logged when a valid token lacks a required scope
	EventInsufficientScope = "insufficient_scope"

	// EventRateLimitExceeded is logged when the per-IP request limiter rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"
)
