package storage

import "errors"

var (
	// ErrClientNotFound is returned when a client ID is unknown.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret is returned when a client secret does not match.
	ErrInvalidClientSecret = errors.New("invalid client credentials")

	// ErrAuthorizationCodeNotFound is returned when an authorization code is unknown.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed is returned when an authorization code was already consumed.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrAuthorizationCodeExpired is returned when an authorization code has expired.
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound is returned when a refresh token is unknown.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a refresh token has expired.
	ErrTokenExpired = errors.New("token expired")
)

// IsConsumeFailure reports whether err is one of the reasons
// ConsumeAuthorizationCode rejects a code.
func IsConsumeFailure(err error) bool {
	return errors.Is(err, ErrAuthorizationCodeNotFound) ||
		errors.Is(err, ErrAuthorizationCodeUsed) ||
		errors.Is(err, ErrAuthorizationCodeExpired)
}
