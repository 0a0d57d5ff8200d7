package token

import "errors"

var (
	// ErrSignatureInvalid is returned for a bad signature, an unexpected
	// signing algorithm or a malformed token.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrExpired is returned when now is at or past exp (plus leeway).
	ErrExpired = errors.New("token expired")

	// ErrAudienceMismatch is returned when aud is not the expected resource.
	ErrAudienceMismatch = errors.New("token audience mismatch")

	// ErrIssuerMismatch is returned when iss is not the expected issuer.
	ErrIssuerMismatch = errors.New("token issuer mismatch")

	// ErrNoExpiry is returned by ExpiryFromToken when the token has no exp claim.
	ErrNoExpiry = errors.New("token has no exp claim")

	// ErrWeakSigningKey is returned by NewIssuer for keys shorter than MinSigningKeyLength.
	ErrWeakSigningKey = errors.New("signing key too short")
)
