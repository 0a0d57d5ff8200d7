// Package pkce implements the S256 Proof Key for Code Exchange primitives
// (RFC 7636) shared by the authorization server and the client flow driver.
//
// All functions are pure and safe for concurrent use.
package pkce

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 is the only supported code_challenge_method.
	MethodS256 = "S256"

	// MinVerifierLength is the minimum code_verifier length (RFC 7636 Section 4.1).
	MinVerifierLength = 43

	// MaxVerifierLength is the maximum code_verifier length (RFC 7636 Section 4.1).
	MaxVerifierLength = 128

	// ChallengeLength is the length of a base64url-encoded SHA-256 digest without padding.
	ChallengeLength = 43

	stateBytes = 32
)

var (
	// ErrMissingVerifier is returned when no code_verifier was supplied.
	ErrMissingVerifier = errors.New("code_verifier is required")

	// ErrInvalidVerifier is returned when a code_verifier violates RFC 7636 format rules.
	ErrInvalidVerifier = errors.New("invalid code_verifier")

	// ErrMissingChallenge is returned when no code_challenge was supplied.
	ErrMissingChallenge = errors.New("code_challenge is required")

	// ErrInvalidChallenge is returned when a code_challenge is not a base64url SHA-256 digest.
	ErrInvalidChallenge = errors.New("invalid code_challenge")

	// ErrUnsupportedMethod is returned for any code_challenge_method other than S256.
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")
)

// GenerateVerifier returns a new code_verifier: 32 random bytes, base64url
// encoded without padding (43 characters).
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// DeriveChallenge returns the S256 code_challenge for verifier.
func DeriveChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify reports whether verifier hashes to challenge. The comparison is
// constant time because the result gates token issuance.
func Verify(verifier, challenge string) bool {
	computed := DeriveChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateVerifier checks length and character set of a code_verifier.
func ValidateVerifier(verifier string) error {
	if verifier == "" {
		return ErrMissingVerifier
	}
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidVerifier, MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrInvalidVerifier, MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: must only contain [A-Za-z0-9-._~]", ErrInvalidVerifier)
		}
	}
	return nil
}

// ValidateChallenge checks the code_challenge and code_challenge_method sent
// with an authorization request. An empty method is rejected: PKCE is
// mandatory and plain is never accepted.
func ValidateChallenge(challenge, method string) error {
	if method != MethodS256 {
		if method == "" {
			return fmt.Errorf("%w: code_challenge_method is required and must be %s", ErrUnsupportedMethod, MethodS256)
		}
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedMethod, method, MethodS256)
	}
	if challenge == "" {
		return ErrMissingChallenge
	}
	if len(challenge) != ChallengeLength {
		return fmt.Errorf("%w: must be %d characters", ErrInvalidChallenge, ChallengeLength)
	}
	if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
		return fmt.Errorf("%w: not base64url encoded", ErrInvalidChallenge)
	}
	return nil
}

// GenerateState returns a random opaque state value for CSRF protection.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
