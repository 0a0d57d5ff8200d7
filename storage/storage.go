// Package storage defines the persistence contracts for registered clients,
// authorization codes and refresh tokens.
package storage

import (
	"context"
	"slices"
	"time"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// ClientStore manages OAuth client registrations.
// Registrations are immutable once saved and never expire.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	// Implementations must perform the same work whether or not the client exists.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore manages issued authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it.
	// It must never be used to decide whether a code may be redeemed.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that the code exists, is unused
	// and has not expired, and marks it used. The check and the mutation are a
	// single indivisible operation: under concurrent calls for the same code
	// exactly one caller receives the record with a nil error.
	//
	// Failures:
	//   - ErrAuthorizationCodeNotFound: unknown code
	//   - ErrAuthorizationCodeExpired: now >= ExpiresAt
	//   - ErrAuthorizationCodeUsed: already consumed; the record is returned
	//     alongside the error so callers can revoke tokens derived from it
	//
	// SECURITY: any backend substituted later MUST keep this atomic (CAS,
	// transaction or server-side script). A read followed by a separate write
	// lets one code mint two token sets.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// RefreshTokenStore manages opaque refresh tokens.
type RefreshTokenStore interface {
	// SaveRefreshToken saves a refresh token record
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record.
	// Returns ErrTokenNotFound or ErrTokenExpired.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
	// Used when rotation is enabled so a token can be exchanged only once.
	ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token
	DeleteRefreshToken(ctx context.Context, token string) error

	// RevokeRefreshTokensForUserClient deletes every refresh token issued to
	// the user+client pair. Called when authorization code reuse is detected.
	RevokeRefreshTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	ClientURI               string
	Scopes                  []string
	CreatedAt               time.Time
}

// HasRedirectURI reports whether uri is one of the registered redirect URIs.
// Matching is exact string comparison with no normalization.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SupportsGrantType reports whether the client registered the grant type.
func (c *Client) SupportsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// IsExpired reports whether the code has expired at now.
func (a *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// RefreshToken represents an opaque refresh token bound to one user+client pair
type RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero means no expiry
}

// IsExpired reports whether the refresh token has expired at now.
func (r *RefreshToken) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
