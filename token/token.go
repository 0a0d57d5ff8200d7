package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-dcr/storage"
)

const (
	// MinSigningKeyLength is the minimum HS256 key length in bytes
	MinSigningKeyLength = 32

	// DefaultAccessTokenTTL is the access token lifetime when none is configured
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime when none is configured
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// TokenTypeBearer is the token_type returned with every access token
	TokenTypeBearer = "Bearer"
)

// Config configures an Issuer.
type Config struct {
	// SigningKey is the HS256 secret, at least MinSigningKeyLength bytes.
	SigningKey []byte

	// Issuer is the iss claim, normally the authorization server base URL.
	Issuer string

	// Audience is the aud claim, the canonical URI of the protected resource.
	Audience string

	// AccessTokenTTL is the access token lifetime (default 1h).
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime (default 30 days).
	// A negative value issues refresh tokens that never expire.
	RefreshTokenTTL time.Duration

	// Leeway is the clock skew tolerated when checking exp (default 0).
	Leeway time.Duration

	// Now overrides the clock (default time.Now).
	Now func() time.Time
}

// Claims are the access token claims. aud is a single string, not an array.
type Claims struct {
	Subject   string           `json:"sub"`
	ClientID  string           `json:"client_id"`
	Scope     string           `json:"scope"`
	Issuer    string           `json:"iss"`
	Audience  string           `json:"aud"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
}

var _ jwt.Claims = Claims{}

// GetExpirationTime implements jwt.Claims
func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }

// GetIssuedAt implements jwt.Claims
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) { return c.IssuedAt, nil }

// GetNotBefore implements jwt.Claims
func (c Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }

// GetIssuer implements jwt.Claims
func (c Claims) GetIssuer() (string, error) { return c.Issuer, nil }

// GetSubject implements jwt.Claims
func (c Claims) GetSubject() (string, error) { return c.Subject, nil }

// GetAudience implements jwt.Claims
func (c Claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// MintRequest describes one access token. Empty Issuer, Audience or zero TTL
// fall back to the Issuer's configuration.
type MintRequest struct {
	UserID   string
	ClientID string
	Scope    string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Issuer mints and verifies access tokens and creates refresh tokens.
// It is safe for concurrent use.
type Issuer struct {
	key             []byte
	issuer          string
	audience        string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	leeway          time.Duration
	now             func() time.Time
}

// NewIssuer validates cfg and returns an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrWeakSigningKey, len(cfg.SigningKey), MinSigningKeyLength)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}

	i := &Issuer{
		key:             append([]byte(nil), cfg.SigningKey...),
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		leeway:          cfg.Leeway,
		now:             cfg.Now,
	}
	if i.accessTokenTTL <= 0 {
		i.accessTokenTTL = DefaultAccessTokenTTL
	}
	if i.refreshTokenTTL == 0 {
		i.refreshTokenTTL = DefaultRefreshTokenTTL
	}
	if i.leeway < 0 {
		i.leeway = 0
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i, nil
}

// Issuer returns the configured iss value
func (i *Issuer) Issuer() string { return i.issuer }

// Audience returns the configured aud value
func (i *Issuer) Audience() string { return i.audience }

// AccessTokenTTL returns the default access token lifetime
func (i *Issuer) AccessTokenTTL() time.Duration { return i.accessTokenTTL }

// MintAccessToken signs an access token for req and returns it with its claims.
func (i *Issuer) MintAccessToken(req MintRequest) (string, *Claims, error) {
	if req.UserID == "" || req.ClientID == "" {
		return "", nil, fmt.Errorf("user and client are required to mint a token")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.accessTokenTTL
	}
	iss := req.Issuer
	if iss == "" {
		iss = i.issuer
	}
	aud := req.Audience
	if aud == "" {
		aud = i.audience
	}

	now := i.now()
	claims := &Claims{
		Subject:   req.UserID,
		ClientID:  req.ClientID,
		Scope:     req.Scope,
		Issuer:    iss,
		Audience:  aud,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, claims, nil
}

// VerifyAccessToken checks signature, issuer, audience and expiry of raw.
// It never consults storage.
func (i *Issuer) VerifyAccessToken(raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	// jwt accepts a token at exactly exp; it is already expired here
	if !i.now().Before(claims.ExpiresAt.Add(i.leeway)) {
		return nil, ErrExpired
	}
	return claims, nil
}

// classify maps jwt parse errors onto this package's sentinels
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}

// NewRefreshToken creates an unsaved refresh token record for the pair.
func (i *Issuer) NewRefreshToken(userID, clientID, scope string) (*storage.RefreshToken, error) {
	if userID == "" || clientID == "" {
		return nil, fmt.Errorf("user and client are required for a refresh token")
	}

	now := i.now()
	rt := &storage.RefreshToken{
		Token:    oauth2.GenerateVerifier(),
		ClientID: clientID,
		UserID:   userID,
		Scope:    scope,
		IssuedAt: now,
	}
	if i.refreshTokenTTL > 0 {
		rt.ExpiresAt = now.Add(i.refreshTokenTTL)
	}
	return rt, nil
}

// ExpiryFromToken reads the exp claim of raw without verifying the signature.
// Clients use it to schedule refreshes; it must not be used for authorization.
func ExpiryFromToken(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}
