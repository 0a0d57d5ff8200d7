// Package testutil provides testing utilities and helpers for the authorization server.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-oauth-dcr/pkce"
	"github.com/giantswarm/mcp-oauth-dcr/storage"
)

const (
	// TestSigningKey is a 32-byte HS256 key for tests.
	TestSigningKey = "test-signing-key-0123456789abcdef"

	// TestClientSecret is the plaintext secret of clients built by GenerateTestClient.
	TestClientSecret = "test-client-secret"

	// TestRedirectURI is the redirect URI registered for test clients.
	TestRedirectURI = "http://localhost:9000/cb"

	// TestUserID is the subject used by test authorization codes.
	TestUserID = "test-user"
)

// MockTime provides a controllable, concurrency-safe time source
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestClient creates a confidential test client whose secret is TestClientSecret
func GenerateTestClient(t testing.TB) *storage.Client {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	return &storage.Client{
		ClientID:                GenerateRandomString(16),
		ClientSecretHash:        string(hash),
		ClientType:              storage.ClientTypeConfidential,
		RedirectURIs:            []string{TestRedirectURI},
		TokenEndpointAuthMethod: "client_secret_post",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		Scopes:                  []string{"mcp:tools:read", "mcp:tools:execute"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unused code for clientID bound to
// the challenge of verifier. The code expires in ten minutes.
func GenerateTestAuthorizationCode(clientID, verifier string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            clientID,
		UserID:              TestUserID,
		RedirectURI:         TestRedirectURI,
		CodeChallenge:       pkce.DeriveChallenge(verifier),
		CodeChallengeMethod: pkce.MethodS256,
		Scope:               "mcp:tools:read",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// GenerateTestRefreshToken creates a refresh token record for the pair
func GenerateTestRefreshToken(clientID, userID string) *storage.RefreshToken {
	now := time.Now()
	return &storage.RefreshToken{
		Token:     GenerateRandomString(32),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     "mcp:tools:read",
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}
