package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-dcr/internal/testutil"
)

const (
	testIssuer   = "http://localhost:8000"
	testAudience = "http://localhost:8000/mcp"
)

func newTestIssuer(t *testing.T, clock *testutil.MockTime, leeway time.Duration) *Issuer {
	t.Helper()
	iss, err := NewIssuer(Config{
		SigningKey: []byte(testutil.TestSigningKey),
		Issuer:     testIssuer,
		Audience:   testAudience,
		Leeway:     leeway,
		Now:        clock.Now,
	})
	require.NoError(t, err)
	return iss
}

func TestNewIssuer_Validation(t *testing.T) {
	_, err := NewIssuer(Config{SigningKey: []byte("short"), Issuer: testIssuer, Audience: testAudience})
	assert.ErrorIs(t, err, ErrWeakSigningKey)

	_, err = NewIssuer(Config{SigningKey: []byte(testutil.TestSigningKey), Audience: testAudience})
	assert.Error(t, err)

	_, err = NewIssuer(Config{SigningKey: []byte(testutil.TestSigningKey), Issuer: testIssuer})
	assert.Error(t, err)

	iss, err := NewIssuer(Config{SigningKey: []byte(testutil.TestSigningKey), Issuer: testIssuer, Audience: testAudience})
	require.NoError(t, err)
	assert.Equal(t, DefaultAccessTokenTTL, iss.AccessTokenTTL())
}

func TestMintAccessToken_Claims(t *testing.T) {
	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	iss := newTestIssuer(t, clock, 0)

	raw, claims, err := iss.MintAccessToken(MintRequest{
		UserID:   "alice",
		ClientID: "client-1",
		Scope:    "mcp:tools:read",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000+3600), claims.ExpiresAt.Unix())

	// The payload carries exactly the seven claims and aud is a plain string
	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Len(t, decoded, 7)
	assert.Equal(t, "alice", decoded["sub"])
	assert.Equal(t, "client-1", decoded["client_id"])
	assert.Equal(t, "mcp:tools:read", decoded["scope"])
	assert.Equal(t, testIssuer, decoded["iss"])
	assert.Equal(t, testAudience, decoded["aud"])
	assert.EqualValues(t, 1_700_000_000, decoded["iat"])
	assert.EqualValues(t, 1_700_003_600, decoded["exp"])
}

func TestMintAccessToken_RequiresSubjectAndClient(t *testing.T) {
	iss := newTestIssuer(t, testutil.NewMockTime(time.Now()), 0)

	_, _, err := iss.MintAccessToken(MintRequest{ClientID: "c"})
	assert.Error(t, err)
	_, _, err = iss.MintAccessToken(MintRequest{UserID: "u"})
	assert.Error(t, err)
}

func TestVerifyAccessToken_RoundTrip(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	iss := newTestIssuer(t, clock, 0)

	raw, _, err := iss.MintAccessToken(MintRequest{UserID: "alice", ClientID: "client-1", Scope: "a b"})
	require.NoError(t, err)

	claims, err := iss.VerifyAccessToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, "a b", claims.Scope)
}

func TestVerifyAccessToken_ExpiryBoundary(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := testutil.NewMockTime(start)
	iss := newTestIssuer(t, clock, 0)

	raw, claims, err := iss.MintAccessToken(MintRequest{UserID: "alice", ClientID: "client-1"})
	require.NoError(t, err)
	exp := claims.ExpiresAt.Time

	tests := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{name: "one second before exp", now: exp.Add(-time.Second)},
		{name: "at exp", now: exp, wantErr: ErrExpired},
		{name: "one second after exp", now: exp.Add(time.Second), wantErr: ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Set(tt.now)
			_, err := iss.VerifyAccessToken(raw)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyAccessToken_Leeway(t *testing.T) {
	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	iss := newTestIssuer(t, clock, 30*time.Second)

	raw, claims, err := iss.MintAccessToken(MintRequest{UserID: "alice", ClientID: "client-1"})
	require.NoError(t, err)

	clock.Set(claims.ExpiresAt.Add(10 * time.Second))
	_, err = iss.VerifyAccessToken(raw)
	assert.NoError(t, err)

	clock.Set(claims.ExpiresAt.Add(30 * time.Second))
	_, err = iss.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrExpired, "exp plus leeway is already expired")

	clock.Set(claims.ExpiresAt.Add(31 * time.Second))
	_, err = iss.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyAccessToken_AudienceMismatch(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	iss := newTestIssuer(t, clock, 0)

	raw, _, err := iss.MintAccessToken(MintRequest{
		UserID:   "alice",
		ClientID: "client-1",
		Audience: "https://other-resource.example.com",
	})
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrAudienceMismatch)
}

func TestVerifyAccessToken_IssuerMismatch(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	iss := newTestIssuer(t, clock, 0)

	raw, _, err := iss.MintAccessToken(MintRequest{
		UserID:   "alice",
		ClientID: "client-1",
		Issuer:   "https://evil.example.com",
	})
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrIssuerMismatch)
}

func TestVerifyAccessToken_BadSignature(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	iss := newTestIssuer(t, clock, 0)

	other, err := NewIssuer(Config{
		SigningKey: []byte("another-signing-key-0123456789abcdef"),
		Issuer:     testIssuer,
		Audience:   testAudience,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	raw, _, err := other.MintAccessToken(MintRequest{UserID: "alice", ClientID: "client-1"})
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyAccessToken_Malformed(t *testing.T) {
	iss := newTestIssuer(t, testutil.NewMockTime(time.Now()), 0)

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := iss.VerifyAccessToken(raw)
		assert.ErrorIs(t, err, ErrSignatureInvalid, "raw=%q", raw)
	}
}

func TestVerifyAccessToken_RejectsOtherAlgorithms(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	iss := newTestIssuer(t, clock, 0)

	claims := &Claims{
		Subject:   "alice",
		ClientID:  "client-1",
		Issuer:    testIssuer,
		Audience:  testAudience,
		IssuedAt:  jwt.NewNumericDate(clock.Now()),
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testutil.TestSigningKey))
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(raw)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestNewRefreshToken(t *testing.T) {
	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	iss := newTestIssuer(t, clock, 0)

	rt, err := iss.NewRefreshToken("alice", "client-1", "mcp:tools:read")
	require.NoError(t, err)
	assert.Len(t, rt.Token, 43)
	assert.Equal(t, clock.Now().Add(DefaultRefreshTokenTTL), rt.ExpiresAt)

	rt2, err := iss.NewRefreshToken("alice", "client-1", "mcp:tools:read")
	require.NoError(t, err)
	assert.NotEqual(t, rt.Token, rt2.Token)

	_, err = iss.NewRefreshToken("", "client-1", "")
	assert.Error(t, err)
}

func TestExpiryFromToken(t *testing.T) {
	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	iss := newTestIssuer(t, clock, 0)

	raw, _, err := iss.MintAccessToken(MintRequest{UserID: "alice", ClientID: "client-1"})
	require.NoError(t, err)

	exp, err := ExpiryFromToken(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_003_600), exp.Unix())

	_, err = ExpiryFromToken("opaque-token")
	assert.Error(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte(testutil.TestSigningKey))
	require.NoError(t, err)
	_, err = ExpiryFromToken(noExp)
	assert.ErrorIs(t, err, ErrNoExpiry)
}
