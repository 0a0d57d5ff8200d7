package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	oauth "github.com/giantswarm/mcp-oauth-dcr"
	"github.com/giantswarm/mcp-oauth-dcr/client"
	"github.com/giantswarm/mcp-oauth-dcr/internal/testutil"
	"github.com/giantswarm/mcp-oauth-dcr/storage/memory"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	var routes http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routes.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	store := memory.New()
	t.Cleanup(store.Stop)

	issuer, err := token.NewIssuer(token.Config{
		SigningKey: []byte(testutil.TestSigningKey),
		Issuer:     ts.URL,
		Audience:   ts.URL + "/mcp",
	})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	srv, err := oauth.NewServer(store, issuer, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	h, err := oauth.NewHandler(srv, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(h.Stop)

	routes = h.Routes()
	return ts
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

var noRedirect = &http.Client{
	Timeout: 5 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// followAuthorization stands in for the browser
func followAuthorization(authURL string) error {
	resp, err := noRedirect.Get(authURL)
	if err != nil {
		return err
	}
	resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return fmt.Errorf("authorization returned %d without redirect", resp.StatusCode)
	}
	resp, err = noRedirect.Get(location)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// cli runs the client CLI against serverURL with a private credential file
type cli struct {
	t               *testing.T
	serverURL       string
	credentialsPath string
	port            int
}

func newCLI(t *testing.T, serverURL string) *cli {
	return &cli{
		t:               t,
		serverURL:       serverURL,
		credentialsPath: filepath.Join(t.TempDir(), "clients.json"),
		port:            freePort(t),
	}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	opts := &rootOptions{newManager: defaultManager, opener: followAuthorization}
	cmd := newRootCmdWith(opts)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{
		"--server", c.serverURL,
		"--credentials", c.credentialsPath,
		"--port", strconv.Itoa(c.port),
		"--timeout", "5s",
	}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	c := newCLI(t, ts.URL)

	out, err := c.run("register")
	if err != nil {
		t.Fatalf("register error = %v", err)
	}
	if !strings.Contains(out, "Registered with") {
		t.Errorf("register output = %q", out)
	}

	out, err = c.run("register")
	if err != nil {
		t.Fatalf("second register error = %v", err)
	}
	if !strings.Contains(out, "Already registered") {
		t.Errorf("second register output = %q", out)
	}

	if _, err := c.run("token"); !errors.Is(err, client.ErrNotAuthorized) {
		t.Errorf("token before authorize error = %v, want ErrNotAuthorized", err)
	}

	out, err = c.run("authorize", "--no-browser=false")
	if err != nil {
		t.Fatalf("authorize error = %v", err)
	}
	if !strings.Contains(out, "Access token:") {
		t.Errorf("authorize output = %q", out)
	}

	out, err = c.run("token")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("token output is not a JWT: %q", out)
	}

	out, err = c.run("call")
	if err != nil {
		t.Fatalf("call error = %v", err)
	}
	if !strings.Contains(out, oauth.DefaultUserID) {
		t.Errorf("whoami output = %q, want user %q", out, oauth.DefaultUserID)
	}

	if out, err = c.run("refresh"); err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if !strings.Contains(out, "Token refreshed") {
		t.Errorf("refresh output = %q", out)
	}

	out, err = c.run("list")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, ts.URL) || !strings.Contains(out, "authorized") {
		t.Errorf("list output = %q", out)
	}

	if _, err := c.run("remove"); err != nil {
		t.Fatalf("remove error = %v", err)
	}
	if _, err := c.run("remove"); err == nil {
		t.Error("second remove should fail")
	}

	out, err = c.run("list")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, "No registered servers") {
		t.Errorf("list after remove = %q", out)
	}
}

func TestCLI_Demo(t *testing.T) {
	ts := newTestServer(t)
	c := newCLI(t, ts.URL)

	out, err := c.run("demo")
	if err != nil {
		t.Fatalf("demo error = %v\n%s", err, out)
	}
	for _, want := range []string{"[1/5]", "registered as", "[3/5]", "[5/5]", "200 OK", "Demo complete"} {
		if !strings.Contains(out, want) {
			t.Errorf("demo output missing %q:\n%s", want, out)
		}
	}

	out, err = c.run("demo")
	if err != nil {
		t.Fatalf("second demo error = %v", err)
	}
	if !strings.Contains(out, "already registered") || !strings.Contains(out, "using stored tokens") {
		t.Errorf("second demo should reuse credentials:\n%s", out)
	}
}

func TestCLI_NotRegistered(t *testing.T) {
	ts := newTestServer(t)
	c := newCLI(t, ts.URL)

	_, err := c.run("call")
	if !errors.Is(err, client.ErrNotRegistered) {
		t.Fatalf("call error = %v, want ErrNotRegistered", err)
	}
	if !strings.Contains(err.Error(), "mcp-oauth-client register") {
		t.Errorf("error should suggest register: %v", err)
	}
}

func TestCLI_ServerDown(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL
	ts.Close()

	c := newCLI(t, url)
	_, err := c.run("register")
	var transportErr *client.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("register error = %v, want TransportError", err)
	}
	if !strings.Contains(err.Error(), "is the server running") {
		t.Errorf("error should hint at the server: %v", err)
	}
}

func TestCLI_InvalidEncryptionKey(t *testing.T) {
	c := newCLI(t, "http://localhost:8000")
	if _, err := c.run("list", "--encryption-key", "not base64!"); err == nil {
		t.Fatal("expected error for invalid encryption key")
	}
}

func TestCredentialStatus(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		creds *client.Credentials
		want  string
	}{
		{
			name:  "registered only",
			creds: &client.Credentials{ClientID: "c"},
			want:  "registered",
		},
		{
			name:  "valid",
			creds: &client.Credentials{AccessToken: "a", TokenExpiresAt: now.Add(time.Hour)},
			want:  "authorized",
		},
		{
			name:  "expired with refresh",
			creds: &client.Credentials{AccessToken: "a", RefreshToken: "r", TokenExpiresAt: now.Add(-time.Minute)},
			want:  "expired (refreshable)",
		},
		{
			name:  "expired",
			creds: &client.Credentials{AccessToken: "a", TokenExpiresAt: now},
			want:  "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := credentialStatus(tt.creds, now)
			if !strings.Contains(got, tt.want) {
				t.Errorf("credentialStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := formatExpiry(&client.Credentials{}, now); got != "-" {
		t.Errorf("no token = %q, want -", got)
	}
	got := formatExpiry(&client.Credentials{AccessToken: "a", TokenExpiresAt: now.Add(90 * time.Second)}, now)
	if got != "in 1m30s" {
		t.Errorf("future expiry = %q, want in 1m30s", got)
	}
	got = formatExpiry(&client.Credentials{AccessToken: "a", TokenExpiresAt: now.Add(-time.Minute)}, now)
	if !strings.Contains(got, "1m0s ago") {
		t.Errorf("past expiry = %q", got)
	}
}
