package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-dcr/client"
	"github.com/giantswarm/mcp-oauth-dcr/security"
)

const (
	defaultServerURL = "http://localhost:8000"

	// encryptionKeyEnv supplies --encryption-key when the flag is unset
	encryptionKeyEnv = "MCP_OAUTH_CLIENT_ENCRYPTION_KEY"
)

type rootOptions struct {
	serverURL       string
	credentialsPath string
	redirectPort    int
	callbackTimeout time.Duration
	encryptionKey   string
	verbose         bool
	confidential    bool

	// opener and newManager are replaced in tests
	opener     client.Opener
	newManager func(opts *rootOptions, logger *slog.Logger) (*client.Manager, error)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{newManager: defaultManager})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-oauth-client",
		Short: "OAuth client for MCP servers with dynamic registration and PKCE",
		Long: `Talks to an MCP OAuth server as a public client.

Typical use:
  mcp-oauth-client register             # dynamic client registration
  mcp-oauth-client authorize            # browser login with PKCE
  mcp-oauth-client call /mcp/whoami     # authenticated request
  mcp-oauth-client demo                 # all of the above in one go

Credentials are stored per server in ~/.config/mcp-oauth/clients.json.
Set --encryption-key (or ` + encryptionKeyEnv + `) to a base64 AES-256 key
to encrypt secrets and tokens at rest.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "mcp-oauth-client version %s\n" .Version}}`)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.serverURL, "server", "s", defaultServerURL, "Authorization server URL")
	flags.StringVar(&opts.credentialsPath, "credentials", "", "Credential file (default ~/.config/mcp-oauth/clients.json)")
	flags.IntVar(&opts.redirectPort, "port", 0, "Loopback port for the OAuth callback (0 picks a free port at registration)")
	flags.DurationVar(&opts.callbackTimeout, "timeout", client.DefaultCallbackTimeout, "How long to wait for the browser callback")
	flags.StringVar(&opts.encryptionKey, "encryption-key", "", "Base64 AES-256 key for credential encryption")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newRegisterCmd(opts),
		newAuthorizeCmd(opts),
		newRefreshCmd(opts),
		newTokenCmd(opts),
		newListCmd(opts),
		newRemoveCmd(opts),
		newCallCmd(opts),
		newDemoCmd(opts),
	)
	return cmd
}

// driver resolves the Driver for --server
func (o *rootOptions) driver(cmd *cobra.Command) (*client.Driver, error) {
	m, err := o.manager(cmd)
	if err != nil {
		return nil, err
	}
	return m.Driver(o.serverURL)
}

func (o *rootOptions) manager(cmd *cobra.Command) (*client.Manager, error) {
	return o.newManager(o, newLogger(cmd.ErrOrStderr(), o.verbose))
}

func defaultManager(opts *rootOptions, logger *slog.Logger) (*client.Manager, error) {
	key := opts.encryptionKey
	if key == "" {
		key = os.Getenv(encryptionKeyEnv)
	}

	var keyBytes []byte
	if key != "" {
		var err error
		keyBytes, err = security.KeyFromBase64(key)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
	}
	enc, err := security.NewEncryptor(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	store, err := client.NewCredentialStore(opts.credentialsPath, enc, logger)
	if err != nil {
		return nil, err
	}

	return client.NewManager(store, client.Config{
		RedirectPort:    opts.redirectPort,
		CallbackTimeout: opts.callbackTimeout,
		Confidential:    opts.confidential,
		Logger:          logger,
	}), nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
