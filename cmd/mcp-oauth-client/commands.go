package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-dcr/client"
)

const whoAmIPath = "/mcp/whoami"

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var (
		name         string
		scope        string
		confidential bool
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this client with the server (RFC 7591)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.confidential = confidential
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			if force {
				if _, err := m.Remove(opts.serverURL); err != nil {
					return err
				}
			}
			d, err := m.Driver(opts.serverURL)
			if err != nil {
				return err
			}
			if creds := d.Credentials(); creds != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Already registered with %s as %s (use --force to re-register)\n",
					text.FgYellow.Sprint("!"), d.ServerURL(), creds.ClientID)
				return nil
			}

			creds, err := d.Register(cmd.Context(), name, scope)
			if err != nil {
				return explain(err, opts)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Registered with %s\n", text.FgGreen.Sprint("✓"), d.ServerURL())
			fmt.Fprintf(out, "  Client ID:    %s\n", creds.ClientID)
			fmt.Fprintf(out, "  Redirect URI: %s\n", creds.RedirectURI)
			if creds.ClientSecret != "" {
				fmt.Fprintf(out, "  Client type:  confidential\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", client.DefaultClientName, "Client name sent at registration")
	cmd.Flags().StringVar(&scope, "scope", client.DefaultScope, "Space separated scopes to request")
	cmd.Flags().BoolVar(&confidential, "confidential", false, "Register as a confidential client with a secret")
	cmd.Flags().BoolVar(&force, "force", false, "Discard existing credentials and register again")
	return cmd
}

func newAuthorizeCmd(opts *rootOptions) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Log in through the browser and obtain tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := opts.driver(cmd)
			if err != nil {
				return err
			}
			if err := authorize(cmd, opts, d, noBrowser); err != nil {
				return explain(err, opts)
			}
			printTokenSummary(cmd.OutOrStdout(), d.Credentials())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	return cmd
}

// authorize runs the browser flow with a spinner while the callback is pending
func authorize(cmd *cobra.Command, opts *rootOptions, d *client.Driver, noBrowser bool) error {
	errOut := cmd.ErrOrStderr()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(errOut))
	s.Suffix = " Waiting for authorization in the browser..."
	defer s.Stop()

	open := opts.opener
	if open == nil {
		open = client.OpenBrowser
	}
	opener := func(authURL string) error {
		fmt.Fprintf(errOut, "Open this URL to authorize:\n\n  %s\n\n", authURL)
		var err error
		if !noBrowser {
			err = open(authURL)
		}
		s.Start()
		return err
	}

	if err := d.Authorize(cmd.Context(), opener); err != nil {
		s.FinalMSG = text.FgRed.Sprint("✗ Authorization failed") + "\n"
		return err
	}
	s.FinalMSG = text.FgGreen.Sprint("✓") + " Authorized\n"
	return nil
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := opts.driver(cmd)
			if err != nil {
				return err
			}
			if err := d.Refresh(cmd.Context()); err != nil {
				return explain(err, opts)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Token refreshed\n", text.FgGreen.Sprint("✓"))
			printTokenSummary(cmd.OutOrStdout(), d.Credentials())
			return nil
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing it first if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := opts.driver(cmd)
			if err != nil {
				return err
			}
			accessToken, err := d.EnsureValid(cmd.Context())
			if err != nil {
				return explain(err, opts)
			}
			fmt.Fprintln(cmd.OutOrStdout(), accessToken)
			return nil
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "List every server with stored credentials",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			all, err := m.List()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), text.FgYellow.Sprint("No registered servers"))
				return nil
			}
			renderCredentials(cmd.OutOrStdout(), all, time.Now())
			return nil
		},
	}
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove",
		Aliases: []string{"rm"},
		Short:   "Forget the registration and tokens for --server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			removed, err := m.Remove(opts.serverURL)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no credentials stored for %s", opts.serverURL)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", text.FgGreen.Sprint("✓"), opts.serverURL)
			return nil
		},
	}
}

func newCallCmd(opts *rootOptions) *cobra.Command {
	var (
		method string
		data   string
	)

	cmd := &cobra.Command{
		Use:   "call [path]",
		Short: "Send an authenticated request to the server (default " + whoAmIPath + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := whoAmIPath
			if len(args) == 1 {
				path = args[0]
			}
			d, err := opts.driver(cmd)
			if err != nil {
				return err
			}
			status, body, err := call(cmd.Context(), d, method, path, data)
			if err != nil {
				return explain(err, opts)
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyBody(body))
			if status >= 400 {
				return fmt.Errorf("server responded with %d %s", status, http.StatusText(status))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body, sent as JSON")
	return cmd
}

// call sends one authenticated request and returns the response status and body
func call(ctx context.Context, d *client.Driver, method, path, data string) (int, []byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.ServerURL()+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func newDemoCmd(opts *rootOptions) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Register, authorize, call the protected resource, refresh and call again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runDemo(cmd, opts, noBrowser); err != nil {
				return explain(err, opts)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	return cmd
}

func runDemo(cmd *cobra.Command, opts *rootOptions, noBrowser bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	step := func(n int, msg string) {
		fmt.Fprintf(out, "%s %s\n", text.FgHiCyan.Sprintf("[%d/5]", n), msg)
	}

	d, err := opts.driver(cmd)
	if err != nil {
		return err
	}

	step(1, "Client registration")
	if creds := d.Credentials(); creds != nil {
		fmt.Fprintf(out, "  already registered as %s\n", creds.ClientID)
	} else {
		creds, err := d.Register(ctx, client.DefaultClientName, client.DefaultScope)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  registered as %s\n", creds.ClientID)
	}

	step(2, "Authorization")
	if d.Phase() == client.PhaseRegistered {
		if err := authorize(cmd, opts, d, noBrowser); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, "  using stored tokens")
	}
	printTokenSummary(out, d.Credentials())

	callWhoAmI := func() error {
		status, body, err := call(ctx, d, http.MethodGet, whoAmIPath, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %d %s\n%s\n", status, http.StatusText(status), indent(prettyBody(body)))
		if status != http.StatusOK {
			return fmt.Errorf("protected resource responded with %d", status)
		}
		return nil
	}

	step(3, "Protected resource "+whoAmIPath)
	if err := callWhoAmI(); err != nil {
		return err
	}

	step(4, "Token refresh")
	if err := d.Refresh(ctx); err != nil {
		if !errors.Is(err, client.ErrNoRefreshToken) {
			return err
		}
		fmt.Fprintln(out, "  no refresh token issued, skipping")
	} else {
		printTokenSummary(out, d.Credentials())
	}

	step(5, "Protected resource with the current token")
	if err := callWhoAmI(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Demo complete\n", text.FgGreen.Sprint("✓"))
	return nil
}

// explain adds a next step to errors the user can fix from the command line
func explain(err error, opts *rootOptions) error {
	var oauthErr *client.OAuthError
	var transportErr *client.TransportError
	switch {
	case errors.Is(err, client.ErrNotRegistered):
		return fmt.Errorf("%w: run 'mcp-oauth-client register --server %s' first", err, opts.serverURL)
	case errors.Is(err, client.ErrNotAuthorized):
		return fmt.Errorf("%w: run 'mcp-oauth-client authorize --server %s' first", err, opts.serverURL)
	case errors.Is(err, client.ErrAuthorizationTimeout):
		return fmt.Errorf("%w: no callback within %s", err, opts.callbackTimeout)
	case errors.As(err, &oauthErr) && oauthErr.Code == "invalid_grant":
		return fmt.Errorf("%w: run 'mcp-oauth-client authorize' to log in again", err)
	case errors.As(err, &transportErr):
		return fmt.Errorf("%w: is the server running at %s?", err, opts.serverURL)
	}
	return err
}

func printTokenSummary(w io.Writer, creds *client.Credentials) {
	if creds == nil || !creds.HasToken() {
		return
	}
	fmt.Fprintf(w, "  Access token: %s\n", truncate(creds.AccessToken, 24))
	if !creds.TokenExpiresAt.IsZero() {
		fmt.Fprintf(w, "  Expires:      %s\n", creds.TokenExpiresAt.Local().Format(time.RFC3339))
	}
	if creds.RefreshToken != "" {
		fmt.Fprintf(w, "  Refresh:      %s\n", text.FgGreen.Sprint("available"))
	}
	if creds.Scope != "" {
		fmt.Fprintf(w, "  Scope:        %s\n", creds.Scope)
	}
}

func prettyBody(body []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return string(body)
	}
	return buf.String()
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
