package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oauth-dcr/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-oauth-server",
		Short: "OAuth 2.1 authorization server with dynamic client registration for MCP",
		Long: `Runs an OAuth 2.1 authorization server that supports RFC 7591 dynamic
client registration, authorization code with mandatory PKCE (S256) and refresh
tokens, and serves a protected MCP resource that accepts its access tokens.

Configuration is read from the optional YAML file given with --config and
from MCP_OAUTH_* environment variables, which take precedence. The signing
secret must be provided, usually through MCP_OAUTH_JWT_SECRET_KEY.`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.SetVersionTemplate(`{{printf "mcp-oauth-server version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json (overrides config)")

	cmd.AddCommand(newCheckConfigCmd(opts))
	return cmd
}

// newCheckConfigCmd validates the configuration without starting the server
func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the resolved endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "issuer:   %s\n", cfg.Issuer())
			fmt.Fprintf(out, "resource: %s\n", cfg.Resource())
			fmt.Fprintf(out, "listen:   %s\n", cfg.ListenAddr())
			fmt.Fprintf(out, "storage:  %s\n", cfg.Storage.Backend)
			return nil
		},
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	// Flags win over both the file and the environment
	lookup := func(key string) (string, bool) {
		switch {
		case key == config.EnvPrefix+"LOG_LEVEL" && opts.logLevel != "":
			return opts.logLevel, true
		case key == config.EnvPrefix+"LOG_FORMAT" && opts.logFormat != "":
			return opts.logFormat, true
		}
		return os.LookupEnv(key)
	}

	cfg, err := config.Load(opts.configPath, lookup)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the slog handler selected by log.format and log.level
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := cfg.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if cfg.Log.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// contextOrBackground guards against commands executed without a context
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
