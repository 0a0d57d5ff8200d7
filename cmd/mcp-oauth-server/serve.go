package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/mcp-oauth-dcr"
	"github.com/giantswarm/mcp-oauth-dcr/instrumentation"
	"github.com/giantswarm/mcp-oauth-dcr/internal/config"
	"github.com/giantswarm/mcp-oauth-dcr/security"
	"github.com/giantswarm/mcp-oauth-dcr/storage/memory"
	"github.com/giantswarm/mcp-oauth-dcr/storage/valkey"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

// app is a fully wired server ready to be served
type app struct {
	handler http.Handler
	inst    *instrumentation.Instrumentation
	closers []func()
}

// close releases resources in reverse order of acquisition
func (a *app) close(ctx context.Context, logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.inst.Shutdown(ctx); err != nil {
		logger.Error("Instrumentation shutdown error", "error", err)
	}
}

// newApp wires storage, token issuer, protocol server and HTTP handler
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		return nil, err
	}

	exporter := instrumentation.MetricsExporterNone
	if cfg.Metrics.Enabled {
		exporter = instrumentation.MetricsExporterPrometheus
	}
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         cfg.Metrics.Enabled,
		ServiceName:     cfg.Service.Name,
		ServiceVersion:  cfg.Service.Version,
		LogClientIPs:    cfg.Metrics.LogClientIPs,
		MetricsExporter: exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	a.inst = inst

	var store oauth.Store
	switch cfg.Storage.Backend {
	case config.StorageValkey:
		vs, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, vs.Close)
		store = vs
	default:
		ms := memory.New()
		ms.SetLogger(logger)
		ms.SetInstrumentation(inst)
		a.closers = append(a.closers, ms.Stop)
		store = ms
		logger.Warn("⚠️  Using in-memory storage",
			"risk", "Clients and tokens are lost on restart and not shared between replicas",
			"recommendation", "Set storage.backend to valkey for production")
	}

	issuer, err := token.NewIssuer(cfg.TokenConfig())
	if err != nil {
		return fail(fmt.Errorf("failed to create token issuer: %w", err))
	}

	srv, err := oauth.NewServer(store, issuer, cfg.ServerConfig(), logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create server: %w", err))
	}
	a.closers = append(a.closers, srv.Stop)
	srv.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, true)
	auditor.SetInstrumentation(inst)
	srv.SetAuditor(auditor)

	h, err := oauth.NewHandler(srv, cfg.HandlerConfig(), logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create handler: %w", err))
	}
	a.closers = append(a.closers, h.Stop)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	if promHandler := inst.PrometheusHandler(); promHandler != nil {
		mux.Handle(cfg.Metrics.Path, promHandler)
	}
	a.handler = security.RequestIDMiddleware(mux)

	return a, nil
}

// run serves until ctx is cancelled, then shuts down gracefully
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(shutdownCtx, logger)
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}

	httpServer := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logBanner(logger, cfg, listener.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		a.close(shutdownCtx, logger)
		if err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// logBanner announces the listener and every public endpoint
func logBanner(logger *slog.Logger, cfg *config.Config, addr string) {
	issuer := cfg.Issuer()
	logger.Info("MCP OAuth server starting",
		"service", cfg.Service.Name,
		"version", cfg.Service.Version,
		"listen", addr,
		"issuer", issuer,
		"resource", cfg.Resource(),
		"storage", cfg.Storage.Backend)

	endpoints := []struct{ name, path string }{
		{"registration", oauth.PathRegister},
		{"authorization", oauth.PathAuthorize},
		{"token", oauth.PathToken},
		{"as_metadata", oauth.PathAuthorizationServerMetadata},
		{"resource_metadata", oauth.PathProtectedResourceMetadata},
		{"whoami", oauth.PathWhoAmI},
		{"health", oauth.PathHealth},
	}
	for _, ep := range endpoints {
		logger.Info("Endpoint", "name", ep.name, "url", issuer+ep.path)
	}
	if cfg.Metrics.Enabled {
		logger.Info("Endpoint", "name", "metrics", "url", issuer+cfg.Metrics.Path)
	}
}
