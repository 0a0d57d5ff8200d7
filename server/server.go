package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-dcr/instrumentation"
	"github.com/giantswarm/mcp-oauth-dcr/security"
	"github.com/giantswarm/mcp-oauth-dcr/storage"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

// ConsentPolicy decides whether userID may authorize client for scope.
// Returning false sends access_denied back to the client.
type ConsentPolicy func(ctx context.Context, client *storage.Client, userID, scope string) bool

// AlwaysApprove is the default ConsentPolicy.
func AlwaysApprove(context.Context, *storage.Client, string, string) bool {
	return true
}

// Server implements the authorization server protocol logic: client
// registration, authorization code issuance and the token endpoint grants.
// It has no HTTP dependency; the root package adapts it to net/http.
type Server struct {
	clientStore  storage.ClientStore
	flowStore    storage.FlowStore
	refreshStore storage.RefreshTokenStore
	issuer       *token.Issuer

	Auditor                 *security.Auditor
	RegistrationRateLimiter *security.ClientRegistrationRateLimiter
	ConsentPolicy           ConsentPolicy
	Logger                  *slog.Logger
	Config                  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	now func() time.Time
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	refreshStore storage.RefreshTokenStore,
	issuer *token.Issuer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if refreshStore == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if config.Issuer == "" {
		config.Issuer = issuer.Issuer()
	}

	srv := &Server{
		clientStore:             clientStore,
		flowStore:               flowStore,
		refreshStore:            refreshStore,
		issuer:                  issuer,
		RegistrationRateLimiter: newRegistrationLimiter(config, logger),
		ConsentPolicy:           AlwaysApprove,
		Logger:                  logger,
		Config:                  config,
		now:                     time.Now,
	}

	// Disabled instrumentation keeps span and metric calls unconditional
	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to create default instrumentation: %w", err)
	}
	srv.SetInstrumentation(inst)

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets the tracer and metrics used by the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Instrumentation returns the instrumentation in use
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// SetClock overrides the time source (tests only)
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// TokenIssuer returns the issuer used to mint and verify access tokens
func (s *Server) TokenIssuer() *token.Issuer {
	return s.issuer
}

// Stop releases background resources owned by the server
func (s *Server) Stop() {
	if s.RegistrationRateLimiter != nil {
		s.RegistrationRateLimiter.Stop()
	}
}

// startSpan starts a server span carrying the client ID
func (s *Server) startSpan(ctx context.Context, name, clientID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", "")
	return ctx, span
}

// generateRandomToken generates a cryptographically secure random token
// (32 bytes, base64url, 43 characters).
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
