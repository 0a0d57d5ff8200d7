// Package oauth provides an OAuth 2.1 authorization server with dynamic
// client registration and mandatory PKCE for MCP servers, together with the
// bearer token guard that protects the MCP resource.
//
// The package is the HTTP surface only. Protocol logic lives in the server
// package, token minting in token, and persistence behind the storage
// interfaces:
//
//	store := memory.New()
//	issuer, _ := token.NewIssuer(token.Config{
//	    SigningKey: key,
//	    Issuer:     "https://auth.example.com",
//	    Audience:   "https://auth.example.com/mcp",
//	})
//	srv, _ := oauth.NewServer(store, issuer, &oauth.ServerConfig{}, logger)
//	handler, _ := oauth.NewHandler(srv, &oauth.HandlerConfig{}, logger)
//
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//	mux.Handle("/mcp", handler.ValidateToken(mcpHandler))
package oauth

import (
	"log/slog"

	"github.com/giantswarm/mcp-oauth-dcr/server"
	"github.com/giantswarm/mcp-oauth-dcr/storage"
	"github.com/giantswarm/mcp-oauth-dcr/token"
)

// Server is the protocol core the handler delegates to
type Server = server.Server

// ServerConfig configures lifetimes, redirect URI policy and registration quotas
type ServerConfig = server.Config

// Store is implemented by backends that hold clients, authorization codes
// and refresh tokens in one place, such as storage/memory and storage/valkey.
type Store interface {
	storage.ClientStore
	storage.FlowStore
	storage.RefreshTokenStore
}

// NewServer creates a Server whose three stores are backed by store
func NewServer(store Store, issuer *token.Issuer, config *ServerConfig, logger *slog.Logger) (*Server, error) {
	return server.New(store, store, store, issuer, config, logger)
}
