// Package client implements the client side of the MCP authorization flow:
// dynamic client registration, authorization code with PKCE through a
// loopback redirect, token exchange and refresh, and authenticated calls to
// the protected resource.
//
// Credentials for every server are kept in one JSON file (by default
// ~/.config/mcp-oauth/clients.json) keyed by the normalized server URL:
//
//	store, _ := client.NewCredentialStore("", nil, logger)
//	mgr := client.NewManager(store, client.Config{Logger: logger})
//	d, _ := mgr.Driver("http://localhost:8000")
//	_, _ = d.Register(ctx, "my-tool", client.DefaultScope)
//	_ = d.Authorize(ctx, client.OpenBrowser)
//	resp, _ := d.Do(ctx, req)
//
// Access token expiry is taken from the JWT exp claim, not from expires_in.
package client
