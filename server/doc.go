// Package server implements the authorization server protocol logic.
//
// The Server type covers the three stateful parts of the flow and nothing
// else; HTTP parsing and response writing live in the root package:
//   - Dynamic client registration (RFC 7591) with per-IP quotas
//   - Authorization code issuance with mandatory S256 PKCE (RFC 7636)
//   - The authorization_code and refresh_token grants
//
// Authorization codes are consumed through storage.FlowStore's atomic
// ConsumeAuthorizationCode before any other check, so a code redeemed by N
// concurrent requests yields exactly one token set. A replayed code revokes
// the refresh tokens already issued to that user and client.
//
// Example usage:
//
//	store := memory.New()
//	issuer, err := token.NewIssuer(token.Config{
//	    SigningKey: key,
//	    Issuer:     "https://auth.example.com",
//	    Audience:   "https://auth.example.com/mcp",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(store, store, store, issuer, &server.Config{}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
