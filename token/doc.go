// Package token mints and verifies HS256 access tokens and creates opaque
// refresh tokens.
//
// Access tokens carry exactly the claims sub, client_id, scope, iss, aud, iat
// and exp. They are never persisted: verification checks the signature,
// issuer, audience and expiry and nothing else, so any replica holding the
// signing key can validate a token without touching storage.
//
// Refresh tokens are random opaque strings. The caller persists the returned
// [storage.RefreshToken] record.
package token
