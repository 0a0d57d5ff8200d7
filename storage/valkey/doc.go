// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is wire-compatible with Redis. The Store type implements
// [storage.ClientStore], [storage.FlowStore] and [storage.RefreshTokenStore],
// so several server instances can share registrations, codes and refresh
// tokens.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcpoauth:"):
//
//	{prefix}client:{clientID}          -> JSON(Client), no TTL
//	{prefix}code:{code}                -> JSON(AuthorizationCode), TTL = code lifetime
//	{prefix}refresh:{token}            -> JSON(RefreshToken), TTL = token lifetime
//	{prefix}userclient:{uid}:{cid}     -> SET of refresh tokens for the pair
//
// # Atomic Operations
//
// Authorization code consumption runs as a Lua script. The script reads the
// record, rejects it if it is used or expired, and writes it back with
// used=true, all inside one server-side call. Two concurrent exchanges of the
// same code therefore cannot both succeed. Refresh token consumption and
// user+client revocation are scripted the same way.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "mcpoauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
