// Package storage provides the persistence contracts used by the authorization server:
//   - ClientStore: registered OAuth clients (Dynamic Client Registration)
//   - FlowStore: single-use authorization codes with an atomic consume operation
//   - RefreshTokenStore: opaque refresh tokens bound to one user+client pair
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process storage guarded by a mutex
//   - storage/valkey: Valkey/Redis-compatible distributed storage using Lua
//     scripts for the atomic operations
//
// Access tokens are self-contained JWTs and are never stored.
package storage
