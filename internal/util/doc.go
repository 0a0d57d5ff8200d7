// Package util holds small helpers shared by the server, storage and client
// packages: log-safe truncation of secrets, URL normalization for credential
// keys and audience comparison, and host classification for redirect URI
// checks.
package util
