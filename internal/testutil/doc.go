// Package testutil provides test fixtures (clients, authorization codes,
// refresh tokens), a controllable clock and random helpers shared by the
// package tests.
package testutil
