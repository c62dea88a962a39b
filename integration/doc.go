//go:build integration

// Package integration runs mounts against a real HTTP server.
//
// These tests require Docker and serve files from an nginx container using
// testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
