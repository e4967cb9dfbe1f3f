// Package integration provides integration tests for the collection registry API server.
// These tests run complete registry applications over HTTP, covering uploads,
// the catalog endpoints and syncs between two registries.
package integration
