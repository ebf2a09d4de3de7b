// Package statestore is the client side of the hierarchical key-value state
// store the dispatcher reads notification fields from and writes presence,
// payload and trigger flags to.
//
// Paths are dot-separated and namespace-qualified (see package paths).
// Values are JSON-compatible scalars: bool, string, float64 or nil.
//
// Backends:
//   - "memory": process-local map (tests, ephemeral deployments)
//   - "file":   memory map + append-only journal + periodic snapshot
//   - "sqlite": single-table SQLite database
//   - "redis":  one key per path, JSON-encoded records
//
// Every backend is wrapped by Store, which serializes writes and emits a
// Signal to registered observers after each successful write.
package statestore
