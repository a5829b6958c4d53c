// Package storage provides the durable state store backing the dispatch
// pipeline. All pipeline records (notifications, queue entries, delivery
// attempts, dedup fingerprints) persist here, namespaced by key prefix,
// on the mounted volume.
//
// Two drivers are supported:
//   - "file": dependency-free backend (snapshot + append-only journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// Multi-key updates go through Batch and are all-or-nothing; this is the
// only cross-component synchronization primitive in the process.
package storage
