// Package storage persists posts, their per-platform deliveries, retry jobs
// and the delivery attempt log.
//
// Drivers:
//   - "memory": process-local, used by tests and dry runs
//   - "sqlite": embedded database file (modernc.org/sqlite)
//   - "postgres": shared database for multi-instance deployments (lib/pq)
//
// Every platform-post transition is a compare-and-set executed in a single
// transaction that also recomputes the owning post's aggregate status.
package storage
