// Package stores provides the storage backends behind the repository
// contracts: an in-memory document store with snapshot transactions, used
// for tests and ephemeral deployments, and a SQLite-backed document store
// with WAL mode and embedded schema migrations. Both speak the same
// collection interface, so repositories do not care which one they run on.
package stores
