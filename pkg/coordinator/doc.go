// Package coordinator orchestrates operations that span multiple database
// backends. Databases register with a priority and role, repositories are
// resolved per database and entity type, and cross-database tasks run under
// one of three consistency strategies: two-phase commit, saga with
// compensations, or parallel best-effort.
package coordinator
