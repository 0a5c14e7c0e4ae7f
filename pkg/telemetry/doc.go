// Package telemetry provides the observability surface of polystore:
// structured logging with zerolog, Prometheus metrics for repository, cache,
// transaction, and coordination activity, and OpenTelemetry tracing.
//
// The package is self-contained; domain packages receive a Logger and a
// Metrics instance through constructor injection and never touch globals.
package telemetry
