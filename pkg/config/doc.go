// Package config loads and validates the YAML settings file that wires
// databases, caching, transactions, and telemetry together, and can watch
// the file for changes.
package config
