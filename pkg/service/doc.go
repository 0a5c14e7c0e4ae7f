// Package service assembles the data-access stack behind one façade: it
// builds stores from configuration, registers them with the coordinator,
// wires repositories through the registry with optional caching, and runs
// the background health and metrics loops.
package service
