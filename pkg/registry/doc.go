// Package registry provides central repository registration and resolution
// with configurable instance lifetimes. Repositories are registered once by
// entity type and resolved as singletons, per-scope instances, or fresh
// transient instances.
package registry
