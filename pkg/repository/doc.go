// Package repository defines the data-access contract of polystore: the
// Entity and Repository interfaces, the document-store-shaped backend
// contracts (Store, Collection, Session), sort and pagination value objects,
// the error taxonomy, and a Store-backed base implementation.
//
// Backends (SQLite, memory, or external engines) implement the Store contract
// outside this package; the repository layer only depends on the interfaces.
package repository
