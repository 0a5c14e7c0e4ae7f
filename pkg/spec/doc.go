// Package spec implements composable query specifications.
//
// A Specification is an immutable predicate tree built from field comparisons
// and AND/OR/NOT combinators. Every node renders to both a SQL WHERE clause
// with named parameters and a document-store filter, so the same predicate
// means the same thing on a relational backend and a NoSQL backend.
//
// Specifications are value objects: composing them never mutates the
// operands, and rendering is side-effect free. Parameter keys are derived
// deterministically from the field, operator, and value, so identical
// sub-specifications reuse the same parameter slot instead of colliding
// through a running counter.
package spec
