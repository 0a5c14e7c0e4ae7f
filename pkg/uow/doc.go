// Package uow implements the unit-of-work pattern: an explicit transaction
// boundary with a strict state machine, LIFO compensation actions, and a
// watchdog that rolls back transactions left open past their deadline. The
// Manager tracks active and recently completed transactions and offers a
// closure-based Transaction helper.
package uow
