package repository

import (
	"errors"
	"fmt"
)

// ErrDuplicateID is the sentinel backends return when an insert collides with
// an existing document ID. The base repository wraps it into a
// DuplicateEntityError carrying entity context.
var ErrDuplicateID = errors.New("duplicate document id")

// RepositoryError is the base error for repository failures. It carries the
// entity type and operation so callers can tell which repository call failed
// without parsing messages.
// nolint:revive // RepositoryError is intentionally named to distinguish from standard errors
type RepositoryError struct {
	// EntityType is the logical entity the repository manages.
	EntityType string

	// Operation is the repository operation that failed (create, update, ...).
	Operation string

	// Message is the human-readable error message.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *RepositoryError) Error() string {
	msg := fmt.Sprintf("repository %s/%s: %s", e.EntityType, e.Operation, e.Message)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// NewRepositoryError creates a repository error with entity and operation context.
func NewRepositoryError(entityType, operation, message string, err error) *RepositoryError {
	return &RepositoryError{
		EntityType: entityType,
		Operation:  operation,
		Message:    message,
		Err:        err,
	}
}

// EntityNotFoundError reports that an entity with a specific ID is absent
// where its presence was required.
type EntityNotFoundError struct {
	EntityType string
	EntityID   string
}

// Error implements the error interface.
func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.EntityID)
}

// NewEntityNotFoundError creates a typed not-found error.
func NewEntityNotFoundError(entityType, entityID string) *EntityNotFoundError {
	return &EntityNotFoundError{EntityType: entityType, EntityID: entityID}
}

// DuplicateEntityError reports an identity conflict on create.
type DuplicateEntityError struct {
	EntityType string
	EntityID   string
}

// Error implements the error interface.
func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.EntityID)
}

// NewDuplicateEntityError creates a typed duplicate-identity error.
func NewDuplicateEntityError(entityType, entityID string) *DuplicateEntityError {
	return &DuplicateEntityError{EntityType: entityType, EntityID: entityID}
}

// RegistryError reports a repository registry misuse, such as re-registering
// an entity type with a different repository type or resolving in a missing
// scope.
type RegistryError struct {
	EntityType string
	Message    string
}

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.EntityType == "" {
		return "registry: " + e.Message
	}
	return fmt.Sprintf("registry %s: %s", e.EntityType, e.Message)
}

// NewRegistryError creates a registry error.
func NewRegistryError(entityType, message string) *RegistryError {
	return &RegistryError{EntityType: entityType, Message: message}
}

// IsNotFound reports whether err is (or wraps) an EntityNotFoundError.
func IsNotFound(err error) bool {
	var e *EntityNotFoundError
	return errors.As(err, &e)
}

// IsDuplicate reports whether err is (or wraps) a DuplicateEntityError.
func IsDuplicate(err error) bool {
	var e *DuplicateEntityError
	return errors.As(err, &e)
}

// wrapError wraps an unexpected error in a RepositoryError unless it is
// already part of the repository error taxonomy.
func wrapError(entityType, operation string, err error) error {
	if err == nil {
		return nil
	}
	var (
		repoErr *RepositoryError
		nfErr   *EntityNotFoundError
		dupErr  *DuplicateEntityError
	)
	if errors.As(err, &repoErr) || errors.As(err, &nfErr) || errors.As(err, &dupErr) {
		return err
	}
	return NewRepositoryError(entityType, operation, "operation failed", err)
}
