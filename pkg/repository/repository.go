package repository

import (
	"context"
	"time"
)

// Entity is the minimal contract persisted objects implement. Identity is a
// string; repositories assign one on create when it is empty.
type Entity interface {
	// EntityID returns the entity identity, or "" when unassigned.
	EntityID() string

	// SetEntityID assigns the entity identity.
	SetEntityID(id string)
}

// Repository is the per-entity CRUD contract. Implementations wrap every
// unexpected failure into a RepositoryError carrying the entity type and
// operation, and increment an "{operation}_{success|error}" counter per call.
//
// Absence is not failure: GetByID returns (nil, nil) and Delete returns
// (false, nil) for missing entities; only the *OrFail variants produce typed
// not-found errors.
type Repository interface {
	// EntityType returns the logical entity type this repository manages.
	EntityType() string

	// Create persists a new entity, assigning an identity when absent.
	// It fails with a DuplicateEntityError on an identity conflict.
	Create(ctx context.Context, e Entity) (Entity, error)

	// GetByID returns the entity or (nil, nil) when absent.
	GetByID(ctx context.Context, id string) (Entity, error)

	// GetByIDOrFail returns the entity or an EntityNotFoundError.
	GetByIDOrFail(ctx context.Context, id string) (Entity, error)

	// Update persists an existing entity; it fails with an
	// EntityNotFoundError when the entity is absent.
	Update(ctx context.Context, e Entity) (Entity, error)

	// Delete removes the entity, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteOrFail removes the entity or fails with an EntityNotFoundError.
	DeleteOrFail(ctx context.Context, id string) error

	// List returns entities matching the filter with sort and windowing.
	List(ctx context.Context, filter Filter, sort []SortCriteria, limit, offset int) ([]Entity, error)

	// Count returns the number of entities matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Exists reports whether an entity with the given identity exists.
	Exists(ctx context.Context, id string) (bool, error)

	// ListPage returns one page plus computed pagination info. The requested
	// page size is clamped to the repository maximum.
	ListPage(ctx context.Context, filter Filter, sort []SortCriteria, page PageRequest) ([]Entity, PageInfo, error)

	// BatchCreate persists entities sequentially, one at a time. The batch is
	// not atomic: earlier items stay persisted when a later item fails.
	BatchCreate(ctx context.Context, entities []Entity) *BatchResult

	// BatchUpdate updates entities sequentially with the same partial-failure
	// semantics as BatchCreate.
	BatchUpdate(ctx context.Context, entities []Entity) *BatchResult

	// BatchDelete deletes by ID sequentially with the same partial-failure
	// semantics as BatchCreate. Absent IDs count as failures of kind
	// not-found only in the per-item errors, never as an overall error.
	BatchDelete(ctx context.Context, ids []string) *BatchResult

	// Counters returns a snapshot of the per-operation success/error counters.
	Counters() map[string]int64

	// Cleanup releases repository-scoped resources. The registry calls it
	// when a scope is cleared or the service shuts down.
	Cleanup(ctx context.Context) error
}

// BatchItemError records one failed item of a batch operation.
type BatchItemError struct {
	// Index is the position of the item in the input batch.
	Index int

	// EntityID is the identity of the failed item, when known.
	EntityID string

	// Err is the per-item failure.
	Err error
}

// BatchResult reports the outcome of a sequential, non-atomic batch.
type BatchResult struct {
	// Succeeded is the number of items that were persisted.
	Succeeded int

	// Failed is the number of items that failed.
	Failed int

	// Errors lists per-item failures in input order.
	Errors []BatchItemError

	// Entities holds the successfully processed entities (create/update only).
	Entities []Entity
}

// OK reports whether every item in the batch succeeded.
func (r *BatchResult) OK() bool {
	return r.Failed == 0
}

// MetricsRecorder receives repository operation outcomes. The telemetry
// package provides a Prometheus-backed implementation; a nil recorder
// disables recording.
type MetricsRecorder interface {
	RecordRepositoryOperation(entityType, operation, status string, duration time.Duration)
}
