package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polystore/polystore/pkg/repository"
)

// EntityOp names a coordinated entity write.
type EntityOp string

const (
	EntityCreate EntityOp = "create"
	EntityUpdate EntityOp = "update"
	EntityDelete EntityOp = "delete"
)

// Valid reports whether op is a known entity operation.
func (op EntityOp) Valid() bool {
	switch op {
	case EntityCreate, EntityUpdate, EntityDelete:
		return true
	}
	return false
}

// EntityOperation describes one entity write applied across databases through
// the per-database repositories registered for the entity type.
type EntityOperation struct {
	// Op selects create, update, or delete.
	Op EntityOp

	// EntityType selects the repository factory.
	EntityType string

	// Entity carries the data to write. Delete only needs its ID.
	Entity repository.Entity

	// Databases restricts the operation to the named databases. Empty means
	// all healthy writable databases.
	Databases []string

	// Strategy selects the consistency model; defaults to BestEffort. Saga is
	// only supported for create, where the compensation is a delete.
	Strategy Strategy

	// Timeout bounds the whole operation. Zero means no deadline beyond the
	// caller's context.
	Timeout time.Duration
}

// ExecuteEntityOperation applies one entity write across databases under the
// chosen strategy, resolving a repository per target database.
func (c *Coordinator) ExecuteEntityOperation(ctx context.Context, op EntityOperation) (*TaskResult, error) {
	if !op.Op.Valid() {
		return nil, fmt.Errorf("unknown entity operation: %s", op.Op)
	}
	if op.EntityType == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	if op.Entity == nil {
		return nil, fmt.Errorf("entity is required")
	}

	task := Task{
		Name:      fmt.Sprintf("%s %s", op.Op, op.EntityType),
		Strategy:  op.Strategy,
		Databases: op.Databases,
		Timeout:   op.Timeout,
	}

	switch op.Op {
	case EntityCreate:
		// Assign the identity up front so a parallel fan-out writes the same
		// entity to every database.
		if op.Entity.EntityID() == "" {
			op.Entity.SetEntityID(uuid.New().String())
		}
		task.Operation = func(ctx context.Context, db *Database) error {
			repo, err := c.GetRepository(db.Name, op.EntityType)
			if err != nil {
				return err
			}
			_, err = repo.Create(ctx, op.Entity)
			return err
		}
		if op.Strategy == Saga {
			task.Compensation = func(ctx context.Context, db *Database) error {
				repo, err := c.GetRepository(db.Name, op.EntityType)
				if err != nil {
					return err
				}
				_, err = repo.Delete(ctx, op.Entity.EntityID())
				return err
			}
		}

	case EntityUpdate:
		if op.Strategy == Saga {
			return nil, fmt.Errorf("saga strategy cannot compensate an update")
		}
		if op.Entity.EntityID() == "" {
			return nil, fmt.Errorf("update requires an entity ID")
		}
		task.Operation = func(ctx context.Context, db *Database) error {
			repo, err := c.GetRepository(db.Name, op.EntityType)
			if err != nil {
				return err
			}
			_, err = repo.Update(ctx, op.Entity)
			return err
		}

	case EntityDelete:
		if op.Strategy == Saga {
			return nil, fmt.Errorf("saga strategy cannot compensate a delete")
		}
		if op.Entity.EntityID() == "" {
			return nil, fmt.Errorf("delete requires an entity ID")
		}
		task.Operation = func(ctx context.Context, db *Database) error {
			repo, err := c.GetRepository(db.Name, op.EntityType)
			if err != nil {
				return err
			}
			_, err = repo.Delete(ctx, op.Entity.EntityID())
			return err
		}
	}

	return c.ExecuteTask(ctx, task)
}
