package coordinator

import (
	"context"
	"time"
)

// Strategy selects the consistency model for a cross-database task.
type Strategy string

const (
	// TwoPhaseCommit applies the operation on every database inside a
	// session and commits only after all of them succeeded.
	TwoPhaseCommit Strategy = "two_phase_commit"

	// Saga applies the operation sequentially and runs compensations in
	// reverse order on failure.
	Saga Strategy = "saga"

	// BestEffort applies the operation on every database in parallel and
	// reports per-database outcomes without any rollback.
	BestEffort Strategy = "best_effort"
)

// Valid reports whether the strategy is a known value.
func (s Strategy) Valid() bool {
	switch s {
	case TwoPhaseCommit, Saga, BestEffort:
		return true
	}
	return false
}

// Operation is the per-database work of a task.
type Operation func(ctx context.Context, db *Database) error

// Compensation undoes an already-applied operation on one database during a
// saga rollback.
type Compensation func(ctx context.Context, db *Database) error

// Task describes one cross-database operation.
type Task struct {
	// Name labels the task in logs and results.
	Name string

	// Strategy selects the consistency model; defaults to BestEffort.
	Strategy Strategy

	// Databases restricts the task to the named databases. Empty means all
	// healthy writable databases.
	Databases []string

	// Operation runs once per database.
	Operation Operation

	// Compensation undoes the operation; required for Saga, ignored
	// otherwise.
	Compensation Compensation

	// Timeout bounds the whole task. Zero means no deadline beyond the
	// caller's context.
	Timeout time.Duration
}

// Status is the per-database outcome of a task.
type Status string

const (
	// StatusSuccess means the operation applied and, under two-phase commit,
	// its session committed.
	StatusSuccess Status = "success"

	// StatusError means the operation or its commit failed on this database.
	StatusError Status = "error"

	// StatusAborted means the operation succeeded here but was undone, or its
	// commit never ran, because another database failed.
	StatusAborted Status = "aborted"
)

// DatabaseResult is the outcome of a task on one database.
type DatabaseResult struct {
	Database string        `json:"database"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TaskResult is the aggregate outcome of one task.
type TaskResult struct {
	TaskID    string                    `json:"task_id"`
	Name      string                    `json:"name"`
	Strategy  Strategy                  `json:"strategy"`
	Success   bool                      `json:"success"`
	Databases map[string]DatabaseResult `json:"databases"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`
}
