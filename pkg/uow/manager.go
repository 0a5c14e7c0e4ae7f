package uow

import (
	"context"
	"sync"
	"time"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/telemetry"
)

// completedHistorySize bounds the completed-transaction ring buffer.
const completedHistorySize = 100

// Record summarizes a completed transaction.
type Record struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// ManagerStats aggregates transaction outcomes. SuccessRate is the committed
// fraction of completed transactions, 0 when nothing has completed yet.
type ManagerStats struct {
	Active          int            `json:"active"`
	Completed       int            `json:"completed"`
	ByState         map[string]int `json:"by_state"`
	SuccessRate     float64        `json:"success_rate"`
	AverageDuration time.Duration  `json:"average_duration"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Store backs every transaction with a real session when set.
	Store repository.SessionStore

	// Timeout is the default per-transaction timeout.
	Timeout time.Duration

	Logger   *telemetry.Logger
	Recorder TransactionRecorder
	Tracer   *telemetry.Tracer
}

// Manager creates units of work, tracks the active set, and keeps a bounded
// history of completed transactions.
type Manager struct {
	store    repository.SessionStore
	timeout  time.Duration
	log      *telemetry.Logger
	recorder TransactionRecorder
	tracer   *telemetry.Tracer

	mu        sync.Mutex
	active    map[string]*UnitOfWork
	completed []Record
}

// NewManager creates a transaction manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	return &Manager{
		store:    opts.Store,
		timeout:  opts.Timeout,
		log:      opts.Logger.NewComponentLogger("uow.manager"),
		recorder: opts.Recorder,
		tracer:   opts.Tracer,
		active:   make(map[string]*UnitOfWork),
	}
}

// Begin creates and starts a new unit of work tracked by the manager.
func (m *Manager) Begin(ctx context.Context) (*UnitOfWork, error) {
	u := New(Options{
		Store:    m.store,
		Timeout:  m.timeout,
		Logger:   m.log,
		Recorder: m.recorder,
		Tracer:   m.tracer,
	})
	u.onComplete = m.transactionCompleted

	if err := u.Begin(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[u.ID()] = u
	m.mu.Unlock()
	return u, nil
}

// transactionCompleted moves the transaction from the active table into the
// bounded history.
func (m *Manager) transactionCompleted(u *UnitOfWork) {
	snap := u.GetSnapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, snap.ID)
	m.completed = append(m.completed, Record{
		ID:          snap.ID,
		State:       snap.State,
		StartedAt:   snap.StartedAt,
		CompletedAt: snap.StartedAt.Add(snap.Duration),
		Duration:    snap.Duration,
	})
	if len(m.completed) > completedHistorySize {
		m.completed = m.completed[len(m.completed)-completedHistorySize:]
	}
}

// Transaction runs fn inside a unit of work. The transaction commits when fn
// returns nil and rolls back when fn returns an error or panics; a panic is
// re-raised after rollback.
func (m *Manager) Transaction(ctx context.Context, fn func(ctx context.Context, u *UnitOfWork) error) error {
	u, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := u.Rollback(ctx); rbErr != nil {
				m.log.WithError(rbErr).Error("rollback after panic failed")
			}
			panic(r)
		}
	}()

	if err := fn(ctx, u); err != nil {
		if rbErr := u.Rollback(ctx); rbErr != nil {
			m.log.WithError(rbErr).Error("rollback failed")
		}
		return err
	}
	return u.Commit(ctx)
}

// ActiveCount returns the number of open transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// GetActiveTransaction returns a tracked open transaction by ID.
func (m *Manager) GetActiveTransaction(id string) (*UnitOfWork, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.active[id]
	return u, ok
}

// GetTransactionStats aggregates active and completed transaction outcomes.
func (m *Manager) GetTransactionStats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState := make(map[string]int)
	var total time.Duration
	for _, r := range m.completed {
		byState[string(r.State)]++
		total += r.Duration
	}
	stats := ManagerStats{
		Active:    len(m.active),
		Completed: len(m.completed),
		ByState:   byState,
	}
	if len(m.completed) > 0 {
		stats.SuccessRate = float64(byState[string(StateCommitted)]) / float64(len(m.completed))
		stats.AverageDuration = total / time.Duration(len(m.completed))
	}
	return stats
}

// RollbackAll force-rolls-back every active transaction. Intended for
// shutdown.
func (m *Manager) RollbackAll(ctx context.Context) {
	m.mu.Lock()
	open := make([]*UnitOfWork, 0, len(m.active))
	for _, u := range m.active {
		open = append(open, u)
	}
	m.mu.Unlock()

	for _, u := range open {
		if err := u.Rollback(ctx); err != nil {
			m.log.WithError(err).WithTransactionID(u.ID()).Warn("shutdown rollback failed")
		}
	}
}
