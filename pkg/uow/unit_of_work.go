package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/telemetry"
)

// State is a transaction lifecycle state.
type State string

const (
	StateInactive    State = "inactive"
	StateActive      State = "active"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// ErrTimedOut is returned from Commit when the watchdog already rolled the
// transaction back.
var ErrTimedOut = errors.New("transaction timed out and was rolled back")

// TransactionError wraps a failure in a transaction lifecycle operation.
type TransactionError struct {
	TransactionID string
	State         State
	Message       string
	Err           error
}

func (e *TransactionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction %s (%s): %s: %v", e.TransactionID, e.State, e.Message, e.Err)
	}
	return fmt.Sprintf("transaction %s (%s): %s", e.TransactionID, e.State, e.Message)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Compensation undoes one already-applied side effect during rollback.
type Compensation func(ctx context.Context) error

// TransactionRecorder receives transaction lifecycle events.
// telemetry.Metrics satisfies it.
type TransactionRecorder interface {
	RecordTransactionStarted()
	RecordTransactionCompleted(status string, duration time.Duration)
}

// Snapshot is a point-in-time view of one transaction.
type Snapshot struct {
	ID            string        `json:"id"`
	State         State         `json:"state"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Compensations int           `json:"compensations"`
}

// UnitOfWork is a single transaction boundary. It drives one session per
// enlisted session-capable store through begin/commit/rollback, holds
// compensation actions that run in reverse registration order on rollback,
// and is guarded by a watchdog that rolls back when the timeout elapses
// before commit.
//
// State transitions are strict: inactive -> active -> committing -> committed,
// or active -> rolling_back -> rolled_back, with failed as the terminal state
// for unrecoverable errors. Rollback of an already rolled back transaction is
// a no-op.
type UnitOfWork struct {
	id      string
	timeout time.Duration

	mu            sync.Mutex
	state         State
	repos         map[string]repository.Repository
	sessionStores []repository.SessionStore
	sessions      []repository.Session
	compensations []Compensation
	startedAt     time.Time
	completedAt   time.Time
	watchdog      *time.Timer
	timedOut      bool

	log        *telemetry.Logger
	recorder   TransactionRecorder
	tracer     *telemetry.Tracer
	span       trace.Span
	onComplete func(*UnitOfWork)
}

// Options configures a UnitOfWork.
type Options struct {
	// Store, when set, backs the unit of work with a real session so commit
	// and rollback reach the database. Without it the unit of work still
	// tracks state and compensations.
	Store repository.SessionStore

	// Timeout bounds how long the transaction may stay active; defaults to
	// 30 seconds.
	Timeout time.Duration

	Logger   *telemetry.Logger
	Recorder TransactionRecorder
	Tracer   *telemetry.Tracer
}

// New creates an inactive unit of work.
func New(opts Options) *UnitOfWork {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	id := uuid.New().String()
	u := &UnitOfWork{
		id:       id,
		timeout:  opts.Timeout,
		state:    StateInactive,
		repos:    make(map[string]repository.Repository),
		log:      opts.Logger.NewComponentLogger("uow").WithTransactionID(id),
		recorder: opts.Recorder,
		tracer:   opts.Tracer,
	}
	if opts.Store != nil {
		u.sessionStores = append(u.sessionStores, opts.Store)
	}
	return u
}

// AddRepository enlists a repository in the transaction. Only legal while the
// transaction is inactive; when the repository's backend supports sessions it
// joins the set of stores opened on Begin.
func (u *UnitOfWork) AddRepository(name string, repo repository.Repository) error {
	if name == "" || repo == nil {
		return &TransactionError{TransactionID: u.id, State: u.State(), Message: "repository name and instance are required"}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateInactive {
		return &TransactionError{TransactionID: u.id, State: u.state, Message: "repositories can only be added before begin"}
	}
	if _, ok := u.repos[name]; ok {
		return &TransactionError{TransactionID: u.id, State: u.state, Message: fmt.Sprintf("repository %s already added", name)}
	}
	u.repos[name] = repo

	if sb, ok := repo.(interface{ Store() repository.Store }); ok {
		if ss, ok := sb.Store().(repository.SessionStore); ok {
			for _, existing := range u.sessionStores {
				if existing == ss {
					return nil
				}
			}
			u.sessionStores = append(u.sessionStores, ss)
		}
	}
	return nil
}

// GetRepository returns an enlisted repository by name.
func (u *UnitOfWork) GetRepository(name string) (repository.Repository, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	repo, ok := u.repos[name]
	return repo, ok
}

// ID returns the transaction identifier.
func (u *UnitOfWork) ID() string {
	return u.id
}

// State returns the current lifecycle state.
func (u *UnitOfWork) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// IsActive reports whether the transaction is open for work.
func (u *UnitOfWork) IsActive() bool {
	return u.State() == StateActive
}

// Begin opens the transaction. It starts one session per enlisted
// session-capable store and arms the watchdog timer.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != StateInactive {
		return &TransactionError{TransactionID: u.id, State: u.state, Message: "begin requires an inactive transaction"}
	}

	for _, store := range u.sessionStores {
		session, err := store.StartSession(ctx)
		if err == nil {
			err = session.Begin(ctx)
			if err != nil {
				_ = session.Close(ctx)
			}
		}
		if err != nil {
			for _, open := range u.sessions {
				_ = open.Rollback(ctx)
				_ = open.Close(ctx)
			}
			u.sessions = nil
			u.state = StateFailed
			return &TransactionError{TransactionID: u.id, State: u.state, Message: "begin session", Err: err}
		}
		u.sessions = append(u.sessions, session)
	}

	u.state = StateActive
	u.startedAt = time.Now()
	_, u.span = u.tracer.StartTransactionSpan(ctx, u.id)
	u.watchdog = time.AfterFunc(u.timeout, u.watchdogFired)
	if u.recorder != nil {
		u.recorder.RecordTransactionStarted()
	}
	u.log.Debug("transaction started")
	return nil
}

// watchdogFired rolls back a transaction that outlived its timeout. It runs
// on the timer goroutine with a background context so compensations are not
// cut short by an already-cancelled caller context.
func (u *UnitOfWork) watchdogFired() {
	u.mu.Lock()
	if u.state != StateActive {
		u.mu.Unlock()
		return
	}
	u.timedOut = true
	u.mu.Unlock()

	u.log.WithField("timeout", u.timeout.String()).Warn("transaction timed out, rolling back")
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()
	if err := u.Rollback(ctx); err != nil {
		u.log.WithError(err).Error("watchdog rollback failed")
	}
}

// RegisterCompensation queues an undo action. Compensations run in reverse
// registration order during rollback. Registration is only allowed while the
// transaction is active.
func (u *UnitOfWork) RegisterCompensation(fn Compensation) error {
	if fn == nil {
		return &TransactionError{TransactionID: u.id, State: u.State(), Message: "compensation must not be nil"}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateActive {
		return &TransactionError{TransactionID: u.id, State: u.state, Message: "compensations require an active transaction"}
	}
	u.compensations = append(u.compensations, fn)
	return nil
}

// Commit finalizes the transaction. A commit failure triggers an automatic
// rollback with compensations and leaves the transaction failed.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.timedOut {
		u.mu.Unlock()
		return ErrTimedOut
	}
	if u.state != StateActive {
		state := u.state
		u.mu.Unlock()
		return &TransactionError{TransactionID: u.id, State: state, Message: "commit requires an active transaction"}
	}
	u.state = StateCommitting
	u.stopWatchdog()
	sessions := u.sessions
	u.mu.Unlock()

	// Sessions commit in registration order. A failure rolls back the
	// sessions that have not committed yet; already-committed ones cannot be
	// undone.
	for i, session := range sessions {
		if err := session.Commit(ctx); err != nil {
			u.log.WithError(err).Error("commit failed, rolling back")
			rbErr := u.doRollback(ctx, sessions[i:], StateFailed)
			if rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return &TransactionError{TransactionID: u.id, State: StateFailed, Message: "commit", Err: err}
		}
		_ = session.Close(ctx)
	}

	u.finish(StateCommitted)
	u.log.Debug("transaction committed")
	return nil
}

// Rollback aborts the transaction and runs compensations in reverse order.
// Every compensation runs even when earlier ones fail; their errors are
// joined. Rolling back a transaction that already rolled back is a no-op.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	switch u.state {
	case StateRolledBack:
		u.mu.Unlock()
		return nil
	case StateCommitted:
		u.mu.Unlock()
		return &TransactionError{TransactionID: u.id, State: StateCommitted, Message: "cannot roll back a committed transaction"}
	case StateActive, StateFailed:
	default:
		state := u.state
		u.mu.Unlock()
		return &TransactionError{TransactionID: u.id, State: state, Message: "rollback requires an active transaction"}
	}
	u.state = StateRollingBack
	u.stopWatchdog()
	sessions := u.sessions
	u.mu.Unlock()

	return u.doRollback(ctx, sessions, StateRolledBack)
}

// doRollback runs compensations, rolls back the given sessions, and moves
// the transaction to the given terminal state. The caller must already have
// transitioned out of active.
func (u *UnitOfWork) doRollback(ctx context.Context, sessions []repository.Session, terminal State) error {
	var errs []error

	u.mu.Lock()
	compensations := u.compensations
	u.compensations = nil
	u.mu.Unlock()

	// Compensations undo application-level side effects and run before the
	// session rollback, in reverse registration order.
	for i := len(compensations) - 1; i >= 0; i-- {
		if err := compensations[i](ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensation %d: %w", i, err))
		}
	}

	for _, session := range sessions {
		if err := session.Rollback(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session rollback: %w", err))
		}
		_ = session.Close(ctx)
	}

	u.finish(terminal)
	if len(errs) > 0 {
		u.log.WithError(errors.Join(errs...)).Error("rollback completed with errors")
		return &TransactionError{TransactionID: u.id, State: terminal, Message: "rollback", Err: errors.Join(errs...)}
	}
	u.log.Debug("transaction rolled back")
	return nil
}

// stopWatchdog must be called with the mutex held.
func (u *UnitOfWork) stopWatchdog() {
	if u.watchdog != nil {
		u.watchdog.Stop()
		u.watchdog = nil
	}
}

func (u *UnitOfWork) finish(terminal State) {
	u.mu.Lock()
	u.state = terminal
	u.completedAt = time.Now()
	duration := u.completedAt.Sub(u.startedAt)
	onComplete := u.onComplete
	span := u.span
	u.span = nil
	u.mu.Unlock()

	if span != nil {
		var outcome error
		if terminal != StateCommitted {
			outcome = fmt.Errorf("transaction %s", terminal)
		}
		telemetry.EndSpan(span, outcome)
	}
	if u.recorder != nil {
		u.recorder.RecordTransactionCompleted(string(terminal), duration)
	}
	if onComplete != nil {
		onComplete(u)
	}
}

// GetSnapshot returns a point-in-time view of the transaction.
func (u *UnitOfWork) GetSnapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	duration := time.Duration(0)
	if !u.startedAt.IsZero() {
		end := u.completedAt
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(u.startedAt)
	}
	return Snapshot{
		ID:            u.id,
		State:         u.state,
		StartedAt:     u.startedAt,
		Duration:      duration,
		Compensations: len(u.compensations),
	}
}
