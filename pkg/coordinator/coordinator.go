package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/telemetry"
)

// taskHistorySize bounds the completed-task ring buffer.
const taskHistorySize = 100

// RepositoryFactory builds a repository for one entity type against a
// specific database.
type RepositoryFactory func(db *Database) (repository.Repository, error)

// CoordinationRecorder receives task and health outcomes.
// telemetry.Metrics satisfies it.
type CoordinationRecorder interface {
	RecordCoordinationTask(strategy, status string, duration time.Duration)
	SetDatabaseHealth(database, dbType string, healthy bool)
}

// CoordinationError wraps a cross-database task failure.
type CoordinationError struct {
	TaskID   string
	Strategy Strategy
	Message  string
	Err      error
}

func (e *CoordinationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("coordination task %s (%s): %s: %v", e.TaskID, e.Strategy, e.Message, e.Err)
	}
	return fmt.Sprintf("coordination task %s (%s): %s", e.TaskID, e.Strategy, e.Message)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// Stats aggregates task outcomes across the coordinator's history.
type Stats struct {
	Databases  int            `json:"databases"`
	Healthy    int            `json:"healthy"`
	TotalTasks int            `json:"total_tasks"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	ByStrategy map[string]int `json:"by_strategy"`
}

// Options configures a Coordinator.
type Options struct {
	Logger   *telemetry.Logger
	Recorder CoordinationRecorder
	Tracer   *telemetry.Tracer
}

// Coordinator routes repositories across registered databases and executes
// cross-database tasks under a chosen consistency strategy.
type Coordinator struct {
	log      *telemetry.Logger
	recorder CoordinationRecorder
	tracer   *telemetry.Tracer

	mu        sync.RWMutex
	databases map[string]*Database
	factories map[string]RepositoryFactory
	repos     map[string]repository.Repository
	history   []TaskResult
}

// New creates an empty coordinator.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	return &Coordinator{
		log:       opts.Logger.NewComponentLogger("coordinator"),
		recorder:  opts.Recorder,
		tracer:    opts.Tracer,
		databases: make(map[string]*Database),
		factories: make(map[string]RepositoryFactory),
		repos:     make(map[string]repository.Repository),
	}
}

// RegisterDatabase adds a backend. A freshly registered database is assumed
// healthy until the first health check says otherwise.
func (c *Coordinator) RegisterDatabase(db *Database) error {
	if db == nil || db.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if db.Store == nil {
		return fmt.Errorf("database %s: store is required", db.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.databases[db.Name]; ok {
		return fmt.Errorf("database %s already registered", db.Name)
	}
	db.setHealthy(true)
	c.databases[db.Name] = db
	c.log.WithDatabase(db.Name).WithField("type", db.Type).Info("database registered")
	return nil
}

// RegisterRepositoryFactory binds an entity type to a per-database
// repository factory.
func (c *Coordinator) RegisterRepositoryFactory(entityType string, factory RepositoryFactory) error {
	if entityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if factory == nil {
		return fmt.Errorf("factory is required for %s", entityType)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[entityType]; ok {
		return fmt.Errorf("repository factory for %s already registered", entityType)
	}
	c.factories[entityType] = factory
	return nil
}

// GetDatabase returns a registered database by name.
func (c *Coordinator) GetDatabase(name string) (*Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.databases[name]
	if !ok {
		return nil, fmt.Errorf("database %s not registered", name)
	}
	return db, nil
}

// GetRepository resolves (and caches) the repository for an entity type on a
// specific database.
func (c *Coordinator) GetRepository(dbName, entityType string) (repository.Repository, error) {
	key := dbName + "/" + entityType

	c.mu.RLock()
	repo, ok := c.repos[key]
	c.mu.RUnlock()
	if ok {
		return repo, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if repo, ok := c.repos[key]; ok {
		return repo, nil
	}
	db, ok := c.databases[dbName]
	if !ok {
		return nil, fmt.Errorf("database %s not registered", dbName)
	}
	factory, ok := c.factories[entityType]
	if !ok {
		return nil, fmt.Errorf("no repository factory for %s", entityType)
	}
	repo, err := factory(db)
	if err != nil {
		return nil, fmt.Errorf("build repository %s on %s: %w", entityType, dbName, err)
	}
	c.repos[key] = repo
	return repo, nil
}

// GetPreferredReadDatabase returns the healthy database with the highest
// priority, restricted to the given database type when dbType is non-empty.
// Ties break on name for determinism.
func (c *Coordinator) GetPreferredReadDatabase(dbType string) (*Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Database
	for _, db := range sortedDatabases(c.databases) {
		if !db.Healthy() {
			continue
		}
		if dbType != "" && db.Type != dbType {
			continue
		}
		if best == nil || db.Priority > best.Priority {
			best = db
		}
	}
	if best == nil {
		if dbType != "" {
			return nil, fmt.Errorf("no healthy %s database available", dbType)
		}
		return nil, fmt.Errorf("no healthy database available")
	}
	return best, nil
}

// GetWriteDatabases returns all healthy writable databases ordered by
// priority, highest first, restricted to the given database type when dbType
// is non-empty.
func (c *Coordinator) GetWriteDatabases(dbType string) []*Database {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Database
	for _, db := range sortedDatabases(c.databases) {
		if !db.Healthy() || db.ReadOnly {
			continue
		}
		if dbType != "" && db.Type != dbType {
			continue
		}
		out = append(out, db)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// ListDatabases returns a snapshot of all registrations sorted by name.
func (c *Coordinator) ListDatabases() []DatabaseInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]DatabaseInfo, 0, len(c.databases))
	for _, db := range sortedDatabases(c.databases) {
		infos = append(infos, db.Info())
	}
	return infos
}

func sortedDatabases(m map[string]*Database) []*Database {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Database, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

// CheckDatabaseHealth pings every registered database and updates their
// health state.
func (c *Coordinator) CheckDatabaseHealth(ctx context.Context) map[string]bool {
	c.mu.RLock()
	databases := sortedDatabases(c.databases)
	c.mu.RUnlock()

	results := make(map[string]bool, len(databases))
	for _, db := range databases {
		err := db.Store.HealthCheck(ctx)
		healthy := err == nil
		db.setHealthy(healthy)
		results[db.Name] = healthy
		if c.recorder != nil {
			c.recorder.SetDatabaseHealth(db.Name, db.Type, healthy)
		}
		if !healthy {
			c.log.WithDatabase(db.Name).WithError(err).Warn("database unhealthy")
		}
	}
	return results
}

// ExecuteTask runs a cross-database task under its strategy and records the
// outcome. The returned result carries per-database entries even on failure;
// the error is non-nil whenever the task did not fully succeed.
func (c *Coordinator) ExecuteTask(ctx context.Context, task Task) (*TaskResult, error) {
	if task.Operation == nil {
		return nil, fmt.Errorf("task operation is required")
	}
	if task.Strategy == "" {
		task.Strategy = BestEffort
	}
	if !task.Strategy.Valid() {
		return nil, fmt.Errorf("unknown coordination strategy: %s", task.Strategy)
	}
	if task.Strategy == Saga && task.Compensation == nil {
		return nil, fmt.Errorf("saga tasks require a compensation")
	}

	targets, err := c.resolveTargets(task.Databases)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no target databases for task")
	}

	// Tasks carry no built-in deadline; callers who need one set Timeout or
	// bound the context themselves.
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	result := &TaskResult{
		TaskID:    uuid.New().String(),
		Name:      task.Name,
		Strategy:  task.Strategy,
		Databases: make(map[string]DatabaseResult, len(targets)),
		StartedAt: time.Now(),
	}
	ctx, span := c.tracer.StartCoordinationSpan(ctx, result.TaskID, task.Name, string(task.Strategy))
	log := c.log.WithTaskID(result.TaskID).WithField("strategy", string(task.Strategy))
	log.Debug("coordination task started")

	var execErr error
	switch task.Strategy {
	case TwoPhaseCommit:
		execErr = c.executeTwoPhase(ctx, task, targets, result)
	case Saga:
		execErr = c.executeSaga(ctx, task, targets, result)
	default:
		execErr = c.executeBestEffort(ctx, task, targets, result)
	}

	result.Duration = time.Since(result.StartedAt)
	result.Success = execErr == nil
	telemetry.EndSpan(span, execErr)

	status := "success"
	if execErr != nil {
		status = "failure"
		log.WithError(execErr).Warn("coordination task failed")
	} else {
		log.Debug("coordination task completed")
	}
	if c.recorder != nil {
		c.recorder.RecordCoordinationTask(string(task.Strategy), status, result.Duration)
	}
	c.recordResult(*result)

	if execErr != nil {
		return result, &CoordinationError{TaskID: result.TaskID, Strategy: task.Strategy, Message: "task failed", Err: execErr}
	}
	return result, nil
}

// resolveTargets maps task database names to registrations, defaulting to
// all healthy writable databases.
func (c *Coordinator) resolveTargets(names []string) ([]*Database, error) {
	if len(names) == 0 {
		return c.GetWriteDatabases(""), nil
	}
	targets := make([]*Database, 0, len(names))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range names {
		db, ok := c.databases[name]
		if !ok {
			return nil, fmt.Errorf("database %s not registered", name)
		}
		targets = append(targets, db)
	}
	return targets, nil
}

func runStep(ctx context.Context, db *Database, op Operation) DatabaseResult {
	start := time.Now()
	err := op(ctx, db)
	r := DatabaseResult{
		Database: db.Name,
		Status:   StatusSuccess,
		Duration: time.Since(start),
	}
	if err != nil {
		r.Status = StatusError
		r.Error = err.Error()
	}
	return r
}

// executeTwoPhase prepares the operation on every database inside a session
// and commits only after all preparations succeeded. Databases without
// session support participate with their operation result as the vote; their
// writes cannot be undone on abort, which is logged. On any failure every
// other prepared database is reported aborted; only the failing one keeps an
// error status.
func (c *Coordinator) executeTwoPhase(ctx context.Context, task Task, targets []*Database, result *TaskResult) error {
	type prepared struct {
		db      *Database
		session repository.Session
	}

	// abort undoes the given prepared participants in reverse order and marks
	// each one aborted.
	abort := func(ps []prepared) {
		for i := len(ps) - 1; i >= 0; i-- {
			p := ps[i]
			r := result.Databases[p.db.Name]
			r.Status = StatusAborted
			result.Databases[p.db.Name] = r
			if p.session == nil {
				c.log.WithDatabase(p.db.Name).Warn("cannot roll back non-transactional database")
				continue
			}
			if err := p.session.Rollback(ctx); err != nil {
				c.log.WithDatabase(p.db.Name).WithError(err).Error("rollback failed")
			}
			_ = p.session.Close(ctx)
		}
	}

	// closeFailed discards the session of the participant that caused the
	// abort. Its result keeps the error status.
	closeFailed := func(db *Database, session repository.Session) {
		if session == nil {
			return
		}
		if err := session.Rollback(ctx); err != nil {
			c.log.WithDatabase(db.Name).WithError(err).Error("rollback failed")
		}
		_ = session.Close(ctx)
	}

	var open []prepared

	// Phase 1: prepare.
	for _, db := range targets {
		var session repository.Session
		if ss, ok := db.SessionStore(); ok {
			s, err := ss.StartSession(ctx)
			if err == nil {
				if err = s.Begin(ctx); err != nil {
					_ = s.Close(ctx)
				}
			}
			if err != nil {
				result.Databases[db.Name] = DatabaseResult{Database: db.Name, Status: StatusError, Error: err.Error()}
				abort(open)
				return fmt.Errorf("prepare %s: %w", db.Name, err)
			}
			session = s
		}

		r := runStep(ctx, db, task.Operation)
		result.Databases[db.Name] = r
		if r.Status != StatusSuccess {
			closeFailed(db, session)
			abort(open)
			return fmt.Errorf("prepare %s: %s", db.Name, r.Error)
		}
		open = append(open, prepared{db: db, session: session})
	}

	// Phase 2: commit.
	for i, p := range open {
		if p.session == nil {
			continue
		}
		if err := p.session.Commit(ctx); err != nil {
			r := result.Databases[p.db.Name]
			r.Status = StatusError
			r.Error = err.Error()
			result.Databases[p.db.Name] = r
			closeFailed(p.db, p.session)

			// Participants before i already committed; their writes stand but
			// the task did not apply everywhere, so they report aborted.
			for _, done := range open[:i] {
				dr := result.Databases[done.db.Name]
				dr.Status = StatusAborted
				result.Databases[done.db.Name] = dr
				if done.session == nil {
					c.log.WithDatabase(done.db.Name).Warn("cannot roll back non-transactional database")
				} else {
					c.log.WithDatabase(done.db.Name).Warn("commit already applied, cannot roll back")
				}
			}
			abort(open[i+1:])
			return fmt.Errorf("commit %s: %w", p.db.Name, err)
		}
		_ = p.session.Close(ctx)
	}
	return nil
}

// executeSaga applies the operation sequentially and compensates completed
// databases in reverse order on the first failure. Compensation failures are
// collected but do not stop the remaining compensations.
func (c *Coordinator) executeSaga(ctx context.Context, task Task, targets []*Database, result *TaskResult) error {
	var completed []*Database
	for _, db := range targets {
		r := runStep(ctx, db, task.Operation)
		result.Databases[db.Name] = r
		if r.Status != StatusSuccess {
			for i := len(completed) - 1; i >= 0; i-- {
				cr := result.Databases[completed[i].Name]
				cr.Status = StatusAborted
				result.Databases[completed[i].Name] = cr
				if cerr := task.Compensation(ctx, completed[i]); cerr != nil {
					c.log.WithDatabase(completed[i].Name).WithError(cerr).Error("saga compensation failed")
				}
			}
			return fmt.Errorf("operation on %s: %s", db.Name, r.Error)
		}
		completed = append(completed, db)
	}
	return nil
}

// executeBestEffort fans the operation out to every database in parallel and
// joins the results. No rollback is attempted; the per-database entries
// record partial success.
func (c *Coordinator) executeBestEffort(ctx context.Context, task Task, targets []*Database, result *TaskResult) error {
	results := make([]DatabaseResult, len(targets))
	var wg sync.WaitGroup
	for i, db := range targets {
		wg.Add(1)
		go func(i int, db *Database) {
			defer wg.Done()
			results[i] = runStep(ctx, db, task.Operation)
		}(i, db)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		result.Databases[r.Database] = r
		if r.Status != StatusSuccess {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d databases failed", failed, len(targets))
	}
	return nil
}

func (c *Coordinator) recordResult(r TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, r)
	if len(c.history) > taskHistorySize {
		c.history = c.history[len(c.history)-taskHistorySize:]
	}
}

// History returns the retained task results, oldest first.
func (c *Coordinator) History() []TaskResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TaskResult, len(c.history))
	copy(out, c.history)
	return out
}

// GetCoordinationStats aggregates outcomes across the retained history.
func (c *Coordinator) GetCoordinationStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Databases:  len(c.databases),
		ByStrategy: make(map[string]int),
	}
	for _, db := range c.databases {
		if db.Healthy() {
			stats.Healthy++
		}
	}
	for _, r := range c.history {
		stats.TotalTasks++
		stats.ByStrategy[string(r.Strategy)]++
		if r.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	return stats
}

// Close closes every registered database store. Errors are logged and the
// last one is returned.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	databases := sortedDatabases(c.databases)
	c.databases = make(map[string]*Database)
	c.repos = make(map[string]repository.Repository)
	c.mu.Unlock()

	var last error
	for _, db := range databases {
		if err := db.Store.Close(); err != nil {
			c.log.WithDatabase(db.Name).WithError(err).Error("close failed")
			last = err
		}
	}
	return last
}
