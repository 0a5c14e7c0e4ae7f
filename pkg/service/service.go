package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polystore/polystore/pkg/cache"
	"github.com/polystore/polystore/pkg/config"
	"github.com/polystore/polystore/pkg/coordinator"
	"github.com/polystore/polystore/pkg/query"
	"github.com/polystore/polystore/pkg/registry"
	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/stores"
	"github.com/polystore/polystore/pkg/telemetry"
	"github.com/polystore/polystore/pkg/uow"
)

// HealthStatus is the aggregate health of the service.
type HealthStatus struct {
	Healthy            bool            `json:"healthy"`
	Databases          map[string]bool `json:"databases"`
	ActiveTransactions int             `json:"active_transactions"`
}

// Metrics is a point-in-time view across all subsystems.
type Metrics struct {
	Uptime       time.Duration     `json:"uptime"`
	Registry     registry.Stats    `json:"registry"`
	Transactions uow.ManagerStats  `json:"transactions"`
	Coordination coordinator.Stats `json:"coordination"`
}

// Options configures a Service.
type Options struct {
	Settings *config.Settings
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// Service is the composition root for the data-access stack. Build it with
// New, call Start to bring up stores and background loops, register entity
// types, and Shutdown when done.
type Service struct {
	settings *config.Settings
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	registry     *registry.Registry
	coordinator  *coordinator.Coordinator
	transactions *uow.Manager
	cacheBackend cache.Cache

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires the subsystems from settings. Stores are not opened until Start.
func New(opts Options) (*Service, error) {
	if opts.Settings == nil {
		opts.Settings = config.Default()
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}

	s := &Service{
		settings: opts.Settings,
		log:      opts.Logger.NewComponentLogger("service"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		registry: registry.New(opts.Logger),
		coordinator: coordinator.New(coordinator.Options{
			Logger:   opts.Logger,
			Recorder: recorderOrNil(opts.Metrics),
			Tracer:   opts.Tracer,
		}),
		cacheBackend: cache.NewMemoryCache(),
	}
	return s, nil
}

// recorderOrNil avoids storing a typed nil inside an interface value.
func recorderOrNil(m *telemetry.Metrics) coordinator.CoordinationRecorder {
	if m == nil {
		return nil
	}
	return m
}

// Start opens every configured store, registers it with the coordinator, and
// launches the health check loop. The first functional store becomes the
// session backend for transactions.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}

	var sessionStore repository.SessionStore
	for _, dbCfg := range s.settings.Databases {
		store, err := s.buildStore(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("database %s: %w", dbCfg.Name, err)
		}
		if err := s.coordinator.RegisterDatabase(&coordinator.Database{
			Name:     dbCfg.Name,
			Type:     dbCfg.Type,
			Store:    store,
			Priority: dbCfg.Priority,
			ReadOnly: dbCfg.ReadOnly,
		}); err != nil {
			return err
		}
		if sessionStore == nil && !dbCfg.ReadOnly {
			if ss, ok := store.(repository.SessionStore); ok {
				sessionStore = ss
			}
		}
	}

	var txRecorder uow.TransactionRecorder
	if s.metrics != nil {
		txRecorder = s.metrics
	}
	s.transactions = uow.NewManager(uow.ManagerOptions{
		Store:    sessionStore,
		Timeout:  s.settings.Transactions.Timeout.Duration(),
		Logger:   s.log,
		Recorder: txRecorder,
		Tracer:   s.tracer,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.healthLoop(loopCtx)
	if s.metrics != nil {
		s.wg.Add(1)
		go s.metricsLoop(loopCtx)
	}

	if s.settings.Metrics.Enabled && s.metrics != nil {
		if err := s.metrics.StartMetricsServer(s.log); err != nil {
			cancel()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.started = true
	s.startedAt = time.Now()
	s.log.WithField("databases", len(s.settings.Databases)).Info("service started")
	return nil
}

func (s *Service) buildStore(ctx context.Context, dbCfg config.DatabaseSettings) (repository.Store, error) {
	switch dbCfg.Type {
	case "memory":
		return stores.NewMemoryStore(dbCfg.Name), nil
	case "sqlite":
		store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: dbCfg.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", dbCfg.Type)
	}
}

// openTransactionWarnThreshold is the active-transaction count above which
// the health loop starts warning.
const openTransactionWarnThreshold = 100

// healthLoop periodically refreshes database health until shutdown.
func (s *Service) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.settings.Coordination.HealthCheckInterval.Duration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// metricsLoop periodically publishes service-level gauges until shutdown.
func (s *Service) metricsLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.settings.Metrics.RefreshInterval.Duration()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishMetrics()
		}
	}
}

func (s *Service) publishMetrics() {
	m := s.GetServiceMetrics()
	s.metrics.SetServiceStats(m.Uptime, m.Registry.Registrations, m.Transactions.SuccessRate)
}

func (s *Service) checkOnce(ctx context.Context) {
	s.coordinator.CheckDatabaseHealth(ctx)
	if s.transactions != nil {
		if open := s.transactions.ActiveCount(); open > openTransactionWarnThreshold {
			s.log.WithField("active_transactions", open).Warn("excessive open transactions")
		}
	}
}

// RegisterEntity wires an entity type end to end: a per-database repository
// factory on the coordinator and a registry entry resolving against the
// preferred read database, wrapped with the cache decorator when caching is
// enabled.
func (s *Service) RegisterEntity(entityType, collection string, newEntity func() repository.Entity, lifetime registry.Lifetime) error {
	if newEntity == nil {
		return fmt.Errorf("entity factory is required for %s", entityType)
	}

	var metricsRecorder repository.MetricsRecorder
	if s.metrics != nil {
		metricsRecorder = s.metrics
	}

	err := s.coordinator.RegisterRepositoryFactory(entityType, func(db *coordinator.Database) (repository.Repository, error) {
		return repository.NewBaseRepository(db.Store, repository.Config{
			EntityType: entityType,
			Collection: collection,
			NewEntity:  newEntity,
			Metrics:    metricsRecorder,
			Logger:     s.log,
			Tracer:     s.tracer,
		})
	})
	if err != nil {
		return err
	}

	return s.registry.Register(entityType, func() (repository.Repository, error) {
		db, err := s.coordinator.GetPreferredReadDatabase("")
		if err != nil {
			return nil, err
		}
		repo, err := s.coordinator.GetRepository(db.Name, entityType)
		if err != nil {
			return nil, err
		}
		if !s.settings.Cache.Enabled {
			return repo, nil
		}
		var cacheRecorder cache.OperationRecorder
		if s.metrics != nil {
			cacheRecorder = s.metrics
		}
		return cache.NewCachedRepository(repo, s.cacheBackend, cache.Options{
			Strategy:     cache.Strategy(s.settings.Cache.Strategy),
			Invalidation: cache.InvalidationPolicy(s.settings.Cache.Invalidation),
			TTL:          s.settings.Cache.TTL.Duration(),
			Prefix:       s.settings.Cache.Prefix,
			NewEntity:    newEntity,
			Logger:       s.log,
			Recorder:     cacheRecorder,
		})
	}, lifetime)
}

// GetRepository resolves a repository through the registry.
func (s *Service) GetRepository(entityType string) (repository.Repository, error) {
	return s.registry.GetRepository(entityType)
}

// Query starts a fluent query against an entity type.
func (s *Service) Query(entityType string) (*query.Builder, error) {
	repo, err := s.GetRepository(entityType)
	if err != nil {
		return nil, err
	}
	return query.New(repo), nil
}

// Registry exposes the repository registry for scope management.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Coordinator exposes the multi-database coordinator.
func (s *Service) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// Transactions exposes the unit-of-work manager. It is nil before Start.
func (s *Service) Transactions() *uow.Manager {
	return s.transactions
}

// Transaction runs fn inside a unit of work.
func (s *Service) Transaction(ctx context.Context, fn func(ctx context.Context, u *uow.UnitOfWork) error) error {
	if s.transactions == nil {
		return fmt.Errorf("service not started")
	}
	return s.transactions.Transaction(ctx, fn)
}

// ExecuteCoordinatedOperation applies one entity write across databases
// through the repositories registered for the entity type. Empty targets mean
// all healthy writable databases; an empty strategy defaults to best effort.
// The configured coordination task timeout bounds the operation unless the
// caller sets one.
func (s *Service) ExecuteCoordinatedOperation(ctx context.Context, op coordinator.EntityOperation) (*coordinator.TaskResult, error) {
	if op.Timeout <= 0 {
		op.Timeout = s.settings.Coordination.TaskTimeout.Duration()
	}
	ctx, span := s.tracer.StartSpan(ctx, "service.coordinated_operation",
		attribute.String("entity.type", op.EntityType),
		attribute.String("entity.operation", string(op.Op)))
	result, err := s.coordinator.ExecuteEntityOperation(ctx, op)
	telemetry.EndSpan(span, err)
	return result, err
}

// ExecuteCoordinatedTask runs a raw cross-database task. The configured
// coordination task timeout applies when the task carries none.
func (s *Service) ExecuteCoordinatedTask(ctx context.Context, task coordinator.Task) (*coordinator.TaskResult, error) {
	if task.Timeout <= 0 {
		task.Timeout = s.settings.Coordination.TaskTimeout.Duration()
	}
	return s.coordinator.ExecuteTask(ctx, task)
}

// CheckHealth probes every database and reports aggregate health. The
// service is healthy when at least one database is.
func (s *Service) CheckHealth(ctx context.Context) HealthStatus {
	databases := s.coordinator.CheckDatabaseHealth(ctx)
	status := HealthStatus{Databases: databases}
	for _, healthy := range databases {
		if healthy {
			status.Healthy = true
			break
		}
	}
	if s.transactions != nil {
		status.ActiveTransactions = s.transactions.ActiveCount()
	}
	return status
}

// GetServiceMetrics snapshots all subsystem statistics.
func (s *Service) GetServiceMetrics() Metrics {
	m := Metrics{
		Registry:     s.registry.GetStats(),
		Coordination: s.coordinator.GetCoordinationStats(),
	}
	s.mu.Lock()
	if s.started {
		m.Uptime = time.Since(s.startedAt)
	}
	s.mu.Unlock()
	if s.transactions != nil {
		m.Transactions = s.transactions.GetTransactionStats()
	}
	return m
}

// Shutdown stops background loops, rolls back open transactions, cleans up
// repositories, and closes every store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.transactions != nil {
		s.transactions.RollbackAll(ctx)
	}
	var errs []error
	if err := s.registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("service stopped")
	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with errors: %v", errs)
	}
	return nil
}
