package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for polystore.
type Metrics struct {
	config MetricsConfig

	// Repository metrics
	repositoryOperations *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec

	// Cache metrics
	cacheOperations *prometheus.CounterVec

	// Transaction metrics
	transactionsCompleted *prometheus.CounterVec
	transactionDuration   *prometheus.HistogramVec
	activeTransactions    prometheus.Gauge

	// Coordination metrics
	coordinationTasks    *prometheus.CounterVec
	coordinationDuration *prometheus.HistogramVec

	// Database metrics
	databaseHealth *prometheus.GaugeVec

	// Service metrics
	serviceUptime          prometheus.Gauge
	registeredEntities     prometheus.Gauge
	transactionSuccessRate prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		repositoryOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_operations_total",
				Help:      "Total number of repository operations",
			},
			[]string{"entity_type", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repository_operation_duration_seconds",
				Help:      "Duration of repository operations in seconds",
				Buckets:   buckets,
			},
			[]string{"entity_type", "operation"},
		),

		cacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Total number of cache operations by result",
			},
			[]string{"entity_type", "result"},
		),

		transactionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_completed_total",
				Help:      "Total number of completed unit-of-work transactions",
			},
			[]string{"status"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of unit-of-work transactions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transactions",
				Help:      "Current number of active unit-of-work transactions",
			},
		),

		coordinationTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coordination_tasks_total",
				Help:      "Total number of coordinated multi-database operations",
			},
			[]string{"strategy", "status"},
		),
		coordinationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "coordination_task_duration_seconds",
				Help:      "Duration of coordinated operations in seconds",
				Buckets:   buckets,
			},
			[]string{"strategy"},
		),

		databaseHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "database_healthy",
				Help:      "Database health status (1=healthy, 0=unhealthy)",
			},
			[]string{"database", "db_type"},
		),

		serviceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_uptime_seconds",
				Help:      "Time since the service started in seconds",
			},
		),
		registeredEntities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_entity_types",
				Help:      "Number of registered entity types",
			},
		),
		transactionSuccessRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transaction_success_rate",
				Help:      "Committed fraction of completed transactions",
			},
		),
	}

	registry.MustRegister(
		m.repositoryOperations,
		m.operationDuration,
		m.cacheOperations,
		m.transactionsCompleted,
		m.transactionDuration,
		m.activeTransactions,
		m.coordinationTasks,
		m.coordinationDuration,
		m.databaseHealth,
		m.serviceUptime,
		m.registeredEntities,
		m.transactionSuccessRate,
	)

	return m, nil
}

// RecordRepositoryOperation records one repository operation outcome. It
// satisfies the repository.MetricsRecorder contract.
func (m *Metrics) RecordRepositoryOperation(entityType, operation, status string, duration time.Duration) {
	if m.repositoryOperations == nil {
		return
	}
	m.repositoryOperations.WithLabelValues(entityType, operation, status).Inc()
	m.operationDuration.WithLabelValues(entityType, operation).Observe(duration.Seconds())
}

// RecordCacheOperation records a cache outcome (hit, miss, write,
// invalidation, error).
func (m *Metrics) RecordCacheOperation(entityType, result string) {
	if m.cacheOperations == nil {
		return
	}
	m.cacheOperations.WithLabelValues(entityType, result).Inc()
}

// RecordTransactionStarted increments the active-transaction gauge.
func (m *Metrics) RecordTransactionStarted() {
	if m.activeTransactions == nil {
		return
	}
	m.activeTransactions.Inc()
}

// RecordTransactionCompleted records a finished transaction with its final
// state and duration.
func (m *Metrics) RecordTransactionCompleted(status string, duration time.Duration) {
	if m.transactionsCompleted == nil {
		return
	}
	m.transactionsCompleted.WithLabelValues(status).Inc()
	m.transactionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeTransactions.Dec()
}

// RecordCoordinationTask records a coordinated operation outcome.
func (m *Metrics) RecordCoordinationTask(strategy, status string, duration time.Duration) {
	if m.coordinationTasks == nil {
		return
	}
	m.coordinationTasks.WithLabelValues(strategy, status).Inc()
	m.coordinationDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// SetDatabaseHealth records the health of a registered database.
func (m *Metrics) SetDatabaseHealth(database, dbType string, healthy bool) {
	if m.databaseHealth == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.databaseHealth.WithLabelValues(database, dbType).Set(value)
}

// SetServiceStats publishes service-level gauges. Intended for periodic
// refresh from a background loop.
func (m *Metrics) SetServiceStats(uptime time.Duration, registeredEntityTypes int, transactionSuccessRate float64) {
	if m.serviceUptime == nil {
		return
	}
	m.serviceUptime.Set(uptime.Seconds())
	m.registeredEntities.Set(float64(registeredEntityTypes))
	m.transactionSuccessRate.Set(transactionSuccessRate)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(log *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.WithError(err).Error("metrics server error")
			}
		}
	}()

	return nil
}
