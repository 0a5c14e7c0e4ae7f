package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/polystore/polystore/pkg/config"
	"github.com/polystore/polystore/pkg/coordinator"
	"github.com/polystore/polystore/pkg/registry"
	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/spec"
	"github.com/polystore/polystore/pkg/telemetry"
	"github.com/polystore/polystore/pkg/uow"
)

type order struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Total  float64 `json:"total"`
}

func (o *order) EntityID() string      { return o.ID }
func (o *order) SetEntityID(id string) { o.ID = id }

func newOrder() repository.Entity { return &order{} }

func startedService(t *testing.T, settings *config.Settings) *Service {
	t.Helper()
	s, err := New(Options{Settings: settings})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return s
}

func TestServiceLifecycle(t *testing.T) {
	s := startedService(t, nil)

	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error starting twice")
	}
	if s.Transactions() == nil {
		t.Error("transaction manager missing after start")
	}

	status := s.CheckHealth(context.Background())
	if !status.Healthy {
		t.Errorf("service unhealthy: %+v", status)
	}
	if !status.Databases["primary"] {
		t.Error("default database not healthy")
	}
}

func TestServiceRejectsInvalidSettings(t *testing.T) {
	bad := config.Default()
	bad.Databases = nil
	if _, err := New(Options{Settings: bad}); err == nil {
		t.Error("expected error for settings without databases")
	}

	s, err := New(Options{Settings: config.Default()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Validation passes at New, but an unsupported type still fails at Start.
	s.settings.Databases[0].Type = "cassandra"
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error for unknown store type")
	}
}

func TestRegisterEntityAndCRUD(t *testing.T) {
	s := startedService(t, nil)
	ctx := context.Background()

	if err := s.RegisterEntity("order", "orders", newOrder, registry.Singleton); err != nil {
		t.Fatalf("RegisterEntity failed: %v", err)
	}
	if err := s.RegisterEntity("order", "orders", nil, registry.Singleton); err == nil {
		t.Error("expected error for nil entity factory")
	}

	repo, err := s.GetRepository("order")
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}

	created, err := repo.Create(ctx, &order{Status: "open", Total: 99.5})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.EntityID() == "" {
		t.Fatal("created entity has no ID")
	}

	got, err := repo.GetByID(ctx, created.EntityID())
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.(*order).Status != "open" {
		t.Errorf("unexpected entity: %+v", got)
	}

	if _, err := s.GetRepository("ghost"); err == nil {
		t.Error("expected error for unregistered entity type")
	}
}

func TestRegisterEntityWithCacheEnabled(t *testing.T) {
	settings := config.Default()
	settings.Cache.Enabled = true
	s := startedService(t, settings)
	ctx := context.Background()

	if err := s.RegisterEntity("order", "orders", newOrder, registry.Singleton); err != nil {
		t.Fatalf("RegisterEntity failed: %v", err)
	}
	repo, err := s.GetRepository("order")
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}

	created, err := repo.Create(ctx, &order{Status: "open"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := repo.GetByID(ctx, created.EntityID()); err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
	}
}

func TestServiceQuery(t *testing.T) {
	s := startedService(t, nil)
	ctx := context.Background()

	if err := s.RegisterEntity("order", "orders", newOrder, registry.Singleton); err != nil {
		t.Fatalf("RegisterEntity failed: %v", err)
	}
	repo, _ := s.GetRepository("order")
	for _, o := range []*order{
		{Status: "open", Total: 10},
		{Status: "open", Total: 250},
		{Status: "closed", Total: 40},
	} {
		if _, err := repo.Create(ctx, o); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	q, err := s.Query("order")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	result, err := q.Where(spec.Eq("status", "open")).Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Entities) != 2 {
		t.Errorf("open orders = %d, want 2", len(result.Entities))
	}
}

func TestServiceTransaction(t *testing.T) {
	s := startedService(t, nil)

	err := s.Transaction(context.Background(), func(_ context.Context, u *uow.UnitOfWork) error {
		if !u.IsActive() {
			t.Error("transaction not active inside callback")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	boom := errors.New("boom")
	if err := s.Transaction(context.Background(), func(context.Context, *uow.UnitOfWork) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("Transaction error = %v, want boom", err)
	}
}

func TestServiceCoordinatedOperation(t *testing.T) {
	settings := config.Default()
	settings.Databases = append(settings.Databases, config.DatabaseSettings{
		Name: "secondary", Type: "memory", Priority: 5,
	})
	s := startedService(t, settings)
	ctx := context.Background()

	if err := s.RegisterEntity("order", "orders", newOrder, registry.Singleton); err != nil {
		t.Fatalf("RegisterEntity failed: %v", err)
	}

	entity := &order{Status: "open", Total: 12}
	result, err := s.ExecuteCoordinatedOperation(ctx, coordinator.EntityOperation{
		Op:         coordinator.EntityCreate,
		EntityType: "order",
		Entity:     entity,
	})
	if err != nil {
		t.Fatalf("ExecuteCoordinatedOperation failed: %v", err)
	}
	if !result.Success || len(result.Databases) != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if entity.ID == "" {
		t.Fatal("create did not assign an identity")
	}
	for _, name := range []string{"primary", "secondary"} {
		repo, err := s.Coordinator().GetRepository(name, "order")
		if err != nil {
			t.Fatalf("GetRepository(%s) failed: %v", name, err)
		}
		got, err := repo.GetByID(ctx, entity.ID)
		if err != nil || got == nil {
			t.Fatalf("entity missing on %s: %v, %v", name, got, err)
		}
	}

	if _, err := s.ExecuteCoordinatedOperation(ctx, coordinator.EntityOperation{
		Op:         coordinator.EntityDelete,
		EntityType: "order",
		Entity:     entity,
	}); err != nil {
		t.Fatalf("coordinated delete failed: %v", err)
	}
	repo, _ := s.Coordinator().GetRepository("secondary", "order")
	if got, _ := repo.GetByID(ctx, entity.ID); got != nil {
		t.Errorf("entity survived coordinated delete: %+v", got)
	}
}

func TestServiceCoordinatedTask(t *testing.T) {
	settings := config.Default()
	settings.Databases = append(settings.Databases, config.DatabaseSettings{
		Name: "secondary", Type: "memory", Priority: 5,
	})
	s := startedService(t, settings)

	var touched []string
	var hasDeadline bool
	result, err := s.ExecuteCoordinatedTask(context.Background(), coordinator.Task{
		Name:     "touch-all",
		Strategy: coordinator.Saga,
		Operation: func(ctx context.Context, db *coordinator.Database) error {
			_, hasDeadline = ctx.Deadline()
			touched = append(touched, db.Name)
			return nil
		},
		Compensation: func(context.Context, *coordinator.Database) error { return nil },
	})
	if err != nil {
		t.Fatalf("ExecuteCoordinatedTask failed: %v", err)
	}
	if !result.Success || len(result.Databases) != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(touched) != 2 {
		t.Errorf("touched %v, want both databases", touched)
	}
	// The configured coordination timeout applies when the task has none.
	if !hasDeadline {
		t.Error("configured task timeout was not applied")
	}
}

func TestGetServiceMetrics(t *testing.T) {
	s := startedService(t, nil)

	if err := s.RegisterEntity("order", "orders", newOrder, registry.Singleton); err != nil {
		t.Fatalf("RegisterEntity failed: %v", err)
	}
	if err := s.Transaction(context.Background(), func(context.Context, *uow.UnitOfWork) error { return nil }); err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	m := s.GetServiceMetrics()
	if m.Uptime <= 0 {
		t.Error("uptime not tracked")
	}
	if m.Registry.Registrations != 1 {
		t.Errorf("Registrations = %d, want 1", m.Registry.Registrations)
	}
	if m.Transactions.Completed != 1 {
		t.Errorf("Completed = %d, want 1", m.Transactions.Completed)
	}
}

func TestMetricsLoopPublishesServiceStats(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "polystore"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	settings := config.Default()
	settings.Metrics.RefreshInterval = config.Duration(5 * time.Millisecond)
	s, err := New(Options{Settings: settings, Metrics: metrics})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.RegisterEntity("order", "orders", newOrder, registry.Singleton); err != nil {
		t.Fatalf("RegisterEntity failed: %v", err)
	}
	if err := s.Transaction(context.Background(), func(context.Context, *uow.UnitOfWork) error { return nil }); err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if scrapeMetrics(t, metrics, "polystore_registered_entity_types 1") &&
			scrapeMetrics(t, metrics, "polystore_transaction_success_rate 1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service gauges never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Shutdown stops the loop with the health loop.
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

// scrapeMetrics reports whether the rendered metrics output contains want.
func scrapeMetrics(t *testing.T, m *telemetry.Metrics, want string) bool {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return strings.Contains(rec.Body.String(), want)
}

func TestShutdownIdempotent(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown errored: %v", err)
	}
}
