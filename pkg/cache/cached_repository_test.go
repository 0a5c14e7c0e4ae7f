package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/stores"
)

type note struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func (n *note) EntityID() string      { return n.ID }
func (n *note) SetEntityID(id string) { n.ID = id }

// countingRepository wraps a repository and counts calls that reach it.
type countingRepository struct {
	repository.Repository

	mu    sync.Mutex
	calls map[string]int
}

func newCountingRepository(inner repository.Repository) *countingRepository {
	return &countingRepository{Repository: inner, calls: make(map[string]int)}
}

func (c *countingRepository) count(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

func (c *countingRepository) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingRepository) GetByID(ctx context.Context, id string) (repository.Entity, error) {
	c.count("get_by_id")
	return c.Repository.GetByID(ctx, id)
}

func (c *countingRepository) List(ctx context.Context, filter repository.Filter, sort []repository.SortCriteria, limit, offset int) ([]repository.Entity, error) {
	c.count("list")
	return c.Repository.List(ctx, filter, sort, limit, offset)
}

func (c *countingRepository) Count(ctx context.Context, filter repository.Filter) (int64, error) {
	c.count("count")
	return c.Repository.Count(ctx, filter)
}

// failingCache always errors, for exercising graceful degradation.
type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Delete(context.Context, string) error {
	return errors.New("cache down")
}

func newCachedSetup(t *testing.T, opts Options) (*CachedRepository, *countingRepository) {
	t.Helper()
	inner, err := repository.NewBaseRepository(stores.NewMemoryStore("test"), repository.Config{
		EntityType: "note",
		NewEntity:  func() repository.Entity { return &note{} },
	})
	if err != nil {
		t.Fatalf("NewBaseRepository failed: %v", err)
	}
	counting := newCountingRepository(inner)

	if opts.NewEntity == nil {
		opts.NewEntity = func() repository.Entity { return &note{} }
	}
	cached, err := NewCachedRepository(counting, NewMemoryCache(), opts)
	if err != nil {
		t.Fatalf("NewCachedRepository failed: %v", err)
	}
	return cached, counting
}

func TestCachedGetByIDHitsBackendOnce(t *testing.T) {
	cached, counting := newCachedSetup(t, Options{})
	ctx := context.Background()

	created, err := cached.Create(ctx, &note{Body: "hello"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := cached.GetByID(ctx, created.EntityID())
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.(*note).Body != "hello" {
			t.Errorf("unexpected entity: %+v", got)
		}
	}

	if calls := counting.Calls("get_by_id"); calls != 1 {
		t.Errorf("wrapped repository saw %d GetByID calls, want 1", calls)
	}

	snap := cached.Metrics().Snapshot()
	if snap.Hits != 2 || snap.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", snap.Hits, snap.Misses)
	}
}

func TestCachedUpdateInvalidatesEntity(t *testing.T) {
	cached, _ := newCachedSetup(t, Options{Invalidation: WriteInvalidate})
	ctx := context.Background()

	created, _ := cached.Create(ctx, &note{Body: "v1"})
	if _, err := cached.GetByID(ctx, created.EntityID()); err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	n := created.(*note)
	n.Body = "v2"
	if _, err := cached.Update(ctx, n); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := cached.GetByID(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.(*note).Body != "v2" {
		t.Errorf("stale read after update: %+v", got)
	}
}

func TestCachedWriteThroughPopulatesOnWrite(t *testing.T) {
	cached, counting := newCachedSetup(t, Options{Strategy: WriteThrough})
	ctx := context.Background()

	created, err := cached.Create(ctx, &note{Body: "hello"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := cached.GetByID(ctx, created.EntityID()); err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if calls := counting.Calls("get_by_id"); calls != 0 {
		t.Errorf("write-through read reached the backend %d times, want 0", calls)
	}
}

func TestCachedWriteBehindSkipsReadCache(t *testing.T) {
	cached, counting := newCachedSetup(t, Options{Strategy: WriteBehind})
	ctx := context.Background()

	created, _ := cached.Create(ctx, &note{Body: "hello"})
	for i := 0; i < 2; i++ {
		if _, err := cached.GetByID(ctx, created.EntityID()); err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
	}
	if calls := counting.Calls("get_by_id"); calls != 2 {
		t.Errorf("write-behind reads reached the backend %d times, want 2", calls)
	}
}

func TestCachedListAndCountUseQueryCache(t *testing.T) {
	cached, counting := newCachedSetup(t, Options{})
	ctx := context.Background()

	if _, err := cached.Create(ctx, &note{ID: "n1", Body: "a"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	filter := repository.Filter{"body": "a"}
	for i := 0; i < 2; i++ {
		entities, err := cached.List(ctx, filter, nil, 0, 0)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(entities) != 1 {
			t.Errorf("expected 1 entity, got %d", len(entities))
		}
		if _, err := cached.Count(ctx, filter); err != nil {
			t.Fatalf("Count failed: %v", err)
		}
	}
	if calls := counting.Calls("list"); calls != 1 {
		t.Errorf("wrapped repository saw %d List calls, want 1", calls)
	}
	if calls := counting.Calls("count"); calls != 1 {
		t.Errorf("wrapped repository saw %d Count calls, want 1", calls)
	}

	// A write invalidates the query namespace, so the next list recomputes.
	if _, err := cached.Create(ctx, &note{ID: "n2", Body: "a"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	entities, err := cached.List(ctx, filter, nil, 0, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entities) != 2 {
		t.Errorf("expected 2 entities after invalidation, got %d", len(entities))
	}
}

func TestCachedDegradesWhenBackendFails(t *testing.T) {
	inner, err := repository.NewBaseRepository(stores.NewMemoryStore("test"), repository.Config{
		EntityType: "note",
		NewEntity:  func() repository.Entity { return &note{} },
	})
	if err != nil {
		t.Fatalf("NewBaseRepository failed: %v", err)
	}

	cached, err := NewCachedRepository(inner, failingCache{}, Options{
		NewEntity: func() repository.Entity { return &note{} },
	})
	if err != nil {
		t.Fatalf("NewCachedRepository failed: %v", err)
	}

	ctx := context.Background()
	created, err := cached.Create(ctx, &note{Body: "hello"})
	if err != nil {
		t.Fatalf("Create failed despite broken cache: %v", err)
	}
	got, err := cached.GetByID(ctx, created.EntityID())
	if err != nil || got == nil {
		t.Fatalf("GetByID = (%v, %v), want entity", got, err)
	}

	if snap := cached.Metrics().Snapshot(); snap.Errors == 0 {
		t.Error("expected cache errors to be counted")
	}
}

func TestCachedRepositoryOptionValidation(t *testing.T) {
	inner, _ := repository.NewBaseRepository(stores.NewMemoryStore("test"), repository.Config{
		EntityType: "note",
		NewEntity:  func() repository.Entity { return &note{} },
	})

	if _, err := NewCachedRepository(nil, NewMemoryCache(), Options{NewEntity: func() repository.Entity { return &note{} }}); err == nil {
		t.Error("expected error for nil inner repository")
	}
	if _, err := NewCachedRepository(inner, nil, Options{NewEntity: func() repository.Entity { return &note{} }}); err == nil {
		t.Error("expected error for nil backend")
	}
	if _, err := NewCachedRepository(inner, NewMemoryCache(), Options{}); err == nil {
		t.Error("expected error for missing entity factory")
	}
	if _, err := NewCachedRepository(inner, NewMemoryCache(), Options{
		NewEntity: func() repository.Entity { return &note{} },
		Strategy:  Strategy("bogus"),
	}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestWarmCache(t *testing.T) {
	cached, counting := newCachedSetup(t, Options{})
	ctx := context.Background()

	if _, err := cached.Create(ctx, &note{ID: "n1", Body: "a"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	warmed := cached.WarmCache(ctx, []string{"n1", "missing"})
	if warmed != 1 {
		t.Errorf("warmed = %d, want 1", warmed)
	}

	before := counting.Calls("get_by_id")
	if _, err := cached.GetByID(ctx, "n1"); err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if counting.Calls("get_by_id") != before {
		t.Error("warmed entity still reached the backend")
	}
}
