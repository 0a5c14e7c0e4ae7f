package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/polystore/polystore/pkg/repository"
)

func registerItemFactory(t *testing.T, c *Coordinator) {
	t.Helper()
	err := c.RegisterRepositoryFactory("item", func(db *Database) (repository.Repository, error) {
		return repository.NewBaseRepository(db.Store, repository.Config{
			EntityType: "item",
			Collection: "items",
			NewEntity:  func() repository.Entity { return &item{} },
		})
	})
	if err != nil {
		t.Fatalf("RegisterRepositoryFactory failed: %v", err)
	}
}

func TestExecuteEntityOperationValidation(t *testing.T) {
	c := newTestCoordinator(t, "a")
	registerItemFactory(t, c)
	ctx := context.Background()

	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{Op: "rename", EntityType: "item", Entity: &item{}}); err == nil {
		t.Error("expected error for unknown operation")
	}
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{Op: EntityCreate, Entity: &item{}}); err == nil {
		t.Error("expected error for missing entity type")
	}
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{Op: EntityCreate, EntityType: "item"}); err == nil {
		t.Error("expected error for missing entity")
	}
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{Op: EntityUpdate, EntityType: "item", Entity: &item{}}); err == nil {
		t.Error("expected error for update without identity")
	}
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{Op: EntityDelete, EntityType: "item", Entity: &item{}}); err == nil {
		t.Error("expected error for delete without identity")
	}
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op: EntityUpdate, EntityType: "item", Entity: &item{ID: "i1"}, Strategy: Saga,
	}); err == nil {
		t.Error("expected error for saga update")
	}
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op: EntityDelete, EntityType: "item", Entity: &item{ID: "i1"}, Strategy: Saga,
	}); err == nil {
		t.Error("expected error for saga delete")
	}
}

func TestExecuteEntityOperationCreateFansOut(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")
	registerItemFactory(t, c)
	ctx := context.Background()

	entity := &item{Name: "widget"}
	result, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op:         EntityCreate,
		EntityType: "item",
		Entity:     entity,
	})
	if err != nil {
		t.Fatalf("ExecuteEntityOperation failed: %v", err)
	}
	if !result.Success {
		t.Error("result not marked success")
	}
	if entity.ID == "" {
		t.Fatal("create did not assign an identity")
	}

	// Both databases hold the same entity under the same identity.
	for _, name := range []string{"a", "b"} {
		repo, err := c.GetRepository(name, "item")
		if err != nil {
			t.Fatalf("GetRepository(%s) failed: %v", name, err)
		}
		got, err := repo.GetByID(ctx, entity.ID)
		if err != nil {
			t.Fatalf("GetByID on %s failed: %v", name, err)
		}
		if got == nil {
			t.Fatalf("entity missing on %s", name)
		}
		if got.(*item).Name != "widget" {
			t.Errorf("entity on %s = %+v, want name widget", name, got)
		}
	}
}

func TestExecuteEntityOperationUpdateAndDelete(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")
	registerItemFactory(t, c)
	ctx := context.Background()

	entity := &item{Name: "widget"}
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op: EntityCreate, EntityType: "item", Entity: entity,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	entity.Name = "gadget"
	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op: EntityUpdate, EntityType: "item", Entity: entity,
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	repo, _ := c.GetRepository("b", "item")
	got, err := repo.GetByID(ctx, entity.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID failed: %v, %v", got, err)
	}
	if got.(*item).Name != "gadget" {
		t.Errorf("updated name = %s, want gadget", got.(*item).Name)
	}

	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op: EntityDelete, EntityType: "item", Entity: entity,
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if n := countDocs(t, c, name); n != 0 {
			t.Errorf("database %s has %d documents after delete, want 0", name, n)
		}
	}
}

func TestExecuteEntityOperationTargetsSubset(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")
	registerItemFactory(t, c)
	ctx := context.Background()

	if _, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op:         EntityCreate,
		EntityType: "item",
		Entity:     &item{Name: "only-a"},
		Databases:  []string{"a"},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if n := countDocs(t, c, "a"); n != 1 {
		t.Errorf("database a has %d documents, want 1", n)
	}
	if n := countDocs(t, c, "b"); n != 0 {
		t.Errorf("database b has %d documents, want 0", n)
	}
}

func TestExecuteEntityOperationSagaCreateCompensates(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")
	registerItemFactory(t, c)
	ctx := context.Background()

	// A duplicate on b makes the create fail there after a succeeded; the
	// saga compensation deletes the copy from a.
	entity := &item{ID: "i1", Name: "widget"}
	repoB, err := c.GetRepository("b", "item")
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}
	if _, err := repoB.Create(ctx, &item{ID: "i1", Name: "squatter"}); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	result, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op:         EntityCreate,
		EntityType: "item",
		Entity:     entity,
		Databases:  []string{"a", "b"},
		Strategy:   Saga,
	})
	if err == nil {
		t.Fatal("expected saga failure")
	}
	var coordErr *CoordinationError
	if !errors.As(err, &coordErr) {
		t.Errorf("error is not a CoordinationError: %v", err)
	}
	if got := result.Databases["a"].Status; got != StatusAborted {
		t.Errorf("database a status = %s, want %s", got, StatusAborted)
	}
	if n := countDocs(t, c, "a"); n != 0 {
		t.Errorf("database a has %d documents after compensation, want 0", n)
	}
}

func TestExecuteEntityOperationUnknownEntityType(t *testing.T) {
	c := newTestCoordinator(t, "a")
	ctx := context.Background()

	result, err := c.ExecuteEntityOperation(ctx, EntityOperation{
		Op:         EntityCreate,
		EntityType: "ghost",
		Entity:     &item{},
	})
	if err == nil {
		t.Fatal("expected failure without a registered factory")
	}
	if result == nil || result.Databases["a"].Status != StatusError {
		t.Errorf("missing per-database error result: %+v", result)
	}
}
