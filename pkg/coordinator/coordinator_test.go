package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/stores"
)

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (i *item) EntityID() string      { return i.ID }
func (i *item) SetEntityID(id string) { i.ID = id }

func newTestCoordinator(t *testing.T, names ...string) *Coordinator {
	t.Helper()
	c := New(Options{})
	for i, name := range names {
		db := &Database{
			Name:     name,
			Type:     "memory",
			Store:    stores.NewMemoryStore(name),
			Priority: i,
		}
		if err := c.RegisterDatabase(db); err != nil {
			t.Fatalf("RegisterDatabase(%s) failed: %v", name, err)
		}
	}
	return c
}

func countDocs(t *testing.T, c *Coordinator, dbName string) int64 {
	t.Helper()
	db, err := c.GetDatabase(dbName)
	if err != nil {
		t.Fatalf("GetDatabase(%s) failed: %v", dbName, err)
	}
	n, err := db.Store.Collection("items").Count(context.Background(), nil)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func TestRegisterDatabaseValidation(t *testing.T) {
	c := New(Options{})

	if err := c.RegisterDatabase(nil); err == nil {
		t.Error("expected error for nil database")
	}
	if err := c.RegisterDatabase(&Database{Name: "a"}); err == nil {
		t.Error("expected error for missing store")
	}

	db := &Database{Name: "a", Type: "memory", Store: stores.NewMemoryStore("a")}
	if err := c.RegisterDatabase(db); err != nil {
		t.Fatalf("RegisterDatabase failed: %v", err)
	}
	if !db.Healthy() {
		t.Error("freshly registered database not marked healthy")
	}
	if err := c.RegisterDatabase(db); err == nil {
		t.Error("expected error for duplicate registration")
	}
}

func TestGetPreferredReadDatabase(t *testing.T) {
	c := newTestCoordinator(t, "low", "high")

	high, _ := c.GetDatabase("high")
	high.Priority = 10

	preferred, err := c.GetPreferredReadDatabase("")
	if err != nil {
		t.Fatalf("GetPreferredReadDatabase failed: %v", err)
	}
	if preferred.Name != "high" {
		t.Errorf("preferred = %s, want high", preferred.Name)
	}

	// An unhealthy database is skipped.
	high.setHealthy(false)
	preferred, err = c.GetPreferredReadDatabase("")
	if err != nil {
		t.Fatalf("GetPreferredReadDatabase failed: %v", err)
	}
	if preferred.Name != "low" {
		t.Errorf("preferred = %s, want low", preferred.Name)
	}

	low, _ := c.GetDatabase("low")
	low.setHealthy(false)
	if _, err := c.GetPreferredReadDatabase(""); err == nil {
		t.Error("expected error with no healthy database")
	}
}

func TestGetWriteDatabasesExcludesReadOnlyAndUnhealthy(t *testing.T) {
	c := newTestCoordinator(t, "a", "b", "c")

	b, _ := c.GetDatabase("b")
	b.ReadOnly = true
	cdb, _ := c.GetDatabase("c")
	cdb.setHealthy(false)

	writable := c.GetWriteDatabases("")
	if len(writable) != 1 || writable[0].Name != "a" {
		names := make([]string, len(writable))
		for i, db := range writable {
			names[i] = db.Name
		}
		t.Errorf("writable = %v, want [a]", names)
	}
}

func TestDatabaseSelectionFiltersByType(t *testing.T) {
	c := New(Options{})
	for _, db := range []*Database{
		{Name: "docs", Type: "memory", Store: stores.NewMemoryStore("docs"), Priority: 10},
		{Name: "rel", Type: "sqlite", Store: stores.NewMemoryStore("rel"), Priority: 1},
	} {
		if err := c.RegisterDatabase(db); err != nil {
			t.Fatalf("RegisterDatabase(%s) failed: %v", db.Name, err)
		}
	}

	preferred, err := c.GetPreferredReadDatabase("sqlite")
	if err != nil {
		t.Fatalf("GetPreferredReadDatabase failed: %v", err)
	}
	if preferred.Name != "rel" {
		t.Errorf("preferred = %s, want rel", preferred.Name)
	}

	any, err := c.GetPreferredReadDatabase("")
	if err != nil {
		t.Fatalf("GetPreferredReadDatabase failed: %v", err)
	}
	if any.Name != "docs" {
		t.Errorf("preferred without filter = %s, want docs", any.Name)
	}

	if _, err := c.GetPreferredReadDatabase("postgres"); err == nil {
		t.Error("expected error with no database of the requested type")
	}

	writable := c.GetWriteDatabases("memory")
	if len(writable) != 1 || writable[0].Name != "docs" {
		t.Errorf("writable memory databases = %v, want [docs]", writable)
	}
	if got := len(c.GetWriteDatabases("")); got != 2 {
		t.Errorf("writable databases without filter = %d, want 2", got)
	}
}

func TestExecuteTaskImposesNoDeadline(t *testing.T) {
	c := newTestCoordinator(t, "a")
	ctx := context.Background()

	var hasDeadline bool
	op := func(ctx context.Context, _ *Database) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}

	if _, err := c.ExecuteTask(ctx, Task{Operation: op}); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	if hasDeadline {
		t.Error("task without timeout ran under a deadline")
	}

	if _, err := c.ExecuteTask(ctx, Task{Operation: op, Timeout: time.Minute}); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	if !hasDeadline {
		t.Error("task timeout was not applied")
	}
}

func TestGetRepositoryCachesPerDatabase(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")

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

	first, err := c.GetRepository("a", "item")
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}
	again, _ := c.GetRepository("a", "item")
	if first != again {
		t.Error("repeated resolution returned a new repository")
	}
	onB, _ := c.GetRepository("b", "item")
	if first == onB {
		t.Error("databases share a repository instance")
	}

	if _, err := c.GetRepository("ghost", "item"); err == nil {
		t.Error("expected error for unregistered database")
	}
	if _, err := c.GetRepository("a", "ghost"); err == nil {
		t.Error("expected error for missing factory")
	}
}

func TestExecuteTaskValidation(t *testing.T) {
	c := newTestCoordinator(t, "a")
	ctx := context.Background()

	if _, err := c.ExecuteTask(ctx, Task{}); err == nil {
		t.Error("expected error for missing operation")
	}
	op := func(context.Context, *Database) error { return nil }
	if _, err := c.ExecuteTask(ctx, Task{Operation: op, Strategy: Strategy("bogus")}); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if _, err := c.ExecuteTask(ctx, Task{Operation: op, Strategy: Saga}); err == nil {
		t.Error("expected error for saga without compensation")
	}
	if _, err := c.ExecuteTask(ctx, Task{Operation: op, Databases: []string{"ghost"}}); err == nil {
		t.Error("expected error for unknown target database")
	}
}

func TestBestEffortRecordsPartialResults(t *testing.T) {
	c := newTestCoordinator(t, "good", "bad")
	ctx := context.Background()

	result, err := c.ExecuteTask(ctx, Task{
		Name:     "write-items",
		Strategy: BestEffort,
		Operation: func(ctx context.Context, db *Database) error {
			if db.Name == "bad" {
				return errors.New("disk full")
			}
			_, ierr := db.Store.Collection("items").InsertOne(ctx, map[string]interface{}{"id": "i1"})
			return ierr
		},
	})
	if err == nil {
		t.Fatal("expected task error with one failing database")
	}
	var coordErr *CoordinationError
	if !errors.As(err, &coordErr) {
		t.Errorf("error is not a CoordinationError: %v", err)
	}
	if result == nil {
		t.Fatal("partial result missing on failure")
	}
	if result.Success {
		t.Error("result marked success despite failure")
	}
	if result.Databases["good"].Status != StatusSuccess {
		t.Errorf("good status = %s, want %s", result.Databases["good"].Status, StatusSuccess)
	}
	if result.Databases["bad"].Status != StatusError {
		t.Errorf("bad status = %s, want %s", result.Databases["bad"].Status, StatusError)
	}
	if result.Databases["bad"].Error == "" {
		t.Error("failing database missing its error")
	}
	if n := countDocs(t, c, "good"); n != 1 {
		t.Errorf("good database has %d documents, want 1", n)
	}
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	c := newTestCoordinator(t, "a", "b", "c")
	ctx := context.Background()

	var compensated []string
	result, err := c.ExecuteTask(ctx, Task{
		Strategy:  Saga,
		Databases: []string{"a", "b", "c"},
		Operation: func(ctx context.Context, db *Database) error {
			if db.Name == "c" {
				return errors.New("boom")
			}
			_, ierr := db.Store.Collection("items").InsertOne(ctx, map[string]interface{}{"id": "i1"})
			return ierr
		},
		Compensation: func(ctx context.Context, db *Database) error {
			compensated = append(compensated, db.Name)
			_, derr := db.Store.Collection("items").DeleteOne(ctx, map[string]interface{}{"id": "i1"})
			return derr
		},
	})
	if err == nil {
		t.Fatal("expected saga failure")
	}
	if len(compensated) != 2 || compensated[0] != "b" || compensated[1] != "a" {
		t.Errorf("compensation order = %v, want [b a]", compensated)
	}
	for _, name := range []string{"a", "b"} {
		if got := result.Databases[name].Status; got != StatusAborted {
			t.Errorf("compensated database %s status = %s, want %s", name, got, StatusAborted)
		}
	}
	if got := result.Databases["c"].Status; got != StatusError {
		t.Errorf("failing database status = %s, want %s", got, StatusError)
	}
	for _, name := range []string{"a", "b", "c"} {
		if n := countDocs(t, c, name); n != 0 {
			t.Errorf("database %s has %d documents after compensation, want 0", name, n)
		}
	}
}

func TestSagaSucceedsOnAllDatabases(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")
	ctx := context.Background()

	result, err := c.ExecuteTask(ctx, Task{
		Strategy: Saga,
		Operation: func(ctx context.Context, db *Database) error {
			_, ierr := db.Store.Collection("items").InsertOne(ctx, map[string]interface{}{"id": "i1"})
			return ierr
		},
		Compensation: func(context.Context, *Database) error { return nil },
	})
	if err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	if !result.Success {
		t.Error("result not marked success")
	}
	for _, name := range []string{"a", "b"} {
		if n := countDocs(t, c, name); n != 1 {
			t.Errorf("database %s has %d documents, want 1", name, n)
		}
	}
}

func TestTwoPhaseCommitAppliesEverywhere(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")
	ctx := context.Background()

	result, err := c.ExecuteTask(ctx, Task{
		Strategy: TwoPhaseCommit,
		Operation: func(ctx context.Context, db *Database) error {
			_, ierr := db.Store.Collection("items").InsertOne(ctx, map[string]interface{}{"id": "i1"})
			return ierr
		},
	})
	if err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	if !result.Success {
		t.Error("result not marked success")
	}
	for _, name := range []string{"a", "b"} {
		if n := countDocs(t, c, name); n != 1 {
			t.Errorf("database %s has %d documents, want 1", name, n)
		}
	}
}

func TestTwoPhaseCommitRollsBackOnFailure(t *testing.T) {
	c := newTestCoordinator(t, "a", "b")
	ctx := context.Background()

	result, err := c.ExecuteTask(ctx, Task{
		Strategy:  TwoPhaseCommit,
		Databases: []string{"a", "b"},
		Operation: func(ctx context.Context, db *Database) error {
			if db.Name == "b" {
				return errors.New("boom")
			}
			_, ierr := db.Store.Collection("items").InsertOne(ctx, map[string]interface{}{"id": "i1"})
			return ierr
		},
	})
	if err == nil {
		t.Fatal("expected two-phase failure")
	}
	if n := countDocs(t, c, "a"); n != 0 {
		t.Errorf("database a has %d documents after abort, want 0", n)
	}
	if got := result.Databases["a"].Status; got != StatusAborted {
		t.Errorf("prepared database a status = %s, want %s", got, StatusAborted)
	}
	if got := result.Databases["b"].Status; got != StatusError {
		t.Errorf("failing database b status = %s, want %s", got, StatusError)
	}
}

// commitRefusedStore wraps a memory store with sessions whose commit always
// fails, leaving everything else functional.
type commitRefusedStore struct {
	*stores.MemoryStore
}

func (s *commitRefusedStore) StartSession(ctx context.Context) (repository.Session, error) {
	inner, err := s.MemoryStore.StartSession(ctx)
	if err != nil {
		return nil, err
	}
	return &commitRefusedSession{Session: inner}, nil
}

type commitRefusedSession struct {
	repository.Session
}

func (s *commitRefusedSession) Commit(context.Context) error {
	return errors.New("commit refused")
}

func TestTwoPhaseCommitFailureMarksOthersAborted(t *testing.T) {
	c := New(Options{})
	good := stores.NewMemoryStore("a")
	bad := &commitRefusedStore{MemoryStore: stores.NewMemoryStore("b")}
	for _, db := range []*Database{
		{Name: "a", Type: "memory", Store: good},
		{Name: "b", Type: "memory", Store: bad},
	} {
		if err := c.RegisterDatabase(db); err != nil {
			t.Fatalf("RegisterDatabase(%s) failed: %v", db.Name, err)
		}
	}
	ctx := context.Background()

	insert := func(ctx context.Context, db *Database) error {
		_, ierr := db.Store.Collection("items").InsertOne(ctx, map[string]interface{}{"id": "i1"})
		return ierr
	}

	result, err := c.ExecuteTask(ctx, Task{
		Strategy:  TwoPhaseCommit,
		Databases: []string{"b", "a"},
		Operation: insert,
	})
	if err == nil {
		t.Fatal("expected commit-phase failure")
	}
	if got := result.Databases["b"].Status; got != StatusError {
		t.Errorf("failing database b status = %s, want %s", got, StatusError)
	}
	if result.Databases["b"].Error == "" {
		t.Error("failing database missing its error")
	}
	if got := result.Databases["a"].Status; got != StatusAborted {
		t.Errorf("database a status = %s, want %s", got, StatusAborted)
	}
	if n := countDocs(t, c, "a"); n != 0 {
		t.Errorf("database a has %d documents after abort, want 0", n)
	}

	// The failing session must be rolled back and closed so the store can
	// start a fresh transaction.
	session, err := bad.MemoryStore.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := session.Begin(ctx); err != nil {
		t.Fatalf("store still holds the failed transaction: %v", err)
	}
	_ = session.Rollback(ctx)
	_ = session.Close(ctx)
}

func TestTwoPhaseCommitLateFailureReportsCommittedAsAborted(t *testing.T) {
	c := New(Options{})
	good := stores.NewMemoryStore("a")
	bad := &commitRefusedStore{MemoryStore: stores.NewMemoryStore("b")}
	for _, db := range []*Database{
		{Name: "a", Type: "memory", Store: good},
		{Name: "b", Type: "memory", Store: bad},
	} {
		if err := c.RegisterDatabase(db); err != nil {
			t.Fatalf("RegisterDatabase(%s) failed: %v", db.Name, err)
		}
	}
	ctx := context.Background()

	result, err := c.ExecuteTask(ctx, Task{
		Strategy:  TwoPhaseCommit,
		Databases: []string{"a", "b"},
		Operation: func(ctx context.Context, db *Database) error {
			_, ierr := db.Store.Collection("items").InsertOne(ctx, map[string]interface{}{"id": "i1"})
			return ierr
		},
	})
	if err == nil {
		t.Fatal("expected commit-phase failure")
	}

	// Database a committed before b failed. Its write stands but the task did
	// not apply everywhere, so it reports aborted.
	if got := result.Databases["a"].Status; got != StatusAborted {
		t.Errorf("database a status = %s, want %s", got, StatusAborted)
	}
	if got := result.Databases["b"].Status; got != StatusError {
		t.Errorf("database b status = %s, want %s", got, StatusError)
	}
	if n := countDocs(t, c, "a"); n != 1 {
		t.Errorf("database a has %d documents, want 1", n)
	}
}

func TestCheckDatabaseHealth(t *testing.T) {
	c := newTestCoordinator(t, "a")

	store := stores.NewMemoryStore("closed")
	closed := &Database{Name: "closed", Type: "memory", Store: store}
	if err := c.RegisterDatabase(closed); err != nil {
		t.Fatalf("RegisterDatabase failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	results := c.CheckDatabaseHealth(context.Background())
	if !results["a"] {
		t.Error("healthy database reported unhealthy")
	}
	if results["closed"] {
		t.Error("closed database reported healthy")
	}
	if closed.Healthy() {
		t.Error("closed database still marked healthy")
	}
}

func TestStatsAndHistory(t *testing.T) {
	c := newTestCoordinator(t, "a")
	ctx := context.Background()

	ok := func(context.Context, *Database) error { return nil }
	fail := func(context.Context, *Database) error { return fmt.Errorf("no") }

	if _, err := c.ExecuteTask(ctx, Task{Operation: ok}); err != nil {
		t.Fatalf("ExecuteTask failed: %v", err)
	}
	_, _ = c.ExecuteTask(ctx, Task{Operation: fail})

	stats := c.GetCoordinationStats()
	if stats.Databases != 1 || stats.Healthy != 1 {
		t.Errorf("databases/healthy = %d/%d, want 1/1", stats.Databases, stats.Healthy)
	}
	if stats.TotalTasks != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("tasks = %d/%d/%d, want 2 total, 1 succeeded, 1 failed", stats.TotalTasks, stats.Succeeded, stats.Failed)
	}

	history := c.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if !history[0].Success || history[1].Success {
		t.Error("history order or outcomes wrong")
	}
}

func TestHistoryBounded(t *testing.T) {
	c := newTestCoordinator(t, "a")
	ctx := context.Background()

	ok := func(context.Context, *Database) error { return nil }
	for i := 0; i < taskHistorySize+10; i++ {
		if _, err := c.ExecuteTask(ctx, Task{Operation: ok}); err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}
	}
	if got := len(c.History()); got != taskHistorySize {
		t.Errorf("history length = %d, want %d", got, taskHistorySize)
	}
}
