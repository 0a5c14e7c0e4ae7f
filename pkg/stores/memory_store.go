package stores

import (
	"context"
	"fmt"
	"sync"

	"github.com/polystore/polystore/pkg/repository"
)

// MemoryStore is an in-memory document store. It supports the full filter
// dialect and snapshot-based transactions: a session snapshots all
// collections on Begin, rollback restores the snapshot, commit discards it.
// One transaction may be open at a time.
type MemoryStore struct {
	name string

	mu          sync.RWMutex
	collections map[string]map[string]repository.Document
	snapshot    map[string]map[string]repository.Document
	closed      bool
}

// NewMemoryStore creates an empty store. The name only labels errors.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:        name,
		collections: make(map[string]map[string]repository.Document),
	}
}

// Collection returns a handle for the named collection, creating it lazily.
func (s *MemoryStore) Collection(name string) repository.Collection {
	return &memoryCollection{store: s, name: name}
}

// HealthCheck reports failure only after Close.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store %s is closed", s.name)
	}
	return nil
}

// Close marks the store closed and drops all data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.collections = make(map[string]map[string]repository.Document)
	s.snapshot = nil
	return nil
}

// StartSession creates an inactive session.
func (s *MemoryStore) StartSession(_ context.Context) (repository.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store %s is closed", s.name)
	}
	return &memorySession{store: s}, nil
}

// Len returns the number of documents in a collection.
func (s *MemoryStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *MemoryStore) snapshotAll() map[string]map[string]repository.Document {
	snap := make(map[string]map[string]repository.Document, len(s.collections))
	for name, docs := range s.collections {
		coll := make(map[string]repository.Document, len(docs))
		for id, doc := range docs {
			coll[id] = copyDocument(doc)
		}
		snap[name] = coll
	}
	return snap
}

type memorySession struct {
	store *MemoryStore
	mu    sync.Mutex
	open  bool
	done  bool
}

func (m *memorySession) Begin(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open || m.done {
		return fmt.Errorf("session already used")
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.snapshot != nil {
		return fmt.Errorf("store %s: transaction already in progress", m.store.name)
	}
	m.store.snapshot = m.store.snapshotAll()
	m.open = true
	return nil
}

func (m *memorySession) Commit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("no transaction in progress")
	}

	m.store.mu.Lock()
	m.store.snapshot = nil
	m.store.mu.Unlock()
	m.open = false
	m.done = true
	return nil
}

func (m *memorySession) Rollback(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("no transaction in progress")
	}

	m.store.mu.Lock()
	m.store.collections = m.store.snapshot
	m.store.snapshot = nil
	m.store.mu.Unlock()
	m.open = false
	m.done = true
	return nil
}

// Close rolls back when the session is still open.
func (m *memorySession) Close(ctx context.Context) error {
	m.mu.Lock()
	open := m.open
	m.mu.Unlock()
	if open {
		return m.Rollback(ctx)
	}
	return nil
}

type memoryCollection struct {
	store *MemoryStore
	name  string
}

func (c *memoryCollection) docs() map[string]repository.Document {
	coll, ok := c.store.collections[c.name]
	if !ok {
		coll = make(map[string]repository.Document)
		c.store.collections[c.name] = coll
	}
	return coll
}

func (c *memoryCollection) Find(_ context.Context, filter repository.Filter, opts *repository.FindOptions) ([]repository.Document, error) {
	c.store.mu.RLock()
	var matched []repository.Document
	for _, doc := range c.store.collections[c.name] {
		if matchesFilter(doc, filter) {
			matched = append(matched, copyDocument(doc))
		}
	}
	c.store.mu.RUnlock()

	if opts == nil {
		opts = &repository.FindOptions{}
	}
	sortDocuments(matched, opts.Sort)
	if len(opts.Sort) == 0 {
		// deterministic order for unsorted queries
		sortDocuments(matched, []repository.SortCriteria{{Field: repository.IDField, Direction: repository.SortAsc}})
	}
	matched = applyWindow(matched, opts.Limit, opts.Offset)

	out := make([]repository.Document, 0, len(matched))
	for _, doc := range matched {
		out = append(out, applyProjection(doc, opts.Projection))
	}
	return out, nil
}

func (c *memoryCollection) FindOne(ctx context.Context, filter repository.Filter) (repository.Document, error) {
	docs, err := c.Find(ctx, filter, &repository.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (c *memoryCollection) InsertOne(_ context.Context, doc repository.Document) (string, error) {
	id, _ := doc[repository.IDField].(string)
	if id == "" {
		return "", fmt.Errorf("document is missing %q", repository.IDField)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	coll := c.docs()
	if _, exists := coll[id]; exists {
		return "", repository.ErrDuplicateID
	}
	coll[id] = copyDocument(doc)
	return id, nil
}

func (c *memoryCollection) InsertMany(ctx context.Context, docs []repository.Document) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := c.InsertOne(ctx, doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// merge applies the update's fields onto the stored document. The ID field
// never changes.
func merge(doc, update repository.Document) {
	for k, v := range update {
		if k == repository.IDField {
			continue
		}
		doc[k] = copyValue(v)
	}
}

func (c *memoryCollection) UpdateOne(_ context.Context, filter repository.Filter, update repository.Document) (int64, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, doc := range c.store.collections[c.name] {
		if matchesFilter(doc, filter) {
			merge(doc, update)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *memoryCollection) UpdateMany(_ context.Context, filter repository.Filter, update repository.Document) (int64, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var n int64
	for _, doc := range c.store.collections[c.name] {
		if matchesFilter(doc, filter) {
			merge(doc, update)
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) DeleteOne(_ context.Context, filter repository.Filter) (int64, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	coll := c.store.collections[c.name]
	for id, doc := range coll {
		if matchesFilter(doc, filter) {
			delete(coll, id)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *memoryCollection) DeleteMany(_ context.Context, filter repository.Filter) (int64, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	coll := c.store.collections[c.name]
	var n int64
	for id, doc := range coll {
		if matchesFilter(doc, filter) {
			delete(coll, id)
			n++
		}
	}
	return n, nil
}

func (c *memoryCollection) Count(_ context.Context, filter repository.Filter) (int64, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	var n int64
	for _, doc := range c.store.collections[c.name] {
		if matchesFilter(doc, filter) {
			n++
		}
	}
	return n, nil
}

// Aggregate supports a single $match stage followed by optional $count. The
// full pipeline language is out of reach for an in-memory store; callers
// needing more push computation into the repository layer.
func (c *memoryCollection) Aggregate(ctx context.Context, pipeline []repository.Document) ([]repository.Document, error) {
	filter := repository.Filter{}
	countAlias := ""
	for _, stage := range pipeline {
		if match, ok := stage["$match"].(map[string]interface{}); ok {
			filter = match
			continue
		}
		if alias, ok := stage["$count"].(string); ok {
			countAlias = alias
			continue
		}
		return nil, fmt.Errorf("unsupported aggregation stage")
	}

	if countAlias != "" {
		n, err := c.Count(ctx, filter)
		if err != nil {
			return nil, err
		}
		return []repository.Document{{countAlias: n}}, nil
	}
	return c.Find(ctx, filter, nil)
}
