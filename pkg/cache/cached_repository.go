package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/telemetry"
)

// OperationRecorder receives cache outcomes for external metrics collection.
// telemetry.Metrics satisfies it.
type OperationRecorder interface {
	RecordCacheOperation(entityType, result string)
}

// Options configures a CachedRepository.
type Options struct {
	// Strategy selects the population strategy; defaults to CacheAside.
	Strategy Strategy

	// Invalidation selects the invalidation policy; defaults to
	// WriteInvalidate.
	Invalidation InvalidationPolicy

	// TTL is the cache entry lifetime; defaults to 5 minutes.
	TTL time.Duration

	// Prefix namespaces all cache keys; defaults to "polystore".
	Prefix string

	// NewEntity allocates an empty entity for decoding cached values
	// (required).
	NewEntity func() repository.Entity

	// Logger is the component logger; defaults to a no-op logger.
	Logger *telemetry.Logger

	// Recorder receives cache outcomes; nil disables recording.
	Recorder OperationRecorder
}

// CachedRepository decorates a Repository with a cache. It is pure
// composition: the wrapped repository stays the single authority and the
// decorator only intercepts reads and writes according to its strategy.
//
// Cache-backend failures degrade gracefully: the call falls through to the
// wrapped repository and the error counter is incremented; a broken cache
// never fails a repository call.
type CachedRepository struct {
	repository.Repository

	cache        Cache
	strategy     Strategy
	invalidation InvalidationPolicy
	ttl          time.Duration
	prefix       string
	newEntity    func() repository.Entity
	log          *telemetry.Logger
	recorder     OperationRecorder
	metrics      *Metrics

	mu        sync.Mutex
	queryKeys map[string]struct{}
}

// NewCachedRepository wraps a repository with the given cache backend.
func NewCachedRepository(inner repository.Repository, backend Cache, opts Options) (*CachedRepository, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner repository is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("cache backend is required")
	}
	if opts.NewEntity == nil {
		return nil, fmt.Errorf("entity factory is required")
	}
	if opts.Strategy == "" {
		opts.Strategy = CacheAside
	}
	if !opts.Strategy.Valid() {
		return nil, fmt.Errorf("unknown cache strategy: %s", opts.Strategy)
	}
	if opts.Invalidation == "" {
		opts.Invalidation = WriteInvalidate
	}
	if !opts.Invalidation.Valid() {
		return nil, fmt.Errorf("unknown invalidation policy: %s", opts.Invalidation)
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Prefix == "" {
		opts.Prefix = "polystore"
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}

	return &CachedRepository{
		Repository:   inner,
		cache:        backend,
		strategy:     opts.Strategy,
		invalidation: opts.Invalidation,
		ttl:          opts.TTL,
		prefix:       opts.Prefix,
		newEntity:    opts.NewEntity,
		log:          opts.Logger.NewComponentLogger("cache." + inner.EntityType()),
		recorder:     opts.Recorder,
		metrics:      &Metrics{},
		queryKeys:    make(map[string]struct{}),
	}, nil
}

// Metrics returns the cache counters for this repository.
func (c *CachedRepository) Metrics() *Metrics {
	return c.metrics
}

func (c *CachedRepository) record(result string) {
	if c.recorder != nil {
		c.recorder.RecordCacheOperation(c.EntityType(), result)
	}
}

func (c *CachedRepository) hit()  { c.metrics.hit(); c.record("hit") }
func (c *CachedRepository) miss() { c.metrics.miss(); c.record("miss") }

func (c *CachedRepository) cacheError(err error) {
	c.metrics.error()
	c.record("error")
	c.log.WithError(err).Warn("cache backend error, falling through")
}

// entityKey is the deterministic key for one entity.
func (c *CachedRepository) entityKey(id string) string {
	return fmt.Sprintf("%s:entity:%s:%s", c.prefix, c.EntityType(), id)
}

// queryKey content-addresses a query so identical queries share a slot.
// Map keys serialize in sorted order, so the hash is stable.
func (c *CachedRepository) queryKey(operation string, filter repository.Filter, sort []repository.SortCriteria, limit, offset int) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"op":     operation,
		"filter": filter,
		"sort":   sort,
		"limit":  limit,
		"offset": offset,
	})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:query:%s:%s", c.prefix, c.EntityType(), hex.EncodeToString(sum[:8]))
}

// put stores a value best-effort.
func (c *CachedRepository) put(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		c.cacheError(err)
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		c.cacheError(err)
		return
	}
	c.metrics.write()
	c.record("write")
}

// drop removes a key best-effort.
func (c *CachedRepository) drop(ctx context.Context, key string) {
	if err := c.cache.Delete(ctx, key); err != nil {
		c.cacheError(err)
	}
}

func (c *CachedRepository) decodeEntity(data []byte) (repository.Entity, error) {
	e := c.newEntity()
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID checks the cache first, falls through to the wrapped repository on
// a miss, and populates the cache. Under WriteBehind the cache is skipped
// entirely to avoid racing an unflushed write.
func (c *CachedRepository) GetByID(ctx context.Context, id string) (repository.Entity, error) {
	if c.strategy == WriteBehind {
		return c.Repository.GetByID(ctx, id)
	}

	key := c.entityKey(id)
	data, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.cacheError(err)
	case ok:
		e, derr := c.decodeEntity(data)
		if derr == nil {
			c.hit()
			return e, nil
		}
		c.cacheError(derr)
	default:
		c.miss()
	}

	e, err := c.Repository.GetByID(ctx, id)
	if err != nil || e == nil {
		return e, err
	}
	c.put(ctx, key, e)
	return e, nil
}

// GetByIDOrFail is the failing variant of GetByID.
func (c *CachedRepository) GetByIDOrFail(ctx context.Context, id string) (repository.Entity, error) {
	e, err := c.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, repository.NewEntityNotFoundError(c.EntityType(), id)
	}
	return e, nil
}

// Exists answers through the cached GetByID.
func (c *CachedRepository) Exists(ctx context.Context, id string) (bool, error) {
	e, err := c.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// afterWrite applies the population strategy and invalidation policy once a
// write has succeeded against the wrapped repository.
func (c *CachedRepository) afterWrite(ctx context.Context, e repository.Entity) {
	if c.strategy == WriteThrough {
		c.put(ctx, c.entityKey(e.EntityID()), e)
	} else {
		c.drop(ctx, c.entityKey(e.EntityID()))
	}
	if c.invalidation == WriteInvalidate {
		c.invalidateQueries(ctx)
	}
}

// Create persists through the wrapped repository and applies the write
// strategy to the cache.
func (c *CachedRepository) Create(ctx context.Context, e repository.Entity) (repository.Entity, error) {
	created, err := c.Repository.Create(ctx, e)
	if err != nil {
		return nil, err
	}
	c.afterWrite(ctx, created)
	return created, nil
}

// Update persists through the wrapped repository and applies the write
// strategy to the cache; under WriteInvalidate the next GetByID is never
// stale.
func (c *CachedRepository) Update(ctx context.Context, e repository.Entity) (repository.Entity, error) {
	updated, err := c.Repository.Update(ctx, e)
	if err != nil {
		return nil, err
	}
	c.afterWrite(ctx, updated)
	return updated, nil
}

// Delete removes the entity and its cache entry.
func (c *CachedRepository) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := c.Repository.Delete(ctx, id)
	if err != nil {
		return deleted, err
	}
	c.drop(ctx, c.entityKey(id))
	if c.invalidation == WriteInvalidate {
		c.invalidateQueries(ctx)
	}
	return deleted, nil
}

// DeleteOrFail is the failing variant of Delete.
func (c *CachedRepository) DeleteOrFail(ctx context.Context, id string) error {
	deleted, err := c.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return repository.NewEntityNotFoundError(c.EntityType(), id)
	}
	return nil
}

// List caches result sets under a content-addressed query key.
func (c *CachedRepository) List(ctx context.Context, filter repository.Filter, sort []repository.SortCriteria, limit, offset int) ([]repository.Entity, error) {
	if c.strategy == WriteBehind {
		return c.Repository.List(ctx, filter, sort, limit, offset)
	}

	key := c.queryKey("list", filter, sort, limit, offset)
	data, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.cacheError(err)
	case ok:
		var raws []json.RawMessage
		if derr := json.Unmarshal(data, &raws); derr == nil {
			entities := make([]repository.Entity, 0, len(raws))
			for _, raw := range raws {
				e, derr := c.decodeEntity(raw)
				if derr != nil {
					entities = nil
					break
				}
				entities = append(entities, e)
			}
			if entities != nil || len(raws) == 0 {
				c.hit()
				return entities, nil
			}
		}
		c.cacheError(fmt.Errorf("corrupt cached query result"))
	default:
		c.miss()
	}

	entities, err := c.Repository.List(ctx, filter, sort, limit, offset)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, entities)
	c.trackQueryKey(key)
	return entities, nil
}

// Count caches counts under a content-addressed query key.
func (c *CachedRepository) Count(ctx context.Context, filter repository.Filter) (int64, error) {
	if c.strategy == WriteBehind {
		return c.Repository.Count(ctx, filter)
	}

	key := c.queryKey("count", filter, nil, 0, 0)
	data, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.cacheError(err)
	case ok:
		var n int64
		if derr := json.Unmarshal(data, &n); derr == nil {
			c.hit()
			return n, nil
		}
		c.cacheError(fmt.Errorf("corrupt cached count"))
	default:
		c.miss()
	}

	n, err := c.Repository.Count(ctx, filter)
	if err != nil {
		return 0, err
	}
	c.put(ctx, key, n)
	c.trackQueryKey(key)
	return n, nil
}

func (c *CachedRepository) trackQueryKey(key string) {
	c.mu.Lock()
	c.queryKeys[key] = struct{}{}
	c.mu.Unlock()
}

// invalidateQueries clears the query-cache namespace: every locally tracked
// key is deleted, and backends with pattern support also drop keys written
// by other processes.
func (c *CachedRepository) invalidateQueries(ctx context.Context) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.queryKeys))
	for key := range c.queryKeys {
		keys = append(keys, key)
	}
	c.queryKeys = make(map[string]struct{})
	c.mu.Unlock()

	for _, key := range keys {
		c.drop(ctx, key)
	}
	if pd, ok := c.cache.(PatternDeleter); ok {
		if _, err := pd.DeletePattern(ctx, fmt.Sprintf("%s:query:%s:*", c.prefix, c.EntityType())); err != nil {
			c.cacheError(err)
		}
	}
	c.metrics.invalidate()
	c.record("invalidate")
}

// WarmCache preloads entities by ID. Best-effort: absent IDs and cache
// failures are skipped. It returns the number of entities loaded.
func (c *CachedRepository) WarmCache(ctx context.Context, ids []string) int {
	warmed := 0
	for _, id := range ids {
		e, err := c.Repository.GetByID(ctx, id)
		if err != nil || e == nil {
			continue
		}
		c.put(ctx, c.entityKey(id), e)
		warmed++
	}
	return warmed
}

// InvalidateAll clears the local query cache and attempts a backend
// pattern-delete of the whole namespace. Pattern deletes are not guaranteed
// by all backends.
func (c *CachedRepository) InvalidateAll(ctx context.Context) {
	c.invalidateQueries(ctx)
	if pd, ok := c.cache.(PatternDeleter); ok {
		if _, err := pd.DeletePattern(ctx, fmt.Sprintf("%s:entity:%s:*", c.prefix, c.EntityType())); err != nil {
			c.cacheError(err)
		}
	}
}

// Cleanup invalidates cached state before cleaning up the wrapped
// repository.
func (c *CachedRepository) Cleanup(ctx context.Context) error {
	c.InvalidateAll(ctx)
	return c.Repository.Cleanup(ctx)
}
