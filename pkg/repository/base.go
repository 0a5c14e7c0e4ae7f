package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polystore/polystore/pkg/telemetry"
)

// Config holds base repository configuration.
type Config struct {
	// EntityType is the logical entity type (required).
	EntityType string

	// Collection is the backend collection name; defaults to EntityType.
	Collection string

	// NewEntity allocates an empty entity for decoding (required).
	NewEntity func() Entity

	// MaxPageSize clamps ListPage page sizes; defaults to 100.
	MaxPageSize int

	// Metrics receives operation outcomes; nil disables recording.
	Metrics MetricsRecorder

	// Logger is the component logger; defaults to a no-op logger.
	Logger *telemetry.Logger

	// Tracer emits a span per operation; nil disables tracing.
	Tracer *telemetry.Tracer
}

// BaseRepository implements Repository on top of a document-store Collection.
// It is safe for concurrent use: singleton-scoped instances are shared across
// callers and the internal counters are mutex-guarded.
type BaseRepository struct {
	entityType  string
	store       Store
	coll        Collection
	newEntity   func() Entity
	maxPageSize int
	metrics     MetricsRecorder
	log         *telemetry.Logger
	tracer      *telemetry.Tracer

	mu       sync.Mutex
	counters map[string]int64
}

// NewBaseRepository creates a repository over the given store.
func NewBaseRepository(store Store, cfg Config) (*BaseRepository, error) {
	if cfg.EntityType == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	if cfg.NewEntity == nil {
		return nil, fmt.Errorf("entity factory is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = cfg.EntityType
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNopLogger()
	}

	return &BaseRepository{
		entityType:  cfg.EntityType,
		store:       store,
		coll:        store.Collection(cfg.Collection),
		newEntity:   cfg.NewEntity,
		maxPageSize: cfg.MaxPageSize,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.NewComponentLogger("repository." + cfg.EntityType),
		tracer:      cfg.Tracer,
		counters:    make(map[string]int64),
	}, nil
}

// EntityType returns the logical entity type this repository manages.
func (r *BaseRepository) EntityType() string {
	return r.entityType
}

// Store returns the backing store.
func (r *BaseRepository) Store() Store {
	return r.store
}

// observe records the outcome of one operation in the counters and the
// metrics recorder.
func (r *BaseRepository) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.mu.Lock()
	r.counters[operation+"_"+status]++
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRepositoryOperation(r.entityType, operation, status, time.Since(start))
	}
}

// encode converts an entity to its document form.
func (r *BaseRepository) encode(e Entity) (Document, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", r.entityType, err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", r.entityType, err)
	}
	doc[IDField] = e.EntityID()
	return doc, nil
}

// decode converts a document back into an entity.
func (r *BaseRepository) decode(doc Document) (Entity, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", r.entityType, err)
	}
	e := r.newEntity()
	if err := json.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", r.entityType, err)
	}
	if id, ok := doc[IDField].(string); ok && e.EntityID() == "" {
		e.SetEntityID(id)
	}
	return e, nil
}

// Create persists a new entity, assigning a UUID identity when absent.
func (r *BaseRepository) Create(ctx context.Context, e Entity) (Entity, error) {
	ctx, span := r.tracer.StartRepositorySpan(ctx, r.entityType, "create")
	start := time.Now()
	created, err := r.create(ctx, e)
	r.observe("create", start, err)
	telemetry.EndSpan(span, err)
	return created, err
}

func (r *BaseRepository) create(ctx context.Context, e Entity) (Entity, error) {
	if e.EntityID() == "" {
		e.SetEntityID(uuid.New().String())
	}

	doc, err := r.encode(e)
	if err != nil {
		return nil, wrapError(r.entityType, "create", err)
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			return nil, NewDuplicateEntityError(r.entityType, e.EntityID())
		}
		return nil, wrapError(r.entityType, "create", err)
	}

	r.log.Debugf("created %s %s", r.entityType, e.EntityID())
	return e, nil
}

// GetByID returns the entity or (nil, nil) when absent.
func (r *BaseRepository) GetByID(ctx context.Context, id string) (Entity, error) {
	ctx, span := r.tracer.StartRepositorySpan(ctx, r.entityType, "get_by_id")
	start := time.Now()
	e, err := r.getByID(ctx, id)
	r.observe("get_by_id", start, err)
	telemetry.EndSpan(span, err)
	return e, err
}

func (r *BaseRepository) getByID(ctx context.Context, id string) (Entity, error) {
	doc, err := r.coll.FindOne(ctx, Filter{IDField: id})
	if err != nil {
		return nil, wrapError(r.entityType, "get_by_id", err)
	}
	if doc == nil {
		return nil, nil
	}
	e, err := r.decode(doc)
	if err != nil {
		return nil, wrapError(r.entityType, "get_by_id", err)
	}
	return e, nil
}

// GetByIDOrFail returns the entity or an EntityNotFoundError.
func (r *BaseRepository) GetByIDOrFail(ctx context.Context, id string) (Entity, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, NewEntityNotFoundError(r.entityType, id)
	}
	return e, nil
}

// Update persists an existing entity.
func (r *BaseRepository) Update(ctx context.Context, e Entity) (Entity, error) {
	ctx, span := r.tracer.StartRepositorySpan(ctx, r.entityType, "update")
	start := time.Now()
	updated, err := r.update(ctx, e)
	r.observe("update", start, err)
	telemetry.EndSpan(span, err)
	return updated, err
}

func (r *BaseRepository) update(ctx context.Context, e Entity) (Entity, error) {
	if e.EntityID() == "" {
		return nil, NewRepositoryError(r.entityType, "update", "entity has no identity", nil)
	}

	doc, err := r.encode(e)
	if err != nil {
		return nil, wrapError(r.entityType, "update", err)
	}

	n, err := r.coll.UpdateOne(ctx, Filter{IDField: e.EntityID()}, doc)
	if err != nil {
		return nil, wrapError(r.entityType, "update", err)
	}
	if n == 0 {
		return nil, NewEntityNotFoundError(r.entityType, e.EntityID())
	}

	r.log.Debugf("updated %s %s", r.entityType, e.EntityID())
	return e, nil
}

// Delete removes the entity, reporting whether it existed.
func (r *BaseRepository) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := r.tracer.StartRepositorySpan(ctx, r.entityType, "delete")
	start := time.Now()
	n, err := r.coll.DeleteOne(ctx, Filter{IDField: id})
	err = wrapError(r.entityType, "delete", err)
	r.observe("delete", start, err)
	telemetry.EndSpan(span, err)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteOrFail removes the entity or fails with an EntityNotFoundError.
func (r *BaseRepository) DeleteOrFail(ctx context.Context, id string) error {
	deleted, err := r.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return NewEntityNotFoundError(r.entityType, id)
	}
	return nil
}

// List returns entities matching the filter with sort and windowing.
func (r *BaseRepository) List(ctx context.Context, filter Filter, sort []SortCriteria, limit, offset int) ([]Entity, error) {
	ctx, span := r.tracer.StartRepositorySpan(ctx, r.entityType, "list")
	start := time.Now()
	entities, err := r.list(ctx, filter, sort, limit, offset)
	r.observe("list", start, err)
	telemetry.EndSpan(span, err)
	return entities, err
}

func (r *BaseRepository) list(ctx context.Context, filter Filter, sort []SortCriteria, limit, offset int) ([]Entity, error) {
	docs, err := r.coll.Find(ctx, filter, &FindOptions{Sort: sort, Limit: limit, Offset: offset})
	if err != nil {
		return nil, wrapError(r.entityType, "list", err)
	}

	entities := make([]Entity, 0, len(docs))
	for _, doc := range docs {
		e, err := r.decode(doc)
		if err != nil {
			return nil, wrapError(r.entityType, "list", err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// Count returns the number of entities matching the filter.
func (r *BaseRepository) Count(ctx context.Context, filter Filter) (int64, error) {
	ctx, span := r.tracer.StartRepositorySpan(ctx, r.entityType, "count")
	start := time.Now()
	n, err := r.coll.Count(ctx, filter)
	err = wrapError(r.entityType, "count", err)
	r.observe("count", start, err)
	telemetry.EndSpan(span, err)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Exists reports whether an entity with the given identity exists.
func (r *BaseRepository) Exists(ctx context.Context, id string) (bool, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// ListPage returns one page plus computed pagination info.
func (r *BaseRepository) ListPage(ctx context.Context, filter Filter, sort []SortCriteria, page PageRequest) ([]Entity, PageInfo, error) {
	if page.Page < 1 {
		page.Page = 1
	}
	if page.PageSize < 1 || page.PageSize > r.maxPageSize {
		page.PageSize = r.maxPageSize
	}

	total, err := r.Count(ctx, filter)
	if err != nil {
		return nil, PageInfo{}, err
	}

	entities, err := r.List(ctx, filter, sort, page.PageSize, page.Offset())
	if err != nil {
		return nil, PageInfo{}, err
	}

	return entities, NewPageInfo(page.Page, page.PageSize, total), nil
}

// BatchCreate persists entities sequentially; partial failure is possible.
func (r *BaseRepository) BatchCreate(ctx context.Context, entities []Entity) *BatchResult {
	result := &BatchResult{}
	for i, e := range entities {
		created, err := r.Create(ctx, e)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchItemError{Index: i, EntityID: e.EntityID(), Err: err})
			continue
		}
		result.Succeeded++
		result.Entities = append(result.Entities, created)
	}
	return result
}

// BatchUpdate updates entities sequentially; partial failure is possible.
func (r *BaseRepository) BatchUpdate(ctx context.Context, entities []Entity) *BatchResult {
	result := &BatchResult{}
	for i, e := range entities {
		updated, err := r.Update(ctx, e)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchItemError{Index: i, EntityID: e.EntityID(), Err: err})
			continue
		}
		result.Succeeded++
		result.Entities = append(result.Entities, updated)
	}
	return result
}

// BatchDelete deletes by ID sequentially; partial failure is possible.
func (r *BaseRepository) BatchDelete(ctx context.Context, ids []string) *BatchResult {
	result := &BatchResult{}
	for i, id := range ids {
		deleted, err := r.Delete(ctx, id)
		if err == nil && !deleted {
			err = NewEntityNotFoundError(r.entityType, id)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchItemError{Index: i, EntityID: id, Err: err})
			continue
		}
		result.Succeeded++
	}
	return result
}

// Counters returns a snapshot of the per-operation success/error counters.
func (r *BaseRepository) Counters() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Cleanup releases repository-scoped resources. The base repository holds
// none; decorators override this to flush caches.
func (r *BaseRepository) Cleanup(_ context.Context) error {
	return nil
}
