package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/telemetry"
)

// Factory constructs a repository instance for one entity type.
type Factory func() (repository.Repository, error)

// Lifetime controls how resolved instances are shared.
type Lifetime string

const (
	// Singleton resolves one shared instance for the registry's lifetime.
	Singleton Lifetime = "singleton"

	// Scoped resolves one instance per active scope.
	Scoped Lifetime = "scoped"

	// Transient resolves a fresh instance on every call.
	Transient Lifetime = "transient"
)

// Valid reports whether the lifetime is a known value.
func (l Lifetime) Valid() bool {
	switch l {
	case Singleton, Scoped, Transient:
		return true
	}
	return false
}

type registration struct {
	factory    Factory
	factoryPtr uintptr
	lifetime   Lifetime
}

// Scope holds per-scope repository instances. A scope is typically created
// per request or per job and cleared when the work completes.
type Scope struct {
	id string

	mu        sync.Mutex
	instances map[string]repository.Repository
}

// ID returns the scope's unique identifier.
func (s *Scope) ID() string {
	return s.id
}

// Stats is a point-in-time snapshot of registry state.
type Stats struct {
	Registrations  int            `json:"registrations"`
	Singletons     int            `json:"singletons"`
	ScopeActive    bool           `json:"scope_active"`
	ScopeInstances int            `json:"scope_instances"`
	Lifetimes      map[string]int `json:"lifetimes"`
}

// Registry maps entity types to repository factories and manages resolved
// instances according to their registered lifetime. All methods are safe for
// concurrent use.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*registration
	singletons    map[string]repository.Repository
	currentScope  *Scope

	log *telemetry.Logger
}

// New creates an empty registry.
func New(log *telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Registry{
		registrations: make(map[string]*registration),
		singletons:    make(map[string]repository.Repository),
		log:           log.NewComponentLogger("registry"),
	}
}

// Register binds a factory to an entity type. Registering the same factory
// again is idempotent; registering a different factory for an already-bound
// entity type is a hard error, because silently swapping implementations
// mid-flight corrupts callers holding the old one.
func (r *Registry) Register(entityType string, factory Factory, lifetime Lifetime) error {
	if entityType == "" {
		return repository.NewRegistryError(entityType, "entity type is required")
	}
	if factory == nil {
		return repository.NewRegistryError(entityType, "factory is required")
	}
	if lifetime == "" {
		lifetime = Singleton
	}
	if !lifetime.Valid() {
		return repository.NewRegistryError(entityType, fmt.Sprintf("unknown lifetime: %s", lifetime))
	}

	ptr := reflect.ValueOf(factory).Pointer()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.registrations[entityType]; ok {
		if existing.factoryPtr == ptr && existing.lifetime == lifetime {
			return nil
		}
		return repository.NewRegistryError(entityType, "already registered with a different factory")
	}

	r.registrations[entityType] = &registration{
		factory:    factory,
		factoryPtr: ptr,
		lifetime:   lifetime,
	}
	r.log.WithEntityType(entityType).WithField("lifetime", string(lifetime)).Debug("repository registered")
	return nil
}

// MustRegister is Register but panics on error. Intended for wiring at
// startup where a registration failure is a programming mistake.
func (r *Registry) MustRegister(entityType string, factory Factory, lifetime Lifetime) {
	if err := r.Register(entityType, factory, lifetime); err != nil {
		panic(err)
	}
}

// IsRegistered reports whether an entity type has a registration.
func (r *Registry) IsRegistered(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registrations[entityType]
	return ok
}

// EntityTypes returns all registered entity types in sorted order.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.registrations))
	for t := range r.registrations {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// GetRepository resolves a repository instance for the entity type according
// to its registered lifetime.
func (r *Registry) GetRepository(entityType string) (repository.Repository, error) {
	r.mu.RLock()
	reg, ok := r.registrations[entityType]
	scope := r.currentScope
	r.mu.RUnlock()

	if !ok {
		return nil, repository.NewRegistryError(entityType, "not registered")
	}

	switch reg.lifetime {
	case Singleton:
		return r.resolveSingleton(entityType, reg)
	case Scoped:
		if scope == nil {
			return nil, repository.NewRegistryError(entityType, "scoped resolution requires an active scope")
		}
		return scope.resolve(entityType, reg)
	default:
		return reg.factory()
	}
}

// MustResolve is GetRepository but panics on error. Intended for wiring at
// startup where the registration is known to exist.
func (r *Registry) MustResolve(entityType string) repository.Repository {
	repo, err := r.GetRepository(entityType)
	if err != nil {
		panic(err)
	}
	return repo
}

func (r *Registry) resolveSingleton(entityType string, reg *registration) (repository.Repository, error) {
	r.mu.RLock()
	instance, ok := r.singletons[entityType]
	r.mu.RUnlock()
	if ok {
		return instance, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if instance, ok := r.singletons[entityType]; ok {
		return instance, nil
	}
	instance, err := reg.factory()
	if err != nil {
		return nil, repository.NewRegistryError(entityType, fmt.Sprintf("factory failed: %v", err))
	}
	r.singletons[entityType] = instance
	return instance, nil
}

func (s *Scope) resolve(entityType string, reg *registration) (repository.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instance, ok := s.instances[entityType]; ok {
		return instance, nil
	}
	instance, err := reg.factory()
	if err != nil {
		return nil, repository.NewRegistryError(entityType, fmt.Sprintf("factory failed: %v", err))
	}
	s.instances[entityType] = instance
	return instance, nil
}

// CreateScope creates a new, inactive scope. Call SetCurrentScope to make it
// the resolution target for scoped repositories.
func (r *Registry) CreateScope() *Scope {
	return &Scope{
		id:        uuid.New().String(),
		instances: make(map[string]repository.Repository),
	}
}

// SetCurrentScope makes the scope the resolution target for scoped
// repositories. Passing nil deactivates scoped resolution without cleanup.
func (r *Registry) SetCurrentScope(s *Scope) {
	r.mu.Lock()
	r.currentScope = s
	r.mu.Unlock()
}

// CurrentScope returns the active scope, or nil.
func (r *Registry) CurrentScope() *Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentScope
}

// ClearScope cleans up every instance in the current scope and deactivates
// it. Cleanup errors are collected and joined; every instance gets its
// cleanup call regardless of earlier failures.
func (r *Registry) ClearScope(ctx context.Context) error {
	r.mu.Lock()
	scope := r.currentScope
	r.currentScope = nil
	r.mu.Unlock()

	if scope == nil {
		return nil
	}

	scope.mu.Lock()
	instances := scope.instances
	scope.instances = make(map[string]repository.Repository)
	scope.mu.Unlock()

	var errs []error
	for entityType, instance := range instances {
		if err := instance.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", entityType, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.log.WithField("scope_id", scope.id).Debug("scope cleared")
	return nil
}

// Shutdown clears the current scope and cleans up all singleton instances.
// The registry remains usable; singletons are re-created on next resolution.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := r.ClearScope(ctx); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	singletons := r.singletons
	r.singletons = make(map[string]repository.Repository)
	r.mu.Unlock()

	for entityType, instance := range singletons {
		if err := instance.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", entityType, err))
		}
	}
	return errors.Join(errs...)
}

// GetStats returns a snapshot of registry state.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lifetimes := make(map[string]int, 3)
	for _, reg := range r.registrations {
		lifetimes[string(reg.lifetime)]++
	}
	stats := Stats{
		Registrations: len(r.registrations),
		Singletons:    len(r.singletons),
		Lifetimes:     lifetimes,
	}
	if r.currentScope != nil {
		stats.ScopeActive = true
		r.currentScope.mu.Lock()
		stats.ScopeInstances = len(r.currentScope.instances)
		r.currentScope.mu.Unlock()
	}
	return stats
}
