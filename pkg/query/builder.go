// Package query provides a fluent builder over the repository contract.
//
// A Builder accumulates specifications (AND-combined), sort criteria,
// pagination, projection, grouping, aggregates, and hints, then delegates
// execution to its bound repository. Terminal methods never mutate the
// builder, so one configured builder can serve repeated queries.
package query

import (
	"context"
	"fmt"

	"github.com/polystore/polystore/pkg/repository"
	"github.com/polystore/polystore/pkg/spec"
)

// AggregateFunc names a scalar aggregate.
type AggregateFunc string

const (
	AggCount         AggregateFunc = "count"
	AggCountDistinct AggregateFunc = "count_distinct"
	AggSum           AggregateFunc = "sum"
	AggAvg           AggregateFunc = "avg"
	AggMin           AggregateFunc = "min"
	AggMax           AggregateFunc = "max"
)

// Aggregate is one requested scalar aggregate.
type Aggregate struct {
	Func  AggregateFunc
	Field string
	Alias string
}

// AggregateExecutor is implemented by repositories whose backend can answer
// scalar aggregates beyond COUNT. Repositories without it get a nil
// placeholder for SUM/AVG/MIN/MAX/COUNT_DISTINCT results.
type AggregateExecutor interface {
	ExecuteAggregate(ctx context.Context, agg Aggregate, filter repository.Filter) (interface{}, error)
}

// Result is the outcome of Builder.Execute: either a SELECT result with
// entities, or an aggregate result with one scalar per requested aggregate.
type Result struct {
	// Entities holds the SELECT result rows; nil for aggregate queries.
	Entities []repository.Entity

	// Aggregates maps aggregate aliases to their scalar values. Unsupported
	// aggregates are present with a nil value.
	Aggregates map[string]interface{}

	// IsAggregate reports whether the query was classified as an aggregate.
	IsAggregate bool
}

// Builder accumulates query state and delegates execution to a repository.
// Builders are not safe for concurrent mutation; Clone first when sharing.
type Builder struct {
	repo       repository.Repository
	specCtx    *spec.Context
	specs      []spec.Specification
	sort       []repository.SortCriteria
	limit      int
	offset     int
	projection []string
	groupBy    []string
	having     spec.Specification
	aggregates []Aggregate
	distinct   bool
	hints      map[string]interface{}
}

// New creates a builder bound to the given repository.
func New(repo repository.Repository) *Builder {
	return &Builder{
		repo:    repo,
		specCtx: spec.NewContext(repo.EntityType()),
	}
}

// WithContext sets the specification translation context used when compiling
// filters (field mapping, aliasing).
func (b *Builder) WithContext(ctx *spec.Context) *Builder {
	b.specCtx = ctx
	return b
}

// Where adds a specification. Accumulated specifications are AND-combined.
func (b *Builder) Where(s spec.Specification) *Builder {
	b.specs = append(b.specs, s)
	return b
}

// WhereField adds a single field comparison.
func (b *Builder) WhereField(field string, op spec.Operator, value interface{}) *Builder {
	return b.Where(spec.Field(field, op, value))
}

// OrderBy appends a sort criterion.
func (b *Builder) OrderBy(field string, direction repository.SortDirection) *Builder {
	b.sort = append(b.sort, repository.SortCriteria{Field: field, Direction: direction})
	return b
}

// OrderByAsc appends an ascending sort criterion.
func (b *Builder) OrderByAsc(field string) *Builder {
	return b.OrderBy(field, repository.SortAsc)
}

// OrderByDesc appends a descending sort criterion.
func (b *Builder) OrderByDesc(field string) *Builder {
	return b.OrderBy(field, repository.SortDesc)
}

// Limit caps the number of returned entities.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Offset skips the first n matching entities.
func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

// Page sets limit and offset from a 1-based page request.
func (b *Builder) Page(page, pageSize int) *Builder {
	req := repository.PageRequest{Page: page, PageSize: pageSize}
	b.limit = pageSize
	b.offset = req.Offset()
	return b
}

// Select restricts the projected fields. Advisory: backends without
// projection support return full documents.
func (b *Builder) Select(fields ...string) *Builder {
	b.projection = append(b.projection, fields...)
	return b
}

// GroupBy adds grouping fields for aggregate queries.
func (b *Builder) GroupBy(fields ...string) *Builder {
	b.groupBy = append(b.groupBy, fields...)
	return b
}

// Having sets the post-grouping predicate.
func (b *Builder) Having(s spec.Specification) *Builder {
	b.having = s
	return b
}

// Aggregate registers a scalar aggregate. Registering any aggregate
// classifies the query as an aggregate query.
func (b *Builder) Aggregate(fn AggregateFunc, field, alias string) *Builder {
	if alias == "" {
		alias = fmt.Sprintf("%s_%s", fn, field)
	}
	b.aggregates = append(b.aggregates, Aggregate{Func: fn, Field: field, Alias: alias})
	return b
}

// Count registers a COUNT aggregate.
func (b *Builder) Count() *Builder {
	return b.Aggregate(AggCount, "*", "count")
}

// Distinct marks the query as distinct.
func (b *Builder) Distinct() *Builder {
	b.distinct = true
	return b
}

// Hint attaches a backend execution hint.
func (b *Builder) Hint(name string, value interface{}) *Builder {
	if b.hints == nil {
		b.hints = make(map[string]interface{})
	}
	b.hints[name] = value
	return b
}

// Filter compiles the accumulated specifications into a document filter.
// With no specifications it returns nil, meaning match-all.
func (b *Builder) Filter() (repository.Filter, error) {
	switch len(b.specs) {
	case 0:
		return nil, nil
	case 1:
		return b.specs[0].ToFilter(b.specCtx)
	default:
		return spec.And(b.specs...).ToFilter(b.specCtx)
	}
}

// Execute runs the query. Aggregate queries win over SELECT: when any
// aggregate is registered, the result carries scalars instead of entities.
func (b *Builder) Execute(ctx context.Context) (*Result, error) {
	filter, err := b.Filter()
	if err != nil {
		return nil, err
	}

	if len(b.aggregates) > 0 {
		return b.executeAggregates(ctx, filter)
	}

	entities, err := b.repo.List(ctx, filter, b.sort, b.limit, b.offset)
	if err != nil {
		return nil, err
	}
	return &Result{Entities: entities}, nil
}

// executeAggregates answers each registered aggregate. COUNT goes through
// Repository.Count; everything else needs the backend to implement
// AggregateExecutor and otherwise yields a nil placeholder.
func (b *Builder) executeAggregates(ctx context.Context, filter repository.Filter) (*Result, error) {
	result := &Result{
		IsAggregate: true,
		Aggregates:  make(map[string]interface{}, len(b.aggregates)),
	}

	exec, hasExec := b.repo.(AggregateExecutor)

	for _, agg := range b.aggregates {
		switch {
		case agg.Func == AggCount:
			n, err := b.repo.Count(ctx, filter)
			if err != nil {
				return nil, err
			}
			result.Aggregates[agg.Alias] = n
		case hasExec:
			v, err := exec.ExecuteAggregate(ctx, agg, filter)
			if err != nil {
				return nil, err
			}
			result.Aggregates[agg.Alias] = v
		default:
			result.Aggregates[agg.Alias] = nil
		}
	}
	return result, nil
}

// First returns the first matching entity or nil. It forces limit=1 on a
// clone, leaving the builder state untouched.
func (b *Builder) First(ctx context.Context) (repository.Entity, error) {
	result, err := b.Clone().Limit(1).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(result.Entities) == 0 {
		return nil, nil
	}
	return result.Entities[0], nil
}

// CountOnly returns the matching count without materializing entities.
func (b *Builder) CountOnly(ctx context.Context) (int64, error) {
	filter, err := b.Filter()
	if err != nil {
		return 0, err
	}
	return b.repo.Count(ctx, filter)
}

// ExistsAny reports whether any entity matches, without materializing the
// full result.
func (b *Builder) ExistsAny(ctx context.Context) (bool, error) {
	n, err := b.CountOnly(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExecutePage runs the query as a paginated list with computed page info.
func (b *Builder) ExecutePage(ctx context.Context, page repository.PageRequest) ([]repository.Entity, repository.PageInfo, error) {
	filter, err := b.Filter()
	if err != nil {
		return nil, repository.PageInfo{}, err
	}
	return b.repo.ListPage(ctx, filter, b.sort, page)
}

// Clone returns an independent copy of the builder.
func (b *Builder) Clone() *Builder {
	out := &Builder{
		repo:     b.repo,
		specCtx:  b.specCtx,
		limit:    b.limit,
		offset:   b.offset,
		having:   b.having,
		distinct: b.distinct,
	}
	out.specs = append([]spec.Specification(nil), b.specs...)
	out.sort = append([]repository.SortCriteria(nil), b.sort...)
	out.projection = append([]string(nil), b.projection...)
	out.groupBy = append([]string(nil), b.groupBy...)
	out.aggregates = append([]Aggregate(nil), b.aggregates...)
	if b.hints != nil {
		out.hints = make(map[string]interface{}, len(b.hints))
		for k, v := range b.hints {
			out.hints[k] = v
		}
	}
	return out
}

// Reset clears all accumulated state, keeping the bound repository.
func (b *Builder) Reset() *Builder {
	*b = Builder{
		repo:    b.repo,
		specCtx: spec.NewContext(b.repo.EntityType()),
	}
	return b
}
