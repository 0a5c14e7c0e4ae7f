package repository

import "context"

// Document is the wire shape every backend speaks: a flat JSON-style map.
// Relational adapters present rows in this shape too.
type Document = map[string]interface{}

// Filter is a document-store filter as produced by the specification engine.
type Filter = map[string]interface{}

// IDField is the document key that carries the entity identity.
const IDField = "id"

// FindOptions carries sort, pagination, and projection for Collection.Find.
type FindOptions struct {
	// Sort lists sort criteria applied in order.
	Sort []SortCriteria

	// Limit caps the number of returned documents; zero means no limit.
	Limit int

	// Offset skips the first N matching documents.
	Offset int

	// Projection restricts returned fields; empty means all fields.
	Projection []string
}

// Collection is the per-collection (or per-table) CRUD contract backends
// implement. FindOne returns (nil, nil) when no document matches, keeping
// absence distinguishable from failure.
type Collection interface {
	Find(ctx context.Context, filter Filter, opts *FindOptions) ([]Document, error)
	FindOne(ctx context.Context, filter Filter) (Document, error)
	InsertOne(ctx context.Context, doc Document) (string, error)
	InsertMany(ctx context.Context, docs []Document) ([]string, error)
	UpdateOne(ctx context.Context, filter Filter, update Document) (int64, error)
	UpdateMany(ctx context.Context, filter Filter, update Document) (int64, error)
	DeleteOne(ctx context.Context, filter Filter) (int64, error)
	DeleteMany(ctx context.Context, filter Filter) (int64, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	Aggregate(ctx context.Context, pipeline []Document) ([]Document, error)
}

// Store is the backend contract: named collection access plus lifecycle.
type Store interface {
	// Collection returns a typed handle for the named collection. Handles are
	// cheap and safe to create per call.
	Collection(name string) Collection

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Session is a backend transaction handle used by the unit of work and the
// two-phase-commit strategy.
type Session interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// SessionStore is implemented by backends that support transactions. Backends
// without session support are tolerated; the unit of work simply skips them.
type SessionStore interface {
	Store

	// StartSession creates a new session. The session is inactive until
	// Begin is called.
	StartSession(ctx context.Context) (Session, error)
}
