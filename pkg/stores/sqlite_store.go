package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/polystore/polystore/pkg/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore is a document store backed by a single SQLite table. Documents
// are stored as JSON with (collection, id) as the primary key; filterable
// conditions are pushed down as json_extract predicates and everything else
// is evaluated in memory. One transaction may be open at a time.
type SQLiteStore struct {
	path string
	cfg  SQLiteConfig
	db   *sql.DB

	mu sync.Mutex
	tx *sql.Tx
}

// NewSQLiteStore creates a new SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Collection returns a handle for the named collection.
func (s *SQLiteStore) Collection(name string) repository.Collection {
	return &sqliteCollection{store: s, name: name}
}

// StartSession creates an inactive transaction session. While a session is
// active all collection operations route through its transaction.
func (s *SQLiteStore) StartSession(_ context.Context) (repository.Session, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return &sqliteSession{store: s}, nil
}

// dbtx is the common surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// handle returns the active transaction when one exists, else the pool.
func (s *SQLiteStore) handle() dbtx {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

type sqliteSession struct {
	store *SQLiteStore
	open  bool
	done  bool
}

func (t *sqliteSession) Begin(ctx context.Context) error {
	if t.open || t.done {
		return fmt.Errorf("session already used")
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.tx != nil {
		return fmt.Errorf("transaction already in progress")
	}
	tx, err := t.store.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	t.store.tx = tx
	t.open = true
	return nil
}

func (t *sqliteSession) Commit(_ context.Context) error {
	if !t.open {
		return fmt.Errorf("no transaction in progress")
	}

	t.store.mu.Lock()
	tx := t.store.tx
	t.store.tx = nil
	t.store.mu.Unlock()
	t.open = false
	t.done = true

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteSession) Rollback(_ context.Context) error {
	if !t.open {
		return fmt.Errorf("no transaction in progress")
	}

	t.store.mu.Lock()
	tx := t.store.tx
	t.store.tx = nil
	t.store.mu.Unlock()
	t.open = false
	t.done = true

	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (t *sqliteSession) Close(ctx context.Context) error {
	if t.open {
		return t.Rollback(ctx)
	}
	return nil
}

type sqliteCollection struct {
	store *SQLiteStore
	name  string
}

// translateFilter pushes simple conditions down to SQL. It handles bare
// equality and the comparison operators on top-level fields, plus $and of
// such conditions. Anything else reports ok=false and the caller falls back
// to an in-memory scan; matchesFilter re-checks every row either way.
func translateFilter(filter repository.Filter) (string, []interface{}, bool) {
	var clauses []string
	var args []interface{}

	for key, condition := range filter {
		switch key {
		case "$and":
			for _, sub := range toFilterList(condition) {
				clause, subArgs, ok := translateFilter(sub)
				if !ok {
					return "", nil, false
				}
				if clause != "" {
					clauses = append(clauses, clause)
					args = append(args, subArgs...)
				}
			}
		case "$or", "$not":
			return "", nil, false
		default:
			clause, condArgs, ok := translateCondition(key, condition)
			if !ok {
				return "", nil, false
			}
			clauses = append(clauses, clause)
			args = append(args, condArgs...)
		}
	}
	return strings.Join(clauses, " AND "), args, true
}

func translateCondition(field string, condition interface{}) (string, []interface{}, bool) {
	col := fmt.Sprintf("json_extract(doc, '$.%s')", field)
	if field == repository.IDField {
		col = "id"
	}

	ops, isMap := condition.(map[string]interface{})
	if !isMap || !hasOperatorKey(ops) {
		if !scalarArg(condition) {
			return "", nil, false
		}
		return col + " = ?", []interface{}{condition}, true
	}

	var clauses []string
	var args []interface{}
	for op, operand := range ops {
		var cmp string
		switch op {
		case "$eq":
			cmp = "="
		case "$ne":
			cmp = "!="
		case "$gt":
			cmp = ">"
		case "$gte":
			cmp = ">="
		case "$lt":
			cmp = "<"
		case "$lte":
			cmp = "<="
		case "$in", "$nin":
			items, ok := operand.([]interface{})
			if !ok || len(items) == 0 {
				return "", nil, false
			}
			for _, item := range items {
				if !scalarArg(item) {
					return "", nil, false
				}
				args = append(args, item)
			}
			neg := ""
			if op == "$nin" {
				neg = "NOT "
			}
			clauses = append(clauses, fmt.Sprintf("%s %sIN (%s)", col, neg, placeholders(len(items))))
			continue
		default:
			return "", nil, false
		}
		if !scalarArg(operand) {
			return "", nil, false
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", col, cmp))
		args = append(args, operand)
	}
	return strings.Join(clauses, " AND "), args, true
}

func scalarArg(v interface{}) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// load fetches candidate documents, pushing the filter down when it
// translates and re-checking every row in memory.
func (c *sqliteCollection) load(ctx context.Context, filter repository.Filter) ([]repository.Document, error) {
	query := "SELECT doc FROM documents WHERE collection = ?"
	args := []interface{}{c.name}
	if clause, clauseArgs, ok := translateFilter(filter); ok && clause != "" {
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}

	rows, err := c.store.handle().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []repository.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var doc repository.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		if matchesFilter(doc, filter) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func (c *sqliteCollection) Find(ctx context.Context, filter repository.Filter, opts *repository.FindOptions) ([]repository.Document, error) {
	docs, err := c.load(ctx, filter)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &repository.FindOptions{}
	}
	sortDocuments(docs, opts.Sort)
	if len(opts.Sort) == 0 {
		sortDocuments(docs, []repository.SortCriteria{{Field: repository.IDField, Direction: repository.SortAsc}})
	}
	docs = applyWindow(docs, opts.Limit, opts.Offset)

	out := make([]repository.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, applyProjection(doc, opts.Projection))
	}
	return out, nil
}

func (c *sqliteCollection) FindOne(ctx context.Context, filter repository.Filter) (repository.Document, error) {
	docs, err := c.Find(ctx, filter, &repository.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (c *sqliteCollection) InsertOne(ctx context.Context, doc repository.Document) (string, error) {
	id, _ := doc[repository.IDField].(string)
	if id == "" {
		return "", fmt.Errorf("document is missing %q", repository.IDField)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	query := "INSERT INTO documents (collection, id, doc) VALUES (?, ?, ?)"
	if _, err := c.store.handle().ExecContext(ctx, query, c.name, id, string(raw)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", repository.ErrDuplicateID
		}
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	return id, nil
}

func (c *sqliteCollection) InsertMany(ctx context.Context, docs []repository.Document) ([]string, error) {
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

func (c *sqliteCollection) updateDoc(ctx context.Context, doc, update repository.Document) error {
	merge(doc, update)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	id, _ := doc[repository.IDField].(string)
	query := "UPDATE documents SET doc = ?, updated_at = CURRENT_TIMESTAMP WHERE collection = ? AND id = ?"
	if _, err := c.store.handle().ExecContext(ctx, query, string(raw), c.name, id); err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

func (c *sqliteCollection) UpdateOne(ctx context.Context, filter repository.Filter, update repository.Document) (int64, error) {
	docs, err := c.Find(ctx, filter, &repository.FindOptions{Limit: 1})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if err := c.updateDoc(ctx, docs[0], update); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *sqliteCollection) UpdateMany(ctx context.Context, filter repository.Filter, update repository.Document) (int64, error) {
	docs, err := c.load(ctx, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range docs {
		if err := c.updateDoc(ctx, doc, update); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *sqliteCollection) deleteByID(ctx context.Context, id string) error {
	query := "DELETE FROM documents WHERE collection = ? AND id = ?"
	if _, err := c.store.handle().ExecContext(ctx, query, c.name, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (c *sqliteCollection) DeleteOne(ctx context.Context, filter repository.Filter) (int64, error) {
	docs, err := c.Find(ctx, filter, &repository.FindOptions{Limit: 1})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	id, _ := docs[0][repository.IDField].(string)
	if err := c.deleteByID(ctx, id); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *sqliteCollection) DeleteMany(ctx context.Context, filter repository.Filter) (int64, error) {
	docs, err := c.load(ctx, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range docs {
		id, _ := doc[repository.IDField].(string)
		if err := c.deleteByID(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *sqliteCollection) Count(ctx context.Context, filter repository.Filter) (int64, error) {
	if clause, args, ok := translateFilter(filter); ok {
		query := "SELECT COUNT(*) FROM documents WHERE collection = ?"
		queryArgs := []interface{}{c.name}
		if clause != "" {
			query += " AND " + clause
			queryArgs = append(queryArgs, args...)
		}
		var n int64
		if err := c.store.handle().QueryRowContext(ctx, query, queryArgs...).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count documents: %w", err)
		}
		return n, nil
	}

	docs, err := c.load(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Aggregate supports a $match stage followed by optional $count, mirroring
// the in-memory store.
func (c *sqliteCollection) Aggregate(ctx context.Context, pipeline []repository.Document) ([]repository.Document, error) {
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
