// Package docstore implements the embedded document store of the RunForge
// core: named collections of JSON documents over a single SQLite file, plus a
// unit-of-work session layer that gives atomic-looking multi-collection
// mutation on top of it.
//
// All access is serialized through one gate (a single SQL connection guarded
// by a mutex). This trades write parallelism for correctness against an
// embedded store with no row-level locking; concurrent callers serialize,
// they do not deadlock.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	otelx "github.com/runforge/runforge/internal/otel"
)

// ErrClosed is returned by operations on an engine that has been closed.
var ErrClosed = errors.New("docstore: engine closed")

// Entity is the contract every persisted document type satisfies. Clone must
// return a deep copy; sessions rely on it to keep their cached copies
// isolated from caller mutation.
type Entity[T any] interface {
	Collection() string
	DocumentID() string
	Clone() T
}

// CollectionSpec declares one collection in the static registry. IndexFields
// name top-level JSON fields that get an expression index.
type CollectionSpec struct {
	Name        string
	IndexFields []string
}

// Engine is the process-wide document store handle. One engine per embedded
// file; callers share it and open short-lived sessions against it.
type Engine struct {
	mu      sync.Mutex
	db      *sql.DB
	closed  bool
	logger  *slog.Logger
	metrics *otelx.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *otelx.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Open opens (creating if needed) the embedded database file and ensures a
// table plus declared indexes for every collection in the registry.
func Open(path string, registry []CollectionSpec, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	e := &Engine{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	for _, spec := range registry {
		if err := e.ensureCollection(ctx, spec); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	e.logger.Debug("document store opened", "path", path, "collections", len(registry))
	return e, nil
}

// Close closes the underlying database. In-flight operations fail with
// ErrClosed once it returns.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

func (e *Engine) ensureCollection(ctx context.Context, spec CollectionSpec) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		body JSON NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`, spec.Name)
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create collection %s: %w", spec.Name, err)
	}
	for _, field := range spec.IndexFields {
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (json_extract(body, '$.%s'));`,
			"idx_"+spec.Name+"_"+field, spec.Name, field)
		if _, err := e.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", spec.Name, field, err)
		}
	}
	return nil
}

// enter acquires the gate and checks for cancellation and closure. Every
// storage round-trip goes through it.
func (e *Engine) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (e *Engine) leave() { e.mu.Unlock() }

// getRaw fetches one document body by id. Missing documents are (nil, false, nil).
func (e *Engine) getRaw(ctx context.Context, collection, id string) ([]byte, bool, error) {
	if err := e.enter(ctx); err != nil {
		return nil, false, err
	}
	defer e.leave()

	var body []byte
	err := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT body FROM %q WHERE id = ?;`, collection), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return body, true, nil
}

// scanRaw returns every document body in a collection (a full scan).
func (e *Engine) scanRaw(ctx context.Context, collection string) (map[string][]byte, error) {
	if err := e.enter(ctx); err != nil {
		return nil, err
	}
	defer e.leave()

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, body FROM %q;`, collection))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", collection, err)
		}
		docs[id] = body
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

func (e *Engine) upsertRaw(ctx context.Context, collection, id string, body []byte) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.leave()

	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at;
	`, collection), id, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

func (e *Engine) deleteRaw(ctx context.Context, collection, id string) (bool, error) {
	if err := e.enter(ctx); err != nil {
		return false, err
	}
	defer e.leave()

	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE id = ?;`, collection), id)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get loads one entity by id. Missing entities are (zero, false, nil).
func Get[T Entity[T]](ctx context.Context, e *Engine, id string) (T, bool, error) {
	var zero T
	body, ok, err := e.getRaw(ctx, zero.Collection(), id)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return zero, false, fmt.Errorf("decode %s/%s: %w", zero.Collection(), id, err)
	}
	return v, true, nil
}

// All returns every entity in T's collection.
func All[T Entity[T]](ctx context.Context, e *Engine) ([]T, error) {
	var zero T
	raw, err := e.scanRaw(ctx, zero.Collection())
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for id, body := range raw {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", zero.Collection(), id, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Find returns the entities matching pred. It is a full collection scan with
// the predicate evaluated in process.
func Find[T Entity[T]](ctx context.Context, e *Engine, pred func(T) bool) ([]T, error) {
	all, err := All[T](ctx, e)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Upsert inserts or replaces one entity.
func Upsert[T Entity[T]](ctx context.Context, e *Engine, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", v.Collection(), v.DocumentID(), err)
	}
	return e.upsertRaw(ctx, v.Collection(), v.DocumentID(), body)
}

// Delete removes one entity by id, reporting whether a document existed.
func Delete[T Entity[T]](ctx context.Context, e *Engine, id string) (bool, error) {
	var zero T
	return e.deleteRaw(ctx, zero.Collection(), id)
}

// DeleteMany removes every entity matching pred and returns the count.
func DeleteMany[T Entity[T]](ctx context.Context, e *Engine, pred func(T) bool) (int, error) {
	matches, err := Find[T](ctx, e, pred)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, v := range matches {
		ok, err := Delete[T](ctx, e, v.DocumentID())
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}
