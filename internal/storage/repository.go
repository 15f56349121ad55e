// Package storage defines the backend-agnostic persistence contract used by
// the loader and the resolver, plus a registry of backend factories.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must match a registered backend ("postgres", "sqlite", "mssql").
//   - DSN is passed through; validation is backend-specific.
//   - Zero MaxConns and ConnectTimeout leave the backend defaults alone.
type Config struct {
	Kind           string
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Repository is the persistence contract for one ingestion run.
//
// Each backend implements these semantics in its own idiomatic way
// (Postgres COPY + ON CONFLICT, SQLite OR IGNORE, SQL Server NOT EXISTS).
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// Bootstrap executes an idempotent schema script. An empty script runs
	// the backend's embedded schema.
	Bootstrap(ctx context.Context, script string) error

	// SelectAllKeyValue returns NormalizeKey(name) -> surrogate key for the
	// whole dimension table. Used to prewarm resolver caches.
	SelectAllKeyValue(ctx context.Context, dim Dimension) (map[string]int64, error)

	// EnsureKey returns the surrogate key for name, inserting the row first
	// if it does not exist. The insert is committed on its own, outside any
	// batch transaction, and must tolerate a concurrent insert of the same
	// name.
	EnsureKey(ctx context.Context, dim Dimension, name string) (int64, error)

	// Begin starts the transaction for one batch.
	Begin(ctx context.Context) (BatchTx, error)

	// Count returns the number of rows in table.
	Count(ctx context.Context, table string) (int64, error)
}

// BatchTx is one batch transaction. Nothing written through it is visible
// until Commit succeeds.
type BatchTx interface {
	// InsertRows bulk-writes rows into rel, ignoring rows that collide with
	// existing rows on rel.ConflictColumns. Returns the number of rows
	// actually inserted.
	InsertRows(ctx context.Context, rel Relation, rows [][]any) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SQLProvider is implemented by backends that can hand out a database/sql
// handle for read-only reporting.
type SQLProvider interface {
	SQLDB() *sql.DB
	Dialect() string
}

// ---- factories ----

// Factory opens a Repository for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under kind.
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
