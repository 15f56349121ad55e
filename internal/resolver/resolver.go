// Package resolver maps controlled-vocabulary names to surrogate keys for one
// ingestion run.
//
// A Resolver owns its cache; it is not shared between runs and is not safe
// for concurrent use.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"snapetl/internal/storage"
	"snapetl/internal/transformer/sanitize"
)

// Unknown is the sentinel name an empty group resolves to.
const Unknown = "Unknown"

// Store is the subset of storage.Repository the resolver needs.
type Store interface {
	SelectAllKeyValue(ctx context.Context, dim storage.Dimension) (map[string]int64, error)
	EnsureKey(ctx context.Context, dim storage.Dimension, name string) (int64, error)
}

// Stats counts cache behavior.
type Stats struct {
	Prewarmed int
	Hits      int64
	Created   int64
}

// Resolver caches name -> key per dimension table.
type Resolver struct {
	store Store
	log   *zap.Logger

	// cache[dimTable][normalizedKey] = id
	cache map[string]map[string]int64
	stats Stats
}

// New returns an empty Resolver. A nil logger is replaced with zap.NewNop.
func New(store Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store: store,
		log:   log,
		cache: make(map[string]map[string]int64),
	}
}

// Prewarm loads every existing row of each dimension into the cache.
func (r *Resolver) Prewarm(ctx context.Context, dims ...storage.Dimension) error {
	for _, dim := range dims {
		kv, err := r.store.SelectAllKeyValue(ctx, dim)
		if err != nil {
			return fmt.Errorf("prewarm %s: %w", dim.Table, err)
		}
		cm := r.table(dim)
		for k, v := range kv {
			cm[k] = v
		}
		r.stats.Prewarmed += len(kv)
		r.log.Debug("resolver prewarmed", zap.String("table", dim.Table), zap.Int("keys", len(kv)))
	}
	return nil
}

// Resolve returns the surrogate key of name in dim, creating the row on the
// first miss. The name is sanitized before lookup; an empty name resolves to
// Unknown.
func (r *Resolver) Resolve(ctx context.Context, dim storage.Dimension, name string) (int64, error) {
	nk := storage.NormalizeKey(sanitize.Text(name))
	if nk == "" {
		nk = Unknown
	}

	cm := r.table(dim)
	if id, ok := cm[nk]; ok {
		r.stats.Hits++
		return id, nil
	}

	id, err := r.store.EnsureKey(ctx, dim, nk)
	if err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", dim.Table, nk, err)
	}
	cm[nk] = id
	r.stats.Created++
	r.log.Debug("resolver key created", zap.String("table", dim.Table), zap.String("name", nk), zap.Int64("id", id))
	return id, nil
}

// Stats returns the counters accumulated so far.
func (r *Resolver) Stats() Stats { return r.stats }

func (r *Resolver) table(dim storage.Dimension) map[string]int64 {
	cm := r.cache[dim.Table]
	if cm == nil {
		cm = make(map[string]int64)
		r.cache[dim.Table] = cm
	}
	return cm
}
