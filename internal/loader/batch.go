// Package loader stages assembled product records into per-relation row
// buffers and writes each batch in one transaction.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapetl/internal/parser/snap"
	"snapetl/internal/storage"
	"snapetl/internal/transformer/sanitize"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 5000

// Store is the subset of storage.Repository the loader writes through.
type Store interface {
	Begin(ctx context.Context) (storage.BatchTx, error)
}

// Options configures a Batch.
type Options struct {
	// BatchSize is the number of accepted records that triggers a flush.
	BatchSize int
}

// Counts tallies staged rows per relation.
type Counts struct {
	Records           int64
	Products          int64
	DuplicateProducts int64
	Customers         int64
	Categories        int64
	ProductCategories int64
	Similars          int64
	Reviews           int64
}

// Flushed describes one committed batch.
type Flushed struct {
	Batch    int
	Records  int
	Inserted map[string]int64
	Duration time.Duration
}

// FlushError reports the relation whose write failed.
type FlushError struct {
	Batch    int
	Relation string
	Err      error
}

func (e *FlushError) Error() string {
	if e.Relation == "" {
		return fmt.Sprintf("batch %d: %v", e.Batch, e.Err)
	}
	return fmt.Sprintf("batch %d: %s: %v", e.Batch, e.Relation, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Batch owns the row buffers and the run-scoped dedup sets.
//
// Customers and categories are checked against the sets before buffering so
// each is staged once per run. The products-seen set keeps the first block of
// a repeated ASIN; later product rows are dropped, their links and reviews
// are left to the storage conflict keys.
//
// A Batch is not safe for concurrent use.
type Batch struct {
	store Store
	size  int

	bufs    map[string][][]any
	pending int
	batches int

	customers  map[string]struct{}
	categories map[int64]struct{}
	products   map[string]struct{}

	counts Counts
}

// New returns an empty Batch writing through store.
func New(store Store, opts Options) *Batch {
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	bufs := make(map[string][][]any, len(storage.WriteOrder))
	for _, rel := range storage.WriteOrder {
		bufs[rel.Table] = nil
	}
	return &Batch{
		store:      store,
		size:       size,
		bufs:       bufs,
		customers:  make(map[string]struct{}),
		categories: make(map[int64]struct{}),
		products:   make(map[string]struct{}),
	}
}

// Accept stages the rows derived from rec. groupID is the already resolved
// product_group key. Nothing is written to storage.
func (b *Batch) Accept(rec snap.Record, groupID int64) {
	b.pending++
	b.counts.Records++

	asin := sanitize.Text(rec.ASIN)
	if _, dup := b.products[asin]; dup {
		b.counts.DuplicateProducts++
	} else {
		b.products[asin] = struct{}{}
		b.stage(storage.Product, asin, nullableText(rec.Title), nullableRank(rec.SalesRank), groupID)
		b.counts.Products++
	}

	linked := make(map[int64]struct{})
	for _, path := range rec.Categories {
		for _, c := range path {
			if _, ok := b.categories[c.ID]; !ok {
				b.categories[c.ID] = struct{}{}
				b.stage(storage.Category, c.ID, sanitize.Text(c.Name))
				b.counts.Categories++
			}
			if _, ok := linked[c.ID]; ok {
				continue
			}
			linked[c.ID] = struct{}{}
			b.stage(storage.ProductCategory, asin, c.ID)
			b.counts.ProductCategories++
		}
	}

	similar := make(map[string]struct{}, len(rec.Similars))
	for _, s := range rec.Similars {
		s = sanitize.Text(s)
		if _, ok := similar[s]; ok {
			continue
		}
		similar[s] = struct{}{}
		b.stage(storage.ProductSimilar, asin, s)
		b.counts.Similars++
	}

	for _, r := range rec.Reviews {
		cust := sanitize.Text(r.Customer)
		if _, ok := b.customers[cust]; !ok {
			b.customers[cust] = struct{}{}
			b.stage(storage.Customer, cust)
			b.counts.Customers++
		}
		b.stage(storage.Review, asin, cust, r.Date, int64(r.Rating), int64(r.Votes), int64(r.Helpful))
		b.counts.Reviews++
	}
}

// Full reports whether the batch reached its record threshold.
func (b *Batch) Full() bool { return b.pending >= b.size }

// Pending returns the number of records accepted since the last flush.
func (b *Batch) Pending() int { return b.pending }

// Buffered returns the number of rows staged for rel.
func (b *Batch) Buffered(rel storage.Relation) int { return len(b.bufs[rel.Table]) }

// Counts returns the staged-row tallies for the whole run.
func (b *Batch) Counts() Counts { return b.counts }

// Batches returns the number of committed batches.
func (b *Batch) Batches() int { return b.batches }

// Add accepts rec and flushes when the threshold is reached. The returned
// Flushed is nil when no flush happened.
func (b *Batch) Add(ctx context.Context, rec snap.Record, groupID int64) (*Flushed, error) {
	b.Accept(rec, groupID)
	if !b.Full() {
		return nil, nil
	}
	return b.Flush(ctx)
}

// Flush writes every buffer in storage.WriteOrder inside one transaction and
// clears the buffers after commit. A failed batch is rolled back and its rows
// are kept; the caller is expected to abort the run. Flushing an empty batch
// returns (nil, nil).
func (b *Batch) Flush(ctx context.Context) (*Flushed, error) {
	if b.pending == 0 && b.rowCount() == 0 {
		return nil, nil
	}
	start := time.Now()
	n := b.batches + 1

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return nil, &FlushError{Batch: n, Err: err}
	}

	inserted := make(map[string]int64, len(storage.WriteOrder))
	for _, rel := range storage.WriteOrder {
		rows := b.bufs[rel.Table]
		if len(rows) == 0 {
			continue
		}
		got, err := tx.InsertRows(ctx, rel, rows)
		if err != nil {
			return nil, &FlushError{Batch: n, Relation: rel.Table, Err: errors.Join(err, tx.Rollback(ctx))}
		}
		inserted[rel.Table] = got
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &FlushError{Batch: n, Relation: "commit", Err: errors.Join(err, tx.Rollback(ctx))}
	}

	out := &Flushed{Batch: n, Records: b.pending, Inserted: inserted, Duration: time.Since(start)}
	b.batches = n
	b.pending = 0
	for k, rows := range b.bufs {
		clear(rows)
		b.bufs[k] = rows[:0]
	}
	return out, nil
}

func (b *Batch) stage(rel storage.Relation, v ...any) {
	b.bufs[rel.Table] = append(b.bufs[rel.Table], v)
}

func (b *Batch) rowCount() int {
	n := 0
	for _, rows := range b.bufs {
		n += len(rows)
	}
	return n
}

// nullableText sanitizes s and maps the empty result to NULL.
func nullableText(s string) any {
	s = sanitize.Text(s)
	if s == "" {
		return nil
	}
	return s
}

func nullableRank(r *int64) any {
	if r == nil {
		return nil
	}
	return *r
}
