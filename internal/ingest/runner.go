// Package ingest runs one single-pass load of a SNAP dump into a repository:
// bootstrap the schema, prewarm the resolver, then scan, resolve, stage and
// flush until the end of input.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"snapetl/internal/datasource"
	"snapetl/internal/loader"
	"snapetl/internal/metrics"
	"snapetl/internal/parser/snap"
	"snapetl/internal/resolver"
	"snapetl/internal/storage"
)

// DefaultJob labels metrics when Options.Job is empty.
const DefaultJob = "snapetl_load"

// Options tunes a run.
type Options struct {
	// BatchSize is the number of records per transaction.
	BatchSize int
	// ProgressEvery logs a progress line every N records; 0 disables it.
	ProgressEvery int
	// SchemaScript is run by Bootstrap; empty runs the backend's own schema.
	SchemaScript string
	// Job labels metrics.
	Job string
}

// Runner wires one repository to the parser, resolver and loader.
type Runner struct {
	Repo    storage.Repository
	Logger  *zap.Logger
	Options Options

	// now is a test seam.
	now func() time.Time
}

// Summary is the outcome of a run. Counts are staged rows; Inserted holds
// the rows storage actually inserted per table.
type Summary struct {
	RunID string

	Records           int64
	Products          int64
	DuplicateProducts int64
	Groups            int64
	Categories        int64
	ProductCategories int64
	Similars          int64
	Customers         int64
	Reviews           int64
	DroppedReviews    int64
	SkippedLines      int64
	EmptyBlocks       int64
	Lines             int64
	Batches           int

	Inserted map[string]int64

	Bytes   int64
	Digest  string
	Elapsed time.Duration
}

// Run ingests src. Errors are *ParseError or *LoadError once reading has
// started; opening the input fails with a plain error.
func (r *Runner) Run(ctx context.Context, src datasource.Source) (Summary, error) {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := r.now
	if now == nil {
		now = time.Now
	}
	job := r.Options.Job
	if job == "" {
		job = DefaultJob
	}

	sum := Summary{RunID: uuid.NewString(), Inserted: make(map[string]int64)}
	log = log.With(zap.String("run_id", sum.RunID))
	start := now()

	rc, err := src.Open(ctx)
	if err != nil {
		return sum, fmt.Errorf("open input: %w", err)
	}
	defer rc.Close()

	stepStart := now()
	err = r.Repo.Bootstrap(ctx, r.Options.SchemaScript)
	metrics.RecordStep(job, "bootstrap", err, now().Sub(stepStart))
	if err != nil {
		return sum, &LoadError{Stage: "bootstrap", Err: err}
	}

	res := resolver.New(r.Repo, log)
	stepStart = now()
	err = res.Prewarm(ctx, storage.ProductGroup)
	metrics.RecordStep(job, "prewarm", err, now().Sub(stepStart))
	if err != nil {
		return sum, &LoadError{Stage: "prewarm", Err: err}
	}

	batch := loader.New(r.Repo, loader.Options{BatchSize: r.Options.BatchSize})
	sc := snap.NewScanner(rc)
	if log.Core().Enabled(zap.DebugLevel) {
		sc.OnSkip = func(line int64, reason, text string) {
			log.Debug("line skipped", zap.Int64("line", line), zap.String("reason", reason), zap.String("text", text))
		}
	}

	log.Info("ingest started",
		zap.Int("batch_size", r.Options.BatchSize),
		zap.Int("progress_every", r.Options.ProgressEvery),
	)

	runErr := r.scan(ctx, log, job, sc, res, batch, &sum, start, now)
	if runErr == nil {
		var f *loader.Flushed
		f, err = batch.Flush(ctx)
		if err != nil {
			runErr = flushErr(job, err)
		} else if f != nil {
			r.committed(log, job, f, batch, &sum, start, now)
		}
	}

	stats := sc.Stats()
	counts := batch.Counts()
	sum.Records = counts.Records
	sum.Products = counts.Products
	sum.DuplicateProducts = counts.DuplicateProducts
	sum.Categories = counts.Categories
	sum.ProductCategories = counts.ProductCategories
	sum.Similars = counts.Similars
	sum.Customers = counts.Customers
	sum.Reviews = counts.Reviews
	sum.DroppedReviews = stats.DroppedReviews
	sum.SkippedLines = stats.SkippedLines
	sum.EmptyBlocks = stats.EmptyBlocks
	sum.Lines = sc.Line()
	sum.Batches = batch.Batches()
	sum.Groups = res.Stats().Created
	if d, ok := rc.(datasource.Digester); ok {
		sum.Digest = d.Digest()
		sum.Bytes = d.BytesRead()
	}
	sum.Elapsed = now().Sub(start)

	metrics.RecordStep(job, "ingest", runErr, sum.Elapsed)
	metrics.RecordRow(job, "records", sum.Records)
	metrics.RecordRow(job, "duplicate_products", sum.DuplicateProducts)
	metrics.RecordRow(job, "dropped_reviews", sum.DroppedReviews)
	metrics.RecordRow(job, "skipped_lines", sum.SkippedLines)

	if runErr != nil {
		return sum, runErr
	}

	log.Info("ingest complete",
		zap.Int64("records", sum.Records),
		zap.Int64("products", sum.Products),
		zap.Int64("duplicate_products", sum.DuplicateProducts),
		zap.Int64("groups", sum.Groups),
		zap.Int64("categories", sum.Categories),
		zap.Int64("product_categories", sum.ProductCategories),
		zap.Int64("similars", sum.Similars),
		zap.Int64("customers", sum.Customers),
		zap.Int64("reviews", sum.Reviews),
		zap.Int64("dropped_reviews", sum.DroppedReviews),
		zap.Int64("skipped_lines", sum.SkippedLines),
		zap.Int("batches", sum.Batches),
		zap.Int64("bytes", sum.Bytes),
		zap.String("digest", sum.Digest),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

func (r *Runner) scan(
	ctx context.Context,
	log *zap.Logger,
	job string,
	sc *snap.Scanner,
	res *resolver.Resolver,
	batch *loader.Batch,
	sum *Summary,
	start time.Time,
	now func() time.Time,
) error {
	every := int64(r.Options.ProgressEvery)
	var n int64
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := sc.Record()

		gid, err := res.Resolve(ctx, storage.ProductGroup, rec.Group)
		if err != nil {
			return &LoadError{Batch: batch.Batches() + 1, Stage: "resolve", Err: err}
		}
		f, err := batch.Add(ctx, rec, gid)
		if err != nil {
			return flushErr(job, err)
		}
		if f != nil {
			r.committed(log, job, f, batch, sum, start, now)
		}

		n++
		if every > 0 && n%every == 0 {
			c := batch.Counts()
			log.Info("progress",
				zap.Int64("records", n),
				zap.Int64("products", c.Products),
				zap.Int64("reviews", c.Reviews),
				zap.Int64("line", sc.Line()),
				zap.Duration("elapsed", now().Sub(start).Truncate(time.Millisecond)),
			)
		}
	}
	if err := sc.Err(); err != nil {
		return &ParseError{Line: sc.Line() + 1, Err: err}
	}
	return nil
}

// committed records one successful flush.
func (r *Runner) committed(log *zap.Logger, job string, f *loader.Flushed, batch *loader.Batch, sum *Summary, start time.Time, now func() time.Time) {
	var rows int64
	for table, n := range f.Inserted {
		sum.Inserted[table] += n
		rows += n
		metrics.RecordRow(job, table, n)
	}
	metrics.RecordBatches(job, 1)
	metrics.RecordStep(job, "flush", nil, f.Duration)

	rps := 0.0
	if s := f.Duration.Seconds(); s > 0 {
		rps = float64(rows) / s
	}
	c := batch.Counts()
	log.Info("batch committed",
		zap.Int("batch", f.Batch),
		zap.Int("records", f.Records),
		zap.Int64("inserted", rows),
		zap.Float64("rps", rps),
		zap.Int64("products", c.Products),
		zap.Int64("categories", c.Categories),
		zap.Int64("similars", c.Similars),
		zap.Int64("customers", c.Customers),
		zap.Int64("reviews", c.Reviews),
		zap.Duration("elapsed", now().Sub(start).Truncate(time.Millisecond)),
	)
}

// flushErr converts a loader failure into a LoadError.
func flushErr(job string, err error) error {
	metrics.RecordStep(job, "flush", err, 0)
	var fe *loader.FlushError
	if !errors.As(err, &fe) {
		return &LoadError{Stage: "flush", Err: err}
	}
	stage := "flush"
	if fe.Relation == "commit" {
		stage = "commit"
	}
	return &LoadError{Batch: fe.Batch, Stage: stage, Err: fe.Err}
}
