package report

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"snapetl/internal/metrics"
)

// DefaultJob labels report metrics.
const DefaultJob = "snapetl_report"

// Options selects what RunAll runs.
type Options struct {
	// ASIN enables the per-product queries (reviews, similars, daily rating).
	ASIN string
	// Limit overrides the per-query row limits of the catalog-wide queries
	// when > 0.
	Limit int
	// Parallel bounds concurrent queries; <= 0 means 4.
	Parallel int
}

// Default limits of the catalog-wide queries.
const (
	DefaultTopByGroup        = 10
	DefaultHelpfulProducts   = 10
	DefaultHelpfulCategories = 5
	DefaultCustomersByGroup  = 10
)

// RunAll runs every applicable query concurrently and returns the tables in
// a fixed order: q1 (positive, negative), q2, q3 when ASIN is set, then q4
// to q7.
func (r *Report) RunAll(ctx context.Context, opts Options) ([]Table, error) {
	start := time.Now()
	limit := func(def int) int {
		if opts.Limit > 0 {
			return opts.Limit
		}
		return def
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 4
	}

	var jobs []func(context.Context) ([]Table, error)
	if opts.ASIN != "" {
		jobs = append(jobs,
			func(ctx context.Context) ([]Table, error) {
				pos, neg, err := r.TopReviews(ctx, opts.ASIN)
				if err != nil {
					return nil, err
				}
				return []Table{
					reviewTable("q1_top_reviews_pos", "Most helpful highest-rated reviews", pos),
					reviewTable("q1_top_reviews_neg", "Most helpful lowest-rated reviews", neg),
				}, nil
			},
			one(func(ctx context.Context) (Table, error) {
				rows, err := r.SimilarByRank(ctx, opts.ASIN)
				return similarTable(rows), err
			}),
			one(func(ctx context.Context) (Table, error) {
				rows, err := r.DailyRating(ctx, opts.ASIN)
				return dailyRatingTable(rows), err
			}),
		)
	}
	jobs = append(jobs,
		one(func(ctx context.Context) (Table, error) {
			rows, err := r.TopByGroup(ctx, limit(DefaultTopByGroup))
			return groupProductTable(rows), err
		}),
		one(func(ctx context.Context) (Table, error) {
			rows, err := r.MostHelpfulProducts(ctx, limit(DefaultHelpfulProducts))
			return usefulProductTable(rows), err
		}),
		one(func(ctx context.Context) (Table, error) {
			rows, err := r.TopCategoriesByHelpful(ctx, limit(DefaultHelpfulCategories))
			return usefulCategoryTable(rows), err
		}),
		one(func(ctx context.Context) (Table, error) {
			rows, err := r.TopCustomersByGroup(ctx, limit(DefaultCustomersByGroup))
			return groupCustomerTable(rows), err
		}),
	)

	results := make([][]Table, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, job := range jobs {
		g.Go(func() error {
			tables, err := job(gctx)
			results[i] = tables
			return err
		})
	}
	err := g.Wait()
	metrics.RecordStep(DefaultJob, "report", err, time.Since(start))
	if err != nil {
		return nil, err
	}

	var out []Table
	for _, tables := range results {
		out = append(out, tables...)
	}
	r.log.Info("report complete", zap.Int("tables", len(out)), zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func one(f func(context.Context) (Table, error)) func(context.Context) ([]Table, error) {
	return func(ctx context.Context) ([]Table, error) {
		t, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return []Table{t}, nil
	}
}
