// Package report runs the analytical queries over a loaded catalog.
//
// Every query returns typed rows. SQL is written once with `?` placeholders
// and rebound for Postgres; per-group rankings use a ROW_NUMBER() subquery
// so the same text runs on Postgres and SQLite.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"snapetl/internal/storage"
)

// ErrUnsupportedDialect is returned by New for backends without a report
// dialect (mssql).
var ErrUnsupportedDialect = errors.New("report: unsupported dialect")

// ReviewsPerSide is how many reviews TopReviews returns per side.
const ReviewsPerSide = 5

// Report runs the queries against one database.
type Report struct {
	db      *sql.DB
	dialect string
	log     *zap.Logger
}

// New binds a report to the repository's database/sql handle.
func New(p storage.SQLProvider, log *zap.Logger) (*Report, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch d := p.Dialect(); d {
	case "postgres", "sqlite":
		return &Report{db: p.SQLDB(), dialect: d, log: log}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, d)
	}
}

// ReviewRow is one review of a product.
type ReviewRow struct {
	CustomerID string
	Rating     int64
	Votes      int64
	Helpful    int64
	Date       time.Time
}

// SimilarRow is a similar product that exists in the catalog.
type SimilarRow struct {
	ASIN      string
	Title     string
	SalesRank int64
}

// DailyRatingRow is the average rating of one review date.
type DailyRatingRow struct {
	Date      time.Time
	AvgRating float64
}

// GroupProductRow is a product ranked inside its group by salesrank.
type GroupProductRow struct {
	Group     string
	Rank      int64
	ASIN      string
	Title     string
	SalesRank int64
}

// UsefulProductRow is a product with its average review usefulness.
type UsefulProductRow struct {
	ASIN          string
	Title         string
	AvgUsefulness float64
}

// UsefulCategoryRow is a category name with the average usefulness of the
// reviews of its products.
type UsefulCategoryRow struct {
	Name          string
	AvgUsefulness float64
}

// GroupCustomerRow is a customer ranked inside a group by review count.
type GroupCustomerRow struct {
	Group      string
	Rank       int64
	CustomerID string
	Reviews    int64
}

// usefulness is helpful/votes per review, 0 when either side is 0.
const usefulness = `AVG(CASE WHEN r.helpful > 0 AND r.votes > 0
	THEN CAST(r.helpful AS DOUBLE PRECISION) / r.votes ELSE 0 END)`

const reviewsSQL = `
SELECT r.customer_id, r.rating, r.votes, r.helpful, r.review_date
FROM review r
WHERE r.asin = ?
ORDER BY r.rating %s, r.helpful DESC, r.review_date, r.customer_id
LIMIT ?`

// TopReviews returns the most helpful highest-rated and the most helpful
// lowest-rated reviews of asin, ReviewsPerSide each.
func (r *Report) TopReviews(ctx context.Context, asin string) (pos, neg []ReviewRow, err error) {
	scan := func(rows *sql.Rows) (ReviewRow, error) {
		var v ReviewRow
		var date any
		if err := rows.Scan(&v.CustomerID, &v.Rating, &v.Votes, &v.Helpful, &date); err != nil {
			return v, err
		}
		d, err := scanDate(date)
		v.Date = d
		return v, err
	}
	if pos, err = query(ctx, r, "top_reviews_pos", fmt.Sprintf(reviewsSQL, "DESC"), scan, asin, ReviewsPerSide); err != nil {
		return nil, nil, err
	}
	if neg, err = query(ctx, r, "top_reviews_neg", fmt.Sprintf(reviewsSQL, "ASC"), scan, asin, ReviewsPerSide); err != nil {
		return nil, nil, err
	}
	return pos, neg, nil
}

// SimilarByRank returns the similars of asin that exist as products and
// carry a salesrank, best rank first.
func (r *Report) SimilarByRank(ctx context.Context, asin string) ([]SimilarRow, error) {
	const q = `
SELECT s.similar_asin, COALESCE(p.title, ''), p.salesrank
FROM product_similar s
JOIN product p ON p.asin = s.similar_asin
WHERE s.asin = ? AND p.salesrank IS NOT NULL
ORDER BY p.salesrank, s.similar_asin`
	return query(ctx, r, "similar_by_rank", q, func(rows *sql.Rows) (SimilarRow, error) {
		var v SimilarRow
		err := rows.Scan(&v.ASIN, &v.Title, &v.SalesRank)
		return v, err
	}, asin)
}

// DailyRating returns the average rating of asin per review date, oldest
// first.
func (r *Report) DailyRating(ctx context.Context, asin string) ([]DailyRatingRow, error) {
	const q = `
SELECT r.review_date, AVG(CAST(r.rating AS DOUBLE PRECISION))
FROM review r
WHERE r.asin = ?
GROUP BY r.review_date
ORDER BY r.review_date`
	return query(ctx, r, "daily_rating", q, func(rows *sql.Rows) (DailyRatingRow, error) {
		var v DailyRatingRow
		var date any
		if err := rows.Scan(&date, &v.AvgRating); err != nil {
			return v, err
		}
		var err error
		v.Date, err = scanDate(date)
		return v, err
	}, asin)
}

// TopByGroup returns the n best-selling products of every group.
func (r *Report) TopByGroup(ctx context.Context, n int) ([]GroupProductRow, error) {
	const q = `
SELECT group_name, rn, asin, title, salesrank
FROM (
	SELECT g.name AS group_name, p.asin, COALESCE(p.title, '') AS title, p.salesrank,
		ROW_NUMBER() OVER (PARTITION BY g.group_id ORDER BY p.salesrank, p.asin) AS rn
	FROM product p
	JOIN product_group g ON g.group_id = p.group_id
	WHERE p.salesrank IS NOT NULL
) ranked
WHERE rn <= ?
ORDER BY group_name, rn`
	return query(ctx, r, "top_by_group", q, func(rows *sql.Rows) (GroupProductRow, error) {
		var v GroupProductRow
		err := rows.Scan(&v.Group, &v.Rank, &v.ASIN, &v.Title, &v.SalesRank)
		return v, err
	}, n)
}

// MostHelpfulProducts returns the n products with the highest average
// review usefulness.
func (r *Report) MostHelpfulProducts(ctx context.Context, n int) ([]UsefulProductRow, error) {
	q := `
SELECT p.asin, COALESCE(p.title, ''), ` + usefulness + ` AS avg_usefulness
FROM product p
JOIN review r ON r.asin = p.asin
GROUP BY p.asin, p.title
ORDER BY avg_usefulness DESC, p.asin
LIMIT ?`
	return query(ctx, r, "most_helpful_products", q, func(rows *sql.Rows) (UsefulProductRow, error) {
		var v UsefulProductRow
		err := rows.Scan(&v.ASIN, &v.Title, &v.AvgUsefulness)
		return v, err
	}, n)
}

// TopCategoriesByHelpful returns the n category names whose products'
// reviews have the highest average usefulness. Categories sharing a name
// are merged.
func (r *Report) TopCategoriesByHelpful(ctx context.Context, n int) ([]UsefulCategoryRow, error) {
	q := `
SELECT c.name, ` + usefulness + ` AS avg_usefulness
FROM category c
JOIN product_category pc ON pc.category_id = c.category_id
JOIN review r ON r.asin = pc.asin
GROUP BY c.name
ORDER BY avg_usefulness DESC, c.name
LIMIT ?`
	return query(ctx, r, "top_categories_by_helpful", q, func(rows *sql.Rows) (UsefulCategoryRow, error) {
		var v UsefulCategoryRow
		err := rows.Scan(&v.Name, &v.AvgUsefulness)
		return v, err
	}, n)
}

// TopCustomersByGroup returns the n customers with the most reviews in
// every group.
func (r *Report) TopCustomersByGroup(ctx context.Context, n int) ([]GroupCustomerRow, error) {
	const q = `
SELECT group_name, rn, customer_id, total
FROM (
	SELECT g.name AS group_name, r.customer_id, COUNT(*) AS total,
		ROW_NUMBER() OVER (PARTITION BY g.group_id ORDER BY COUNT(*) DESC, r.customer_id) AS rn
	FROM review r
	JOIN product p ON p.asin = r.asin
	JOIN product_group g ON g.group_id = p.group_id
	GROUP BY g.group_id, g.name, r.customer_id
) ranked
WHERE rn <= ?
ORDER BY group_name, rn`
	return query(ctx, r, "top_customers_by_group", q, func(rows *sql.Rows) (GroupCustomerRow, error) {
		var v GroupCustomerRow
		err := rows.Scan(&v.Group, &v.Rank, &v.CustomerID, &v.Reviews)
		return v, err
	}, n)
}

// query runs q and scans every row with scan.
func query[T any](ctx context.Context, r *Report, name, q string, scan func(*sql.Rows) (T, error), args ...any) ([]T, error) {
	start := time.Now()
	rows, err := r.db.QueryContext(ctx, rebind(r.dialect, q), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", name, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	r.log.Debug("report query",
		zap.String("query", name),
		zap.Int("rows", len(out)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// rebind rewrites `?` placeholders to `$n` for Postgres. The queries carry
// no string literals, so every `?` is a placeholder.
func rebind(dialect, q string) string {
	if dialect != "postgres" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] != '?' {
			b.WriteByte(q[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// dateLayouts are the text forms a DATE column comes back as.
var dateLayouts = []string{"2006-01-02", time.RFC3339Nano, "2006-01-02 15:04:05"}

// scanDate accepts a native time (Postgres) or its text form (SQLite).
func scanDate(v any) (time.Time, error) {
	var s string
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		s = d
	case []byte:
		s = string(d)
	default:
		return time.Time{}, fmt.Errorf("unexpected date value %T", v)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
