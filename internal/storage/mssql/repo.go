package mssql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"snapetl/internal/storage"
)

// Schema is the embedded SQL Server schema run by Bootstrap when no script is
// supplied.
//
//go:embed schema.sql
var Schema string

// maxParams keeps statements under SQL Server's 2100-parameter limit.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Batch writes use a set-based INSERT ... SELECT FROM (VALUES ...) WHERE NOT
// EXISTS per chunk. Unlike ON CONFLICT DO NOTHING, a VALUES source with the
// same key twice would still violate the primary key, so each batch is
// de-duplicated on the conflict columns first (first occurrence wins).
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		raw.SetMaxOpenConns(int(cfg.MaxConns))
		raw.SetMaxIdleConns(int(cfg.MaxConns))
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// Bootstrap runs the schema script as one batch. Scripts must not contain
// "GO" separators.
func (r *Repo) Bootstrap(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		script = Schema
	}
	if _, err := r.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("mssql: bootstrap schema: %w", err)
	}
	return nil
}

func (r *Repo) SelectAllKeyValue(ctx context.Context, dim storage.Dimension) (map[string]int64, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, mssqlIdent(dim.NameColumn), mssqlIdent(dim.KeyColumn), mssqlTableIdent(dim.Table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: query %s: %w", dim.Table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("SelectAllKeyValue: scan %s: %w", dim.Table, err)
		}
		out[storage.NormalizeKey(k)] = id
	}
	return out, rows.Err()
}

// EnsureKey inserts name under an update lock when it is missing and returns
// its key, all in one round trip.
func (r *Repo) EnsureKey(ctx context.Context, dim storage.Dimension, name string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("EnsureKey: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, buildEnsureKeySQL(dim), name).Scan(&id); err != nil {
		return 0, fmt.Errorf("EnsureKey: %s %q: %w", dim.Table, name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("EnsureKey: commit: %w", err)
	}
	return id, nil
}

func buildEnsureKeySQL(dim storage.Dimension) string {
	t := mssqlTableIdent(dim.Table)
	n := mssqlIdent(dim.NameColumn)
	return fmt.Sprintf(
		`IF NOT EXISTS (SELECT 1 FROM %s WITH (UPDLOCK, HOLDLOCK) WHERE %s = @p1) INSERT INTO %s (%s) VALUES (@p1); `+
			`SELECT %s FROM %s WHERE %s = @p1`,
		t, n, t, n, mssqlIdent(dim.KeyColumn), t, n,
	)
}

func (r *Repo) Count(ctx context.Context, table string) (int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT COUNT_BIG(*) FROM `+mssqlTableIdent(table))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

func (r *Repo) Begin(ctx context.Context) (storage.BatchTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin: %w", err)
	}
	return &batchTx{tx: tx}, nil
}

type batchTx struct {
	tx txConn
}

// InsertRows inserts rows that do not already exist per rel.ConflictColumns.
// The statement is chunked to avoid SQL Server's parameter limit (2100).
func (b *batchTx) InsertRows(ctx context.Context, rel storage.Relation, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := dedupeRowsByColumns(rows, rel.Columns, rel.ConflictColumns)
	if err != nil {
		return 0, err
	}

	maxRows := maxParams / max(1, len(rel.Columns))
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := min(start+maxRows, len(rows))
		q, args := buildInsertNotExistsSQL(rel.Table, rel.Columns, rows[start:end], rel.ConflictColumns)
		res, err := b.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert %s: %w", rel.Table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (b *batchTx) Commit(context.Context) error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func (b *batchTx) Rollback(context.Context) error {
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// dedupeRowsByColumns keeps the first row per key (stable).
//
// Errors:
//   - Returns an error if a key column is not present in columns.
func dedupeRowsByColumns(rows [][]any, columns, keyColumns []string) ([][]any, error) {
	if len(keyColumns) == 0 {
		return rows, nil
	}
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	idx := make([]int, len(keyColumns))
	for i, k := range keyColumns {
		p, ok := pos[k]
		if !ok {
			return nil, fmt.Errorf("dedupe column %q not present in columns %v", k, columns)
		}
		idx[i] = p
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		k := storage.RowKey(row, idx)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// It materializes incoming rows as a derived table V via VALUES, then inserts only those
// rows that do not match existing rows per keyColumns.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, keyColumns []string) (string, []any) {
	var b strings.Builder

	cols := make([]string, len(columns))
	vcols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = mssqlIdent(c)
		vcols[i] = "v." + mssqlIdent(c)
	}

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") SELECT ")
	b.WriteString(strings.Join(vcols, ", "))
	b.WriteString(" FROM (VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(")")

	if len(keyColumns) > 0 {
		b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
		b.WriteString(mssqlTableIdent(table))
		b.WriteString(" t WHERE ")
		for i, k := range keyColumns {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString("t.")
			b.WriteString(mssqlIdent(k))
			b.WriteString(" = v.")
			b.WriteString(mssqlIdent(k))
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// mssqlIdent bracket-quotes an identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.review" -> [dbo].[review]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ storage.Repository = (*Repo)(nil)
	_ dbConn             = (*sqlDB)(nil)
	_ txConn             = (*sqlTx)(nil)
)
