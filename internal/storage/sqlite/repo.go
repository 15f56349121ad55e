package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"snapetl/internal/storage"
)

// Schema is the embedded SQLite schema run by Bootstrap when no script is
// supplied.
//
//go:embed schema.sql
var Schema string

// DateLayout is how DATE values are stored (TEXT affinity).
const DateLayout = "2006-01-02"

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766 since 3.32).
const maxParams = 32000

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - There is no COPY; batches are multi-row INSERT OR IGNORE statements,
//     chunked under the bound-parameter limit.
//   - OR IGNORE relies on the PRIMARY KEY/UNIQUE constraints, so the
//     relation's conflict columns are not spelled out.
//   - time.Time values are bound as DateLayout strings.
//   - One connection: SQLite serializes writers anyway, and pragmas such as
//     foreign_keys are per connection.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database file at cfg.DSN (":memory:" works for tests).
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// Bootstrap runs the schema script.
func (r *Repo) Bootstrap(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		script = Schema
	}
	if _, err := r.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("sqlite: bootstrap schema: %w", err)
	}
	return nil
}

func (r *Repo) SelectAllKeyValue(ctx context.Context, dim storage.Dimension) (map[string]int64, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, sqlIdent(dim.NameColumn), sqlIdent(dim.KeyColumn), sqlIdent(dim.Table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k any
		var id sql.NullInt64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		if !id.Valid {
			return nil, fmt.Errorf("sqlite: %s.%s is NULL; key column must be INTEGER PRIMARY KEY", dim.Table, dim.KeyColumn)
		}
		out[storage.NormalizeKey(k)] = id.Int64
	}
	return out, rows.Err()
}

// EnsureKey inserts name if missing and reads its key back.
func (r *Repo) EnsureKey(ctx context.Context, dim storage.Dimension, name string) (int64, error) {
	ins := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?)`, sqlIdent(dim.Table), sqlIdent(dim.NameColumn))
	if _, err := r.db.ExecContext(ctx, ins, name); err != nil {
		return 0, fmt.Errorf("EnsureKey: insert %s %q: %w", dim.Table, name, err)
	}

	sel := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, sqlIdent(dim.KeyColumn), sqlIdent(dim.Table), sqlIdent(dim.NameColumn))
	var id int64
	if err := r.db.QueryRowContext(ctx, sel, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("EnsureKey: select %s %q: %w", dim.Table, name, err)
	}
	return id, nil
}

func (r *Repo) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM `+sqlIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (r *Repo) Begin(ctx context.Context) (storage.BatchTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &batchTx{tx: tx}, nil
}

// SQLDB returns the underlying handle for reporting.
func (r *Repo) SQLDB() *sql.DB { return r.db }

// Dialect identifies the SQL dialect of SQLDB.
func (r *Repo) Dialect() string { return "sqlite" }

type batchTx struct {
	tx *sql.Tx
}

func (b *batchTx) InsertRows(ctx context.Context, rel storage.Relation, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	per := maxParams / len(rel.Columns)
	if per < 1 {
		per = 1
	}

	var total int64
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		q, args := buildInsertOrIgnoreSQL(rel.Table, rel.Columns, rows[start:end])
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
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (b *batchTx) Rollback(context.Context) error {
	if err := b.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// buildInsertOrIgnoreSQL constructs one multi-row INSERT OR IGNORE and its
// args. time.Time arguments are bound as DateLayout strings.
func buildInsertOrIgnoreSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	tuple := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		for _, v := range row {
			args = append(args, bindValue(v))
		}
	}
	return b.String(), args
}

func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(DateLayout)
	}
	return v
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

var (
	_ storage.Repository  = (*Repo)(nil)
	_ storage.SQLProvider = (*Repo)(nil)
)
