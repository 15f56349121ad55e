package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"snapetl/internal/storage"
)

// Schema is the embedded Postgres schema run by Bootstrap when no script is
// supplied.
//
//go:embed schema.sql
var Schema string

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Bulk batch writes: COPY into a per-transaction staging table, then
    INSERT ... SELECT ... ON CONFLICT DO NOTHING into the target.
  - Dimension helpers: prewarm reads and an upsert that returns the key.
  - A database/sql handle over the same pool for reporting.
*/
type Repo struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func init() {
	storage.Register("postgres", New)
}

// New opens a pgx pool for cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", Describe(err))
	}
	return &Repo{pool: pool}, nil
}

// Close closes the reporting handle (if any) and the pool.
func (r *Repo) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
	r.pool.Close()
}

// Bootstrap runs the schema script. pgx sends argument-less Exec calls over
// the simple protocol, so the script may hold several statements.
func (r *Repo) Bootstrap(ctx context.Context, script string) error {
	if strings.TrimSpace(script) == "" {
		script = Schema
	}
	if _, err := r.pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("postgres: bootstrap schema: %w", Describe(err))
	}
	return nil
}

// SelectAllKeyValue returns a mapping from normalized name -> surrogate id for
// the whole dimension table.
func (r *Repo) SelectAllKeyValue(ctx context.Context, dim storage.Dimension) (map[string]int64, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, pgIdent(dim.NameColumn), pgIdent(dim.KeyColumn), pgIdent(dim.Table))

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: query %s: %w", dim.Table, Describe(err))
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("SelectAllKeyValue: scan %s: %w", dim.Table, err)
		}
		out[storage.NormalizeKey(name)] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: rows %s: %w", dim.Table, Describe(err))
	}
	return out, nil
}

// EnsureKey upserts name and returns its key. The no-op DO UPDATE makes
// RETURNING yield the existing row when the name is already present.
func (r *Repo) EnsureKey(ctx context.Context, dim storage.Dimension, name string) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, buildEnsureKeySQL(dim), name).Scan(&id); err != nil {
		return 0, fmt.Errorf("EnsureKey: %s %q: %w", dim.Table, name, Describe(err))
	}
	return id, nil
}

func buildEnsureKeySQL(dim storage.Dimension) string {
	name := pgIdent(dim.NameColumn)
	return fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES ($1) ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s RETURNING %s`,
		pgIdent(dim.Table), name, name, name, name, pgIdent(dim.KeyColumn),
	)
}

// Count returns the row count of table.
func (r *Repo) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM `+pgIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, Describe(err))
	}
	return n, nil
}

// Begin starts a batch transaction.
func (r *Repo) Begin(ctx context.Context) (storage.BatchTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", Describe(err))
	}
	return &batchTx{tx: tx}, nil
}

// SQLDB exposes the pool through database/sql for the reporting layer.
func (r *Repo) SQLDB() *sql.DB {
	if r.db == nil {
		r.db = stdlib.OpenDBFromPool(r.pool)
	}
	return r.db
}

// Dialect identifies the SQL dialect of SQLDB.
func (r *Repo) Dialect() string { return "postgres" }

// batchTx is one flush. COPY cannot skip conflicting rows, so every relation
// with conflict columns is copied into a temp table first.
type batchTx struct {
	tx pgx.Tx
}

func (b *batchTx) InsertRows(ctx context.Context, rel storage.Relation, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(rel.ConflictColumns) == 0 {
		n, err := b.tx.CopyFrom(ctx, pgx.Identifier{rel.Table}, rel.Columns, pgx.CopyFromRows(rows))
		if err != nil {
			return n, fmt.Errorf("copy %s: %w", rel.Table, Describe(err))
		}
		return n, nil
	}

	stage := stageName(rel.Table)
	if _, err := b.tx.Exec(ctx, buildCreateStageSQL(rel.Table, stage)); err != nil {
		return 0, fmt.Errorf("create stage for %s: %w", rel.Table, Describe(err))
	}
	if _, err := b.tx.CopyFrom(ctx, pgx.Identifier{stage}, rel.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copy %s: %w", rel.Table, Describe(err))
	}
	tag, err := b.tx.Exec(ctx, buildMergeSQL(rel, stage))
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", rel.Table, Describe(err))
	}
	if _, err := b.tx.Exec(ctx, `DROP TABLE `+pgIdent(stage)); err != nil {
		return 0, fmt.Errorf("drop stage for %s: %w", rel.Table, Describe(err))
	}
	return tag.RowsAffected(), nil
}

func (b *batchTx) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", Describe(err))
	}
	return nil
}

func (b *batchTx) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func stageName(table string) string { return "stage_" + table }

// buildCreateStageSQL creates a session-private copy of table's columns that
// disappears at commit or rollback.
func buildCreateStageSQL(table, stage string) string {
	return fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s) ON COMMIT DROP`, pgIdent(stage), pgIdent(table))
}

// buildMergeSQL constructs the insert-or-ignore from stage into rel.
//
// Duplicates inside the stage collapse too: with DO NOTHING, later rows of
// the same statement conflict with the earlier ones.
func buildMergeSQL(rel storage.Relation, stage string) string {
	cols := make([]string, len(rel.Columns))
	for i, c := range rel.Columns {
		cols[i] = pgIdent(c)
	}
	conflict := make([]string, len(rel.ConflictColumns))
	for i, c := range rel.ConflictColumns {
		conflict[i] = pgIdent(c)
	}
	list := strings.Join(cols, ", ")
	return fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING`,
		pgIdent(rel.Table), list, list, pgIdent(stage), strings.Join(conflict, ", "),
	)
}

// pgIdent quotes a Postgres identifier.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Describe adds the server-side detail of a *pgconn.PgError to err.
func Describe(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	var b strings.Builder
	b.WriteString(pgErr.Code)
	if pgErr.TableName != "" {
		b.WriteString(" table=")
		b.WriteString(pgErr.TableName)
	}
	if pgErr.ConstraintName != "" {
		b.WriteString(" constraint=")
		b.WriteString(pgErr.ConstraintName)
	}
	if pgErr.Detail != "" {
		b.WriteString(" detail=")
		b.WriteString(pgErr.Detail)
	}
	return fmt.Errorf("%w (%s)", err, b.String())
}

var (
	_ storage.Repository  = (*Repo)(nil)
	_ storage.SQLProvider = (*Repo)(nil)
)
