// Command snapetl loads the SNAP Amazon product metadata dump into a
// relational database and runs the analytical reports over it.
//
//	snapetl load   --input amazon-meta.txt.gz [--batch-size 5000]
//	snapetl report [--asin 0827229534] [--limit 10] [--out ./out]
//
// Exit codes: 0 success, 1 configuration or runtime error, 2 usage error,
// 3 parse failure, 4 load failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"snapetl/internal/config"
	"snapetl/internal/datasource"
	"snapetl/internal/datasource/file"
	"snapetl/internal/ingest"
	"snapetl/internal/logging"
	"snapetl/internal/metrics"
	"snapetl/internal/metrics/datadog"
	"snapetl/internal/report"
	"snapetl/internal/storage"

	// register all backends with the storage factory.
	_ "snapetl/internal/storage/all"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
	exitParse = 3
	exitLoad  = 4
)

// loader runs one ingestion.
type loader interface {
	Run(ctx context.Context, src datasource.Source) (ingest.Summary, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (*config.Config, error)
	readFile    func(path string) ([]byte, error)
	initMetrics func(ctx context.Context, log *zap.Logger, mc config.MetricsConfig, job string) (func(), error)
	openRepo    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	newLoader   func(repo storage.Repository, log *zap.Logger, opts ingest.Options) loader
	runReport   func(ctx context.Context, repo storage.Repository, log *zap.Logger, opts report.Options) ([]report.Table, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		readFile:    os.ReadFile,
		initMetrics: initMetrics,
		openRepo:    storage.New,
		newLoader: func(repo storage.Repository, log *zap.Logger, opts ingest.Options) loader {
			return &ingest.Runner{Repo: repo, Logger: log, Options: opts}
		},
		runReport: runReport,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// exitErr carries the exit code of a failed subcommand. Errors that are not
// exitErr come from cobra itself (flags, unknown commands) and are usage
// errors.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func fail(code int, format string, a ...any) error {
	return &exitErr{code: code, err: fmt.Errorf(format, a...)}
}

// flags shared by every subcommand.
type globalFlags struct {
	configPath string
	dsn        string
	dbKind     string
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	var g globalFlags

	root := &cobra.Command{
		Use:           "snapetl",
		Short:         "Load the SNAP Amazon product metadata dump and report on it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return errors.New("usage: snapetl <load|report> [flags]")
		},
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config path (environment only when empty)")
	pf.StringVar(&g.dsn, "dsn", "", "database DSN (overrides database.* settings)")
	pf.StringVar(&g.dbKind, "db-kind", "", "database backend: "+strings.Join(config.Kinds, "|"))

	root.AddCommand(newLoadCmd(&g, stdout, stderr, deps), newReportCmd(&g, stdout, stderr, deps))

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		fmt.Fprintln(stderr, ee.err)
		return ee.code
	}
	fmt.Fprintln(stderr, err)
	return exitUsage
}

func newLoadCmd(g *globalFlags, stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var (
		input     string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Ingest a SNAP dump (plain or .gz) into the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := prepareConfig(cmd, g, deps, func(c *config.Config) {
				if cmd.Flags().Changed("input") {
					c.Input.Path = input
				}
				if cmd.Flags().Changed("batch-size") {
					c.Load.BatchSize = batchSize
				}
			})
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Input.Path) == "" {
				return fail(exitUsage, "usage: snapetl load --input <path> (or SNAPETL_INPUT)")
			}

			lg, err := logging.NewWriter(stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fail(exitError, "init logger: %v", err)
			}
			defer func() { _ = lg.Sync() }()

			var script string
			if cfg.Load.SchemaPath != "" {
				b, err := deps.readFile(cfg.Load.SchemaPath)
				if err != nil {
					return fail(exitError, "read schema: %v", err)
				}
				script = string(b)
			}

			cleanup, err := deps.initMetrics(ctx, lg, cfg.Metrics, ingest.DefaultJob)
			if err != nil {
				return fail(exitError, "init metrics: %v", err)
			}
			defer cleanup()

			repo, err := deps.openRepo(ctx, cfg.Storage())
			if err != nil {
				return fail(exitError, "open database: %v", err)
			}
			defer repo.Close()

			run := deps.newLoader(repo, lg, ingest.Options{
				BatchSize:     cfg.Load.BatchSize,
				ProgressEvery: cfg.Load.ProgressEvery,
				SchemaScript:  script,
				Job:           ingest.DefaultJob,
			})
			sum, err := run.Run(ctx, file.NewLocal(cfg.Input.Path, cfg.Input.Encoding))
			if err != nil {
				return classify(err)
			}
			return printSummary(stdout, sum)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "path of the SNAP dump")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per transaction")
	return cmd
}

func newReportCmd(g *globalFlags, stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var opts report.Options
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run the analytical queries over a loaded database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if opts.Limit < 0 {
				return fail(exitUsage, "usage: --limit must be >= 0")
			}
			cfg, err := prepareConfig(cmd, g, deps, nil)
			if err != nil {
				return err
			}
			if cfg.Database.Kind == "mssql" {
				return fail(exitError, "report: %v: mssql", report.ErrUnsupportedDialect)
			}

			lg, err := logging.NewWriter(stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fail(exitError, "init logger: %v", err)
			}
			defer func() { _ = lg.Sync() }()

			cleanup, err := deps.initMetrics(ctx, lg, cfg.Metrics, report.DefaultJob)
			if err != nil {
				return fail(exitError, "init metrics: %v", err)
			}
			defer cleanup()

			repo, err := deps.openRepo(ctx, cfg.Storage())
			if err != nil {
				return fail(exitError, "open database: %v", err)
			}
			defer repo.Close()

			tables, err := deps.runReport(ctx, repo, lg, opts)
			if err != nil {
				return fail(exitError, "report: %v", err)
			}
			for _, t := range tables {
				if err := report.PrintTable(stdout, t); err != nil {
					return fail(exitError, "print %s: %v", t.Name, err)
				}
				if out == "" {
					continue
				}
				path, err := report.WriteCSV(out, t)
				if err != nil {
					return fail(exitError, "export: %v", err)
				}
				lg.Info("wrote csv", zap.String("path", path), zap.Int("rows", len(t.Rows)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ASIN, "asin", "", "product for the per-product queries")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "row limit of the catalog-wide queries (0 = defaults)")
	cmd.Flags().StringVar(&out, "out", "", "directory for one CSV per query")
	return cmd
}

// prepareConfig loads the configuration, applies flag overrides and
// validates the result.
func prepareConfig(cmd *cobra.Command, g *globalFlags, deps appDeps, override func(*config.Config)) (*config.Config, error) {
	cfg, err := deps.loadConfig(g.configPath)
	if err != nil {
		return nil, fail(exitError, "load config: %v", err)
	}
	flags := cmd.Flags()
	if flags.Changed("dsn") {
		cfg.Database.DSN = g.dsn
	}
	if flags.Changed("db-kind") {
		cfg.Database.Kind = g.dbKind
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fail(exitError, "invalid config: %v", err)
	}
	return cfg, nil
}

// classify maps an ingestion error to its exit code.
func classify(err error) error {
	var pe *ingest.ParseError
	var le *ingest.LoadError
	switch {
	case errors.As(err, &pe):
		return &exitErr{code: exitParse, err: fmt.Errorf("parse failure: %w", err)}
	case errors.As(err, &le):
		return &exitErr{code: exitLoad, err: fmt.Errorf("load failure: %w", err)}
	default:
		return &exitErr{code: exitError, err: err}
	}
}

func printSummary(w io.Writer, s ingest.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	rows := []struct {
		k string
		v any
	}{
		{"run_id", s.RunID},
		{"records", s.Records},
		{"products", s.Products},
		{"duplicate_products", s.DuplicateProducts},
		{"groups_created", s.Groups},
		{"categories", s.Categories},
		{"product_categories", s.ProductCategories},
		{"similars", s.Similars},
		{"customers", s.Customers},
		{"reviews", s.Reviews},
		{"dropped_reviews", s.DroppedReviews},
		{"skipped_lines", s.SkippedLines},
		{"batches", s.Batches},
		{"input_bytes", file.HumanBytes(s.Bytes)},
		{"input_digest", s.Digest},
		{"elapsed", s.Elapsed.Truncate(time.Millisecond)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%v\n", r.k, r.v)
	}
	return tw.Flush()
}

func runReport(ctx context.Context, repo storage.Repository, lg *zap.Logger, opts report.Options) ([]report.Table, error) {
	p, ok := repo.(storage.SQLProvider)
	if !ok {
		return nil, fmt.Errorf("%w: backend has no SQL handle", report.ErrUnsupportedDialect)
	}
	r, err := report.New(p, lg)
	if err != nil {
		return nil, err
	}
	return r.RunAll(ctx, opts)
}

// metricsBackend is the subset of a metrics backend initMetrics needs.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
)

// initMetrics installs the configured metrics backend. The returned cleanup
// is never nil and flushes the backend.
func initMetrics(ctx context.Context, lg *zap.Logger, mc config.MetricsConfig, job string) (func(), error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	noop := func() {}
	switch mc.Backend {
	case config.MetricsNone:
		return noop, nil
	case config.MetricsDatadog:
		tags := datadog.ParseTagsCSV(mc.Tags)
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: mc.FlushEvery,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		lg.Info("metrics enabled", zap.String("backend", "datadog"), zap.String("job", job), zap.Strings("tags", tags))
		return func() {
			if err := b.Close(); err != nil {
				lg.Warn("metrics: datadog close error", zap.Error(err))
			}
		}, nil
	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", mc.Backend)
	}
}
