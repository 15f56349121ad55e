package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"snapetl/internal/datasource/file"
	"snapetl/internal/storage"
	"snapetl/internal/storage/sqlite"
)

const sampleDump = `# Full information about Amazon Share the Love products
Total items: 548552

Id:   0
ASIN: 0771044445
  discontinued product

Id:   1
ASIN: 0827229534
  title: Patterns of Preaching: A Sermon Sampler
  group: Book
  salesrank: 396585
  similar: 5  0804215715  156101074X  0687023955  0687074231  082721619X
  categories: 2
   |Books[283155]|Subjects[1000]|Religion & Spirituality[22]|Christianity[12290]|Clergy[12360]|Preaching[12368]
   |Books[283155]|Subjects[1000]|Religion & Spirituality[22]|Christianity[12290]|Clergy[12360]|Sermons[12370]
  reviews: total: 2  downloaded: 2  avg rating: 5
    2000-7-28  cutomer: A2JW67OY8U6HHK  rating: 5  votes:  10  helpful:   9
    2003-12-14  cutomer: A2VE83MZF98ITY  rating: 5  votes:   6  helpful:   5

Id:   2
ASIN: 0738700797
  title: Candlemas: Feast of Flames
  group: Book
  salesrank: 168596
  similar: 5  0738700827  1567184960  1567182836  0738700525  0738700940
  categories: 2
   |Books[283155]|Subjects[1000]|Religion & Spirituality[22]|Earth-Based Religions[12472]|Wicca[12484]
   |Books[283155]|Subjects[1000]|Religion & Spirituality[22]|Earth-Based Religions[12472]|Witchcraft[12486]
  reviews: total: 12  downloaded: 2  avg rating: 4.5
    2001-12-16  cutomer: A11NCO6YTE4BTJ  rating: 5  votes:   5  helpful:   4
    2002-1-7  cutomer:  A9CQ3PLRNIR83  rating: 4  votes:   5  helpful:   5

Id:   3
ASIN: 0827229534
  title: Patterns of Preaching (reissue)
  group: Baby Product
  salesrank: 1
  similar: 1  0738700797
  categories: 1
   |Books[283155]|Baby[99]
  reviews: total: 2  downloaded: 2  avg rating: 3
    2004-1-1  cutomer: A2JW67OY8U6HHK  rating: 7  votes:   1  helpful:   1
    2004-1-2  cutomer: A2JW67OY8U6HHK  rating: 3  votes:   1  helpful:   0
`

// wantRows is the table content after loading sampleDump once.
var wantRows = map[string]int64{
	"product_group":    3,
	"product":          3,
	"customer":         4,
	"category":         11,
	"product_category": 14,
	"product_similar":  11,
	"review":           5,
}

type stringSource struct {
	data string
	err  error
}

func (s stringSource) Open(context.Context) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.data)), nil
}

// brokenSource yields data and then fails the read.
type brokenSource struct {
	data string
	err  error
}

func (s brokenSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(strings.NewReader(s.data), errReader{s.err})), nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func openSQLite(t *testing.T) *sqlite.Repo {
	t.Helper()
	repo, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "snap.db")})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo.(*sqlite.Repo)
}

func gzipFile(t *testing.T, data string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := filepath.Join(t.TempDir(), "amazon-meta.txt.gz")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func tableCounts(t *testing.T, repo storage.Repository) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, table := range storage.Tables() {
		n, err := repo.Count(context.Background(), table)
		require.NoError(t, err, table)
		out[table] = n
	}
	return out
}

func TestRun_EndToEndSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openSQLite(t)
	r := &Runner{Repo: repo, Options: Options{BatchSize: 2, ProgressEvery: 1}}

	path := gzipFile(t, sampleDump)
	fi, err := os.Stat(path)
	require.NoError(t, err)

	sum, err := r.Run(ctx, file.NewLocal(path, ""))
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, int64(4), sum.Records)
	assert.Equal(t, int64(3), sum.Products)
	assert.Equal(t, int64(1), sum.DuplicateProducts)
	assert.Equal(t, int64(3), sum.Groups)
	assert.Equal(t, int64(11), sum.Categories)
	assert.Equal(t, int64(15), sum.ProductCategories)
	assert.Equal(t, int64(11), sum.Similars)
	assert.Equal(t, int64(4), sum.Customers)
	assert.Equal(t, int64(5), sum.Reviews)
	assert.Equal(t, int64(1), sum.DroppedReviews)
	assert.Equal(t, int64(1), sum.SkippedLines)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, fi.Size(), sum.Bytes)
	assert.Len(t, sum.Digest, 16)

	assert.Equal(t, int64(14), sum.Inserted["product_category"])
	assert.Equal(t, int64(3), sum.Inserted["product"])
	assert.Equal(t, wantRows, tableCounts(t, repo))
}

func TestRun_FirstBlockWinsForDuplicateASIN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openSQLite(t)
	_, err := (&Runner{Repo: repo, Options: Options{BatchSize: 100}}).Run(ctx, stringSource{data: sampleDump})
	require.NoError(t, err)

	var title, group string
	var rank int64
	require.NoError(t, repo.SQLDB().QueryRowContext(ctx, `
		SELECT p.title, p.salesrank, g.name
		FROM product p JOIN product_group g ON g.group_id = p.group_id
		WHERE p.asin = '0827229534'`).Scan(&title, &rank, &group))
	assert.Equal(t, "Patterns of Preaching: A Sermon Sampler", title)
	assert.Equal(t, int64(396585), rank)
	assert.Equal(t, "Book", group)

	var unknown string
	require.NoError(t, repo.SQLDB().QueryRowContext(ctx, `
		SELECT g.name FROM product p JOIN product_group g ON g.group_id = p.group_id
		WHERE p.asin = '0771044445'`).Scan(&unknown))
	assert.Equal(t, "Unknown", unknown)

	var date string
	require.NoError(t, repo.SQLDB().QueryRowContext(ctx,
		`SELECT review_date FROM review WHERE customer_id = 'A9CQ3PLRNIR83'`).Scan(&date))
	assert.Equal(t, "2002-01-07", date)
}

func TestRun_SanitizesGroupAndASINs(t *testing.T) {
	t.Parallel()

	dump := "Id:   0\n" +
		"ASIN: B0\x001\n" +
		"  title: Caf\xe9\tTitle\n" +
		"  group: Bo\xffok\x00X\n" +
		"  similar: 1  S\xff1\n"

	ctx := context.Background()
	repo := openSQLite(t)
	sum, err := (&Runner{Repo: repo, Options: Options{BatchSize: 10}}).Run(ctx, stringSource{data: dump})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Products)

	var asin, title, group string
	require.NoError(t, repo.SQLDB().QueryRowContext(ctx, `
		SELECT p.asin, p.title, g.name
		FROM product p JOIN product_group g ON g.group_id = p.group_id`).Scan(&asin, &title, &group))
	assert.Equal(t, "B0 1", asin)
	assert.Equal(t, "Caf\uFFFD Title", title)
	assert.Equal(t, "Bo\uFFFDok X", group)

	var from, to string
	require.NoError(t, repo.SQLDB().QueryRowContext(ctx,
		`SELECT asin, similar_asin FROM product_similar`).Scan(&from, &to))
	assert.Equal(t, "B0 1", from)
	assert.Equal(t, "S\uFFFD1", to)
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openSQLite(t)
	r := &Runner{Repo: repo, Options: Options{BatchSize: 3}}

	_, err := r.Run(ctx, stringSource{data: sampleDump})
	require.NoError(t, err)

	sum, err := r.Run(ctx, stringSource{data: sampleDump})
	require.NoError(t, err)
	assert.Zero(t, sum.Groups, "groups come from the prewarmed cache")
	for table, n := range sum.Inserted {
		assert.Zero(t, n, table)
	}
	assert.Equal(t, wantRows, tableCounts(t, repo))
}

func TestRun_ProgressAndBatchLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	r := &Runner{Repo: openSQLite(t), Logger: zap.New(core), Options: Options{BatchSize: 2, ProgressEvery: 2}}

	_, err := r.Run(context.Background(), stringSource{data: sampleDump})
	require.NoError(t, err)

	assert.Equal(t, 2, logs.FilterMessage("progress").Len())
	assert.Equal(t, 2, logs.FilterMessage("batch committed").Len())
	assert.Equal(t, 1, logs.FilterMessage("ingest complete").Len())

	skipped := logs.FilterMessage("line skipped").All()
	require.Len(t, skipped, 2)
	assert.Equal(t, int64(6), skipped[0].ContextMap()["line"])
	assert.Equal(t, "rating out of range", skipped[1].ContextMap()["reason"])

	for _, e := range logs.All() {
		assert.Contains(t, e.ContextMap(), "run_id")
	}
}

func TestRun_OpenErrorIsNotClassified(t *testing.T) {
	t.Parallel()

	boom := errors.New("no such file")
	_, err := (&Runner{Repo: openSQLite(t)}).Run(context.Background(), stringSource{err: boom})
	require.ErrorIs(t, err, boom)

	var pe *ParseError
	var le *LoadError
	assert.False(t, errors.As(err, &pe))
	assert.False(t, errors.As(err, &le))
}

func TestRun_ReadFailureIsParseError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openSQLite(t)
	boom := errors.New("unexpected EOF in gzip stream")
	head := sampleDump[:strings.Index(sampleDump, "Id:   3")]

	sum, err := (&Runner{Repo: repo, Options: Options{BatchSize: 1}}).Run(ctx, brokenSource{data: head, err: boom})
	require.ErrorIs(t, err, boom)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Positive(t, pe.Line)

	// Blocks 0 and 1 were completed and committed before the failure; block 2
	// was still open.
	assert.Equal(t, 2, sum.Batches)
	n, err := repo.Count(ctx, "product")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRun_BootstrapFailureIsLoadError(t *testing.T) {
	t.Parallel()

	r := &Runner{Repo: openSQLite(t), Options: Options{SchemaScript: "CREATE TABLE broken ("}}
	_, err := r.Run(context.Background(), stringSource{data: sampleDump})

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "bootstrap", le.Stage)
	assert.Zero(t, le.Batch)
}

// failingBegin lets everything through except batch transactions.
type failingBegin struct {
	storage.Repository
	err error
}

func (f failingBegin) Begin(context.Context) (storage.BatchTx, error) { return nil, f.err }

func TestRun_FlushFailureIsLoadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	r := &Runner{Repo: failingBegin{Repository: openSQLite(t), err: boom}, Options: Options{BatchSize: 2}}
	sum, err := r.Run(context.Background(), stringSource{data: sampleDump})
	require.ErrorIs(t, err, boom)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "flush", le.Stage)
	assert.Equal(t, 1, le.Batch)
	assert.Zero(t, sum.Batches)
}

func TestRun_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Runner{Repo: openSQLite(t)}).Run(ctx, file.NewLocal(gzipFile(t, sampleDump), ""))
	require.ErrorIs(t, err, context.Canceled)
}
