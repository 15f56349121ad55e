package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"snapetl/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(_ context.Context, body datadogV2.MetricPayload, _ ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietOptions disables the periodic loop for the duration of a test.
func quietOptions(fs *fakeSubmitter, unix int64) Options {
	return Options{
		JobName:    "load",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(unix, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func newQuiet(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func names(series []datadogV2.MetricSeries) []string {
	out := make([]string, 0, len(series))
	for _, s := range series {
		out = append(out, s.Metric)
	}
	return out
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}
	in := errors.New("boom")
	got := wrapInitErr(in)
	if !errors.Is(got, in) || !strings.HasPrefix(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr(err)=%v", got)
	}
}

func TestNewBackend_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := NewBackend(nil, Options{}); err == nil {
		t.Fatalf("NewBackend(nil) err=nil, want error")
	}
}

func TestStepStatusKeyRoundTrip(t *testing.T) {
	for _, tc := range []struct{ step, status string }{
		{"flush", "success"},
		{"", "success"},
		{"ingest", ""},
		{"", ""},
	} {
		step, status := splitStepStatusKey(stepStatusKey(tc.step, tc.status))
		if step != tc.step || status != tc.status {
			t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", step, status, tc.step, tc.status)
		}
	}

	if step, status := splitStepStatusKey("no-sep"); step != "no-sep" || status != "unknown" {
		t.Fatalf("splitStepStatusKey(no-sep)=(%q,%q)", step, status)
	}
}

func TestWithTags_DoesNotAlias(t *testing.T) {
	base := []string{"env:test", "job:load"}
	got := withTags(base, "step:flush")
	if !reflect.DeepEqual(got, []string{"env:test", "job:load", "step:flush"}) {
		t.Fatalf("withTags()=%v", got)
	}
	got[0] = "env:mutated"
	if base[0] != "env:test" {
		t.Fatalf("withTags output aliases base")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestPoint(t *testing.T) {
	s := point("snapetl.test", datadogV2.METRICINTAKETYPE_GAUGE, 3.5, []string{"env:test"}, 1234567)
	if s.Metric != "snapetl.test" || s.Type == nil || *s.Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("point()=%+v", s)
	}
	if len(s.Points) != 1 || *s.Points[0].Timestamp != 1234567 || *s.Points[0].Value != 3.5 {
		t.Fatalf("points=%+v", s.Points)
	}
}

func TestAddPercentiles_DoesNotMutateSamples(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, "snapetl.step.duration_seconds", in, []string{"step:flush"}, 999)

	want := []string{
		"snapetl.step.duration_seconds.p50",
		"snapetl.step.duration_seconds.p90",
		"snapetl.step.duration_seconds.p95",
		"snapetl.step.duration_seconds.p99",
		"snapetl.step.duration_seconds.max",
		"snapetl.step.duration_seconds.samples",
	}
	if !reflect.DeepEqual(names(series), want) {
		t.Fatalf("series=%v", names(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: %v", in)
	}
	if *series[4].Points[0].Value != 5 || *series[5].Points[0].Value != 5 {
		t.Fatalf("max/samples wrong: %v %v", *series[4].Points[0].Value, *series[5].Points[0].Value)
	}

	addPercentiles(&series, "x", nil, nil, 0)
	if len(series) != 6 {
		t.Fatalf("empty samples must add nothing")
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs, 123)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"dataset:amazon-meta"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:snapetl") || !contains(b.baseTags, "dataset:amazon-meta") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	metrics.SetBackend(b)
	t.Cleanup(metrics.Reset)

	metrics.RecordStep("load", "flush", nil, 500*time.Millisecond)
	metrics.RecordRow("load", "review", 30)
	metrics.RecordRow("load", "product", 3)
	metrics.RecordBatches("load", 1)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if !b.snapshotAndReset().empty() {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	got := names(payload.Series)
	if !sort.StringsAreSorted(got) {
		t.Fatalf("series not sorted: %v", got)
	}
	for _, w := range []string{
		"snapetl.batches.total",
		"snapetl.records.total",
		"snapetl.step.total",
		"snapetl.step.duration_seconds.p50",
		"snapetl.step.duration_seconds.samples",
	} {
		if !contains(got, w) {
			t.Fatalf("payload missing %q; got=%v", w, got)
		}
	}

	var review float64
	for _, s := range payload.Series {
		if s.Metric == "snapetl.records.total" && contains(s.Tags, "kind:review") {
			review = *s.Points[0].Value
		}
	}
	if review != 30 {
		t.Fatalf("records.total kind:review=%v, want 30", review)
	}
}

func TestFlush_SubmitErrorIsWrapped(t *testing.T) {
	boom := errors.New("403")
	fs := &fakeSubmitter{err: boom}
	b := newQuiet(t, fs)

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	err := b.Flush()
	if !errors.Is(err, boom) {
		t.Fatalf("Flush() err=%v, want wrapped %v", err, boom)
	}
	fs.err = nil
	if err := b.Flush(); err != nil || fs.count() != 1 {
		t.Fatalf("window must be dropped after a failed submit; err=%v count=%d", err, fs.count())
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("submissions=%d, want 0", fs.count())
	}
}

func TestIgnoredInputs(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter("etl_http_requests_total", 1, metrics.Labels{"status": "200"})
	b.ObserveHistogram(metrics.StepDuration, -1, metrics.Labels{"step": "flush"})
	b.ObserveHistogram("etl_http_request_duration_seconds", 0.1, nil)

	if !b.snapshotAndReset().empty() {
		t.Fatalf("ignored inputs were buffered")
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "load",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected a background flush; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected final flush on Close; got %d", fs.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() err=%v", err)
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuiet(t, fs)

	workers := runtime.GOMAXPROCS(0) * 4
	const iters = 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for range iters {
				b.IncCounter(metrics.BatchesTotal, 1, nil)
				b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "flush", "status": "success"})
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "review"})
				b.ObserveHistogram(metrics.StepDuration, 0.01, metrics.Labels{"step": "flush", "status": "success"})
			}
		}()
	}
	wg.Wait()

	w := b.snapshotAndReset()
	if want := float64(workers * iters); w.batches != want || w.records["review"] != want {
		t.Fatalf("batches=%v records=%v, want %v", w.batches, w.records["review"], want)
	}
	if n := len(w.durations[stepStatusKey("flush", "success")]); n != workers*iters {
		t.Fatalf("duration samples=%d", n)
	}
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,dataset:amazon-meta,  ,team:data ", want: []string{"env:prod", "dataset:amazon-meta", "team:data"}},
		{name: "single_tag", in: "service:snapetl", want: []string{"service:snapetl"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
