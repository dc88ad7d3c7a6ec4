package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/scp-archive/internal/scpdata"
	"github.com/renderinc/scp-archive/internal/scpdata/scpdatatest"
	"github.com/renderinc/scp-archive/internal/storage"
)

type recordingIndex struct {
	mu    sync.Mutex
	links []string
}

func (r *recordingIndex) IndexItems(items []*storage.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range items {
		r.links = append(r.links, it.Link)
	}
	return nil
}

type countingHook struct {
	mu    sync.Mutex
	calls int
}

func (h *countingHook) AfterCommit() {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
}

func (h *countingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type engineFixture struct {
	db     *storage.DB
	engine *Engine
	index  *recordingIndex
	hook   *countingHook
	raw    string
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &engineFixture{db: db, index: &recordingIndex{}, hook: &countingHook{}, raw: t.TempDir()}
	f.engine = NewEngine(db, f.index, f.hook, cfg)
	return f
}

// ingest writes snap as scp-<seq>-<commit> and ingests it
func (f *engineFixture) ingest(t *testing.T, snap *scpdatatest.Snapshot, seq int, commit string, opts Options) *Outcome {
	t.Helper()

	dir := snap.Write(t, f.raw, fmt.Sprintf("scp-%04d-%s", seq, commit))
	src, err := scpdata.OpenDir(dir)
	require.NoError(t, err)

	out, err := f.engine.Ingest(context.Background(), src, opts)
	require.NoError(t, err)
	return out
}

func (f *engineFixture) get(t *testing.T, link string) *storage.Item {
	t.Helper()

	snap, err := f.db.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	defer snap.Close()

	it, err := snap.Get(context.Background(), link)
	require.NoError(t, err)
	return it
}

func TestIngest_ReingestAndChange(t *testing.T) {
	f := newEngineFixture(t, Config{})

	first := f.ingest(t, scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "A"), 1, "c1", Options{})
	assert.Equal(t, 1, first.Updated)
	assert.Equal(t, 1, first.Inserted)
	require.Len(t, first.Versions, 1)
	sha := f.get(t, "scp-173").ContentSHA1

	second := f.ingest(t, scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "A"), 2, "c2", Options{})
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.Versions)
	assert.Nil(t, second.NewVersion)

	stored := f.get(t, "scp-173")
	assert.Equal(t, "c1", stored.DatasetCommit, "skipped rows keep their commit")

	third := f.ingest(t, scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "B"), 3, "c3", Options{})
	assert.Equal(t, 1, third.Updated)
	assert.Equal(t, 0, third.Inserted)
	require.NotNil(t, third.NewVersion)
	assert.Greater(t, *third.NewVersion, first.Versions[0])

	stored = f.get(t, "scp-173")
	assert.Equal(t, "c3", stored.DatasetCommit)
	assert.Equal(t, 173, stored.Number)
	assert.NotEqual(t, *sha, *stored.ContentSHA1)

	versions, err := f.db.Versions(context.Background())
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, 2, f.hook.count(), "hook runs only for runs that wrote")
}

func TestIngest_OneChangedRecord(t *testing.T) {
	f := newEngineFixture(t, Config{})

	build := func(changed string) *scpdatatest.Snapshot {
		s := scpdatatest.NewSnapshot()
		for n := 1; n <= 5; n++ {
			s.Add(n, "content_series-1.json", fmt.Sprintf("content %d", n))
		}
		return s.Add(3, "content_series-1.json", changed)
	}

	f.ingest(t, build("content 3"), 1, "c1", Options{})
	out := f.ingest(t, build("rewritten"), 2, "c2", Options{})

	assert.Equal(t, 5, out.Total)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 4, out.Skipped)
	assert.Len(t, out.Versions, 1)

	for n := 1; n <= 5; n++ {
		want := "c1"
		if n == 3 {
			want = "c2"
		}
		assert.Equal(t, want, f.get(t, fmt.Sprintf("scp-%03d", n)).DatasetCommit)
	}
}

func TestIngest_BatchesAllocateOneVersionEach(t *testing.T) {
	f := newEngineFixture(t, Config{BatchSize: 2})

	s := scpdatatest.NewSnapshot()
	for n := 1; n <= 5; n++ {
		s.Add(n, "content_series-1.json", fmt.Sprintf("content %d", n))
	}
	out := f.ingest(t, s, 1, "c1", Options{})

	assert.Equal(t, 5, out.Updated)
	assert.Len(t, out.Versions, 3)
	assert.Equal(t, out.Versions[2], *out.NewVersion)
	assert.ElementsMatch(t, []string{"scp-001", "scp-002", "scp-003", "scp-004", "scp-005"}, f.index.links)
}

func TestIngest_MetadataOnlyAndMissingContentFile(t *testing.T) {
	f := newEngineFixture(t, Config{})

	s := scpdatatest.NewSnapshot().
		Add(173, "content_series-1.json", "A").
		Add(2, "", "")
	s.Index["SCP-049"] = scpdatatest.Item{"link": "scp-049", "content_file": "content_missing.json"}

	out := f.ingest(t, s, 1, "c1", Options{})
	assert.Equal(t, 3, out.Updated)
	assert.Equal(t, 0, out.Failed)

	assert.False(t, f.get(t, "scp-002").ContentComplete())
	assert.False(t, f.get(t, "scp-049").ContentComplete())
	assert.True(t, f.get(t, "scp-173").ContentComplete())
}

func TestIngest_RecordFailuresDoNotAbort(t *testing.T) {
	f := newEngineFixture(t, Config{})

	s := scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "A")
	s.Index["SCP-999"] = scpdatatest.Item{"link": "scp-999", "content_file": "content_series-1.json"}
	s.Content["content_series-1.json"]["SCP-999"] = scpdatatest.Item{"link": "scp-998", "raw_content": "x"}
	s.Index["garbage"] = scpdatatest.Item{"title": "no identifier"}

	out := f.ingest(t, s, 1, "c1", Options{})
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 2, out.Failed)
	assert.Len(t, out.Failures, 2)

	err := out.Errors()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMergeConflict))
	assert.Nil(t, f.get(t, "scp-999"))
}

func TestIngest_Markdown(t *testing.T) {
	f := newEngineFixture(t, Config{Markdown: true})

	out := f.ingest(t, scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "<p>Moves when unobserved</p>"), 1, "c1", Options{})
	require.Equal(t, 1, out.Updated)

	stored := f.get(t, "scp-173")
	require.NotNil(t, stored.Markdown)
	assert.Equal(t, "Moves when unobserved\n", *stored.Markdown)
}

type failingConverter struct{}

func (failingConverter) Convert(ctx context.Context, raw string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestIngest_ConversionFailureLeavesMarkdownAbsent(t *testing.T) {
	f := newEngineFixture(t, Config{Markdown: true, Converter: failingConverter{}, ConvertTimeout: 10 * time.Millisecond})

	out := f.ingest(t, scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "<p>A</p>"), 1, "c1", Options{})
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 0, out.Failed)
	assert.Nil(t, f.get(t, "scp-173").Markdown)
}

// stallingSource never answers content file requests before ctx ends
type stallingSource struct {
	scpdata.Source
}

func (s stallingSource) ContentFile(ctx context.Context, name string) (map[string]*scpdata.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIngest_FetchTimeoutIsRecordFailure(t *testing.T) {
	f := newEngineFixture(t, Config{FetchTimeout: 20 * time.Millisecond})

	s := scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "A").Add(2, "", "")
	dir := s.Write(t, f.raw, "scp-0001-c1")
	src, err := scpdata.OpenDir(dir)
	require.NoError(t, err)

	out, err := f.engine.Ingest(context.Background(), stallingSource{src}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 1, out.Failed)
	assert.True(t, errors.Is(out.Errors(), context.DeadlineExceeded))
}

// blockingSource holds the manifest until released
type blockingSource struct {
	scpdata.Source
	entered chan struct{}
	release chan struct{}
}

func (s blockingSource) Manifest(ctx context.Context) (*scpdata.Manifest, error) {
	close(s.entered)
	<-s.release
	return s.Source.Manifest(ctx)
}

func TestIngest_RejectsConcurrentRuns(t *testing.T) {
	f := newEngineFixture(t, Config{})

	dir := scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "A").Write(t, f.raw, "scp-0001-c1")
	src, err := scpdata.OpenDir(dir)
	require.NoError(t, err)

	blocking := blockingSource{Source: src, entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Ingest(context.Background(), blocking, Options{})
		done <- err
	}()

	<-blocking.entered
	_, err = f.engine.Ingest(context.Background(), src, Options{})
	assert.ErrorIs(t, err, ErrIngestInProgress)

	close(blocking.release)
	require.NoError(t, <-done)
}

func TestIngest_CancelledBeforeCommit(t *testing.T) {
	f := newEngineFixture(t, Config{})

	dir := scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "A").Write(t, f.raw, "scp-0001-c1")
	src, err := scpdata.OpenDir(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.engine.Ingest(ctx, src, Options{})
	require.Error(t, err)

	latest, err := f.db.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest, "no partial version")
}

func TestIngest_CommitOverride(t *testing.T) {
	f := newEngineFixture(t, Config{})

	out := f.ingest(t, scpdatatest.NewSnapshot().Add(173, "content_series-1.json", "A"), 1, "c1", Options{Commit: "manual"})
	assert.Equal(t, "manual", out.DatasetCommit)
	assert.Equal(t, "manual", f.get(t, "scp-173").DatasetCommit)
}

func TestSelector(t *testing.T) {
	s := scpdatatest.NewSnapshot()
	for n := 1; n <= 20; n++ {
		s.Add(n, "", "")
	}
	dir := s.Write(t, t.TempDir(), "scp-0001-c1")
	src, err := scpdata.OpenDir(dir)
	require.NoError(t, err)
	manifest, err := src.Manifest(context.Background())
	require.NoError(t, err)

	keys := func(recs []scpdata.Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.Key
		}
		return out
	}

	all, err := Selector{}.Apply(manifest.Records)
	require.NoError(t, err)
	assert.Len(t, all, 20)

	picked, err := Selector{Identifiers: []string{"7", "scp-012"}}.Apply(manifest.Records)
	require.NoError(t, err)
	assert.Equal(t, []string{"SCP-007", "SCP-012"}, keys(picked))

	ranged, err := Selector{Range: "5-3"}.Apply(manifest.Records)
	require.NoError(t, err)
	assert.Equal(t, []string{"SCP-003", "SCP-004", "SCP-005"}, keys(ranged))

	r1, err := Selector{Random: 4, Seed: 42}.Apply(manifest.Records)
	require.NoError(t, err)
	r2, err := Selector{Random: 4, Seed: 42}.Apply(manifest.Records)
	require.NoError(t, err)
	assert.Len(t, r1, 4)
	assert.Equal(t, keys(r1), keys(r2), "same seed, same sample")

	_, err = Selector{Range: "900-901"}.Apply(manifest.Records)
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = Selector{Identifiers: []string{"SCP-abc"}}.Apply(manifest.Records)
	assert.Error(t, err)
}
