package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/renderinc/scp-archive/internal/convert"
	"github.com/renderinc/scp-archive/internal/scpdata"
	"github.com/renderinc/scp-archive/internal/storage"
)

// ErrIngestInProgress is returned when another ingest holds the writer
var ErrIngestInProgress = errors.New("ingest already in progress")

var errDuplicateLink = errors.New("duplicate link in index")

// Indexer receives every record a run writes
type Indexer interface {
	IndexItems(items []*storage.Item) error
}

// CommitHook runs after an ingest that wrote at least one version
type CommitHook interface {
	AfterCommit()
}

// Config tunes the ingest engine
type Config struct {
	Concurrency    int
	BatchSize      int
	FetchTimeout   time.Duration
	ConvertTimeout time.Duration
	Markdown       bool
	Converter      convert.Converter
}

// Options select what one ingest run reads
type Options struct {
	Commit   string // overrides the source's dataset commit
	Selector Selector
}

// Failure is one record that could not be ingested
type Failure struct {
	Key    string `json:"key"`
	Link   string `json:"link,omitempty"`
	Reason string `json:"reason"`
}

// Outcome summarizes an ingest run. Updated counts inserts and updates.
type Outcome struct {
	RunID         string        `json:"run_id"`
	DatasetCommit string        `json:"dataset_commit"`
	Total         int           `json:"total"`
	Inserted      int           `json:"inserted"`
	Updated       int           `json:"updated"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	NewVersion    *int64        `json:"new_version,omitempty"`
	Versions      []int64       `json:"versions"`
	Duration      time.Duration `json:"duration"`
	Failures      []Failure     `json:"failures,omitempty"`

	errs *multierror.Error
}

// Errors returns the per-record failures of the run, or nil
func (o *Outcome) Errors() error {
	return o.errs.ErrorOrNil()
}

func (o *Outcome) fail(key, link string, err error) {
	o.Failed++
	o.Failures = append(o.Failures, Failure{Key: key, Link: link, Reason: err.Error()})
	o.errs = multierror.Append(o.errs, fmt.Errorf("%s: %w", key, err))
}

// Engine ingests upstream snapshots into the versioned store. Only one
// ingest runs at a time.
type Engine struct {
	db      *storage.DB
	index   Indexer
	hook    CommitHook
	cfg     Config
	running sync.Mutex
}

// NewEngine creates an engine. index and hook may be nil.
func NewEngine(db *storage.DB, index Indexer, hook CommitHook, cfg Config) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1000
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = 10 * time.Second
	}
	if cfg.Converter == nil {
		cfg.Converter = convert.HTML{}
	}
	return &Engine{db: db, index: index, hook: hook, cfg: cfg}
}

// pending is one record moving through a chunk
type pending struct {
	rec  scpdata.Record
	link string
	item *storage.Item
	err  error
}

// Ingest reads src and commits every changed record. Per-record failures
// are counted in the outcome; a commit failure aborts the run and leaves
// the store at its last committed version.
func (e *Engine) Ingest(ctx context.Context, src scpdata.Source, opts Options) (*Outcome, error) {
	if !e.running.TryLock() {
		return nil, ErrIngestInProgress
	}
	defer e.running.Unlock()

	start := time.Now()
	out := &Outcome{RunID: uuid.NewString(), Versions: []int64{}}

	manifest, err := src.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	out.DatasetCommit = manifest.Commit
	if opts.Commit != "" {
		out.DatasetCommit = opts.Commit
	}
	if out.DatasetCommit == "" {
		return nil, errors.New("no dataset commit for source")
	}

	log := logrus.WithFields(logrus.Fields{"run": out.RunID, "commit": out.DatasetCommit})

	records, err := opts.Selector.Apply(manifest.Records)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	out.Total = len(records)
	log.Infof("Starting ingest of %d records", out.Total)

	queue := e.resolve(records, out, log)
	files := &contentFiles{src: src, timeout: e.cfg.FetchTimeout, done: map[string]contentFile{}}

	for i := 0; i < len(queue); i += e.cfg.BatchSize {
		chunk := queue[i:min(i+e.cfg.BatchSize, len(queue))]
		if err := e.ingestChunk(ctx, chunk, files, out, log); err != nil {
			out.Duration = time.Since(start)
			log.Errorf("Ingest aborted after %d versions: %v", len(out.Versions), err)
			return out, err
		}
	}

	out.Duration = time.Since(start)
	log.Infof("Ingest complete: %d updated (%d new), %d skipped, %d failed, %d versions in %v",
		out.Updated, out.Inserted, out.Skipped, out.Failed, len(out.Versions), out.Duration)

	if len(out.Versions) > 0 && e.hook != nil {
		e.hook.AfterCommit()
	}
	return out, nil
}

// resolve assigns each record its canonical link, drops the unresolvable
// and duplicate ones as failures, and returns the rest in link order.
func (e *Engine) resolve(records []scpdata.Record, out *Outcome, log *logrus.Entry) []*pending {
	seen := make(map[string]bool, len(records))
	queue := make([]*pending, 0, len(records))

	for _, rec := range records {
		id, err := RecordID(rec)
		if err != nil {
			log.Warnf("Skipping %s: %v", rec.Key, err)
			out.fail(rec.Key, "", err)
			continue
		}
		if seen[id.Link] {
			log.Warnf("Skipping %s: %v", rec.Key, errDuplicateLink)
			out.fail(rec.Key, id.Link, errDuplicateLink)
			continue
		}
		seen[id.Link] = true
		queue = append(queue, &pending{rec: rec, link: id.Link})
	}

	sort.Slice(queue, func(i, j int) bool { return queue[i].link < queue[j].link })
	return queue
}

func (e *Engine) ingestChunk(ctx context.Context, chunk []*pending, files *contentFiles, out *Outcome, log *logrus.Entry) error {
	// 1. Fetch content, merge and fingerprint concurrently
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, p := range chunk {
		g.Go(func() error {
			p.item, p.err = e.prepare(gctx, p, files)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	// 2. Compare with the stored rows
	links := make([]string, 0, len(chunk))
	for _, p := range chunk {
		if p.err == nil {
			links = append(links, p.link)
		}
	}
	stored, err := e.db.Fingerprints(ctx, links)
	if err != nil {
		return fmt.Errorf("load fingerprints: %w", err)
	}

	var changed []*storage.Item
	inserts := 0
	for _, p := range chunk {
		if p.err != nil {
			log.Warnf("Failed %s: %v", p.link, p.err)
			out.fail(p.rec.Key, p.link, p.err)
			continue
		}
		fp, exists := stored[p.link]
		switch Decide(fp, exists, p.item.ContentSHA1) {
		case Insert:
			inserts++
			changed = append(changed, p.item)
		case Update:
			changed = append(changed, p.item)
		default:
			out.Skipped++
		}
	}
	if len(changed) == 0 {
		return nil
	}

	// 3. Convert only what will be written
	if e.cfg.Markdown {
		e.convertAll(ctx, changed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// 4. Single writer commit
	ver, err := e.db.Commit(ctx, out.DatasetCommit, changed)
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	out.Updated += len(changed)
	out.Inserted += inserts
	out.Versions = append(out.Versions, ver.Number)
	out.NewVersion = &ver.Number
	log.Infof("Committed version %d with %d records", ver.Number, len(changed))

	if e.index != nil {
		if err := e.index.IndexItems(changed); err != nil {
			log.Warnf("Failed to refresh suggestion index: %v", err)
		}
	}
	return nil
}

func (e *Engine) prepare(ctx context.Context, p *pending, files *contentFiles) (*storage.Item, error) {
	var content *scpdata.Entry
	if name := contentFileName(p.rec); name != "" {
		entries, err := files.get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("content file %s: %w", name, err)
		}
		content = lookupContent(entries, p.rec.Key, p.link)
	}

	item, err := Merge(p.rec, content)
	if err != nil {
		return nil, err
	}
	item.ContentSHA1 = Fingerprint(item)
	return item, nil
}

func contentFileName(rec scpdata.Record) string {
	if rec.Entry == nil || rec.Entry.ContentFile == nil {
		return ""
	}
	return *rec.Entry.ContentFile
}

// lookupContent finds a record's entry in its content file, by index key
// first and by link second
func lookupContent(entries map[string]*scpdata.Entry, key, link string) *scpdata.Entry {
	if entries == nil {
		return nil
	}
	if c, ok := entries[key]; ok {
		return c
	}
	return entries[link]
}

func (e *Engine) convertAll(ctx context.Context, items []*storage.Item) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, it := range items {
		raw := it.PrimaryContent()
		if raw == nil {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, e.cfg.ConvertTimeout)
			defer cancel()

			md, err := e.cfg.Converter.Convert(cctx, *raw)
			if err != nil {
				logrus.Debugf("No markdown for %s: %v", it.Link, err)
				return nil
			}
			it.Markdown = &md
			return nil
		})
	}
	_ = g.Wait()
}

type contentFile struct {
	entries map[string]*scpdata.Entry
	err     error
}

// contentFiles fetches each content file at most once per run. A missing
// file yields no entries, so its records are ingested metadata-only.
type contentFiles struct {
	src     scpdata.Source
	timeout time.Duration
	group   singleflight.Group

	mu   sync.Mutex
	done map[string]contentFile
}

func (c *contentFiles) get(ctx context.Context, name string) (map[string]*scpdata.Entry, error) {
	c.mu.Lock()
	f, ok := c.done[name]
	c.mu.Unlock()
	if ok {
		return f.entries, f.err
	}

	v, _, _ := c.group.Do(name, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		entries, err := c.src.ContentFile(fctx, name)
		if errors.Is(err, scpdata.ErrContentFileNotFound) {
			entries, err = nil, nil
		}
		f := contentFile{entries: entries, err: err}

		// A cancelled run must not poison the memo for retries
		if ctx.Err() == nil {
			c.mu.Lock()
			c.done[name] = f
			c.mu.Unlock()
		}
		return f, nil
	})

	f = v.(contentFile)
	return f.entries, f.err
}
