package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/renderinc/scp-archive/internal/cache"
	"github.com/renderinc/scp-archive/internal/config"
	"github.com/renderinc/scp-archive/internal/convert"
	"github.com/renderinc/scp-archive/internal/query"
	"github.com/renderinc/scp-archive/internal/retention"
	"github.com/renderinc/scp-archive/internal/scpdata"
	"github.com/renderinc/scp-archive/internal/search"
	"github.com/renderinc/scp-archive/internal/storage"
	"github.com/renderinc/scp-archive/internal/sync"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "scp-archive",
	Short: "Versioned archive of the SCP wiki",
	Example: `scp-archive sync
scp-archive sync 100-200
scp-archive sync --random 25 --seed 7
scp-archive get SCP-173 --content
scp-archive search "statue" --tag euclid
scp-archive export 100-200 --format markdown
scp-archive serve --port 8000 --watch`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")

	rootCmd.AddCommand(
		syncCmd(),
		getCmd(),
		relatedCmd(),
		randomCmd(),
		searchCmd(),
		listCmd(),
		versionsCmd(),
		pruneCmd(),
		reindexCmd(),
		statsCmd(),
		exportCmd(),
		serveCmd(),
	)
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	cobra.EnableCommandSorting = false
}

// app holds the components every command is built from
type app struct {
	cfg     *config.Config
	db      *storage.DB
	index   *search.Index
	cache   cache.ItemCache
	layer   *query.Layer
	engine  *sync.Engine
	manager *retention.Manager
	closers []io.Closer
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile, config.DefaultEnvFiles...)
	if err != nil {
		return nil, err
	}

	logFile, err := config.SetupLogging(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, closers: []io.Closer{logFile}}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if a.db, err = storage.Open(cfg.DBPath); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.db)

	if a.index, err = search.Open(cfg.IndexPath); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.index)

	a.cache = cache.NewMemory(10000)
	if cfg.RedisAddr != "" {
		rc := cache.NewRedisItemCache(cfg.RedisAddr, cfg.CacheTTL)
		if err := rc.Ping(ctx); err != nil {
			logrus.Warnf("Redis at %s unavailable, using in-process cache: %v", cfg.RedisAddr, err)
			rc.Close()
		} else {
			a.cache = rc
			a.closers = append(a.closers, rc)
		}
	}

	scorer, err := search.NewScorer()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.manager = retention.NewManager(a.db, retention.Policy{Keep: cfg.RetentionCount}, cfg.RetentionEnabled)

	a.layer, err = query.New(a.db, scorer, query.Config{
		DefaultLimit: cfg.DefaultSearchLimit,
		MaxLimit:     cfg.MaxSearchLimit,
		CursorSecret: []byte(cfg.CursorSecret),
		Cache:        a.cache,
		Suggester:    a.index,
		Retention: query.RetentionInfo{
			Enabled:  cfg.RetentionEnabled,
			Keep:     cfg.RetentionCount,
			Schedule: cfg.CleanupSchedule,
		},
		ProfileCacheSize: cfg.ProfileCacheSize,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = sync.NewEngine(a.db, a.index, a.manager, sync.Config{
		Concurrency:    cfg.Concurrency,
		BatchSize:      cfg.BatchSize,
		FetchTimeout:   cfg.FetchTimeout,
		ConvertTimeout: cfg.ConvertTimeout,
		Markdown:       cfg.MarkdownGeneration,
		Converter:      convert.HTML{},
	})

	return a, nil
}

// source opens the upstream snapshot: over HTTP when a source URL is
// configured, otherwise the newest snapshot under the raw data path
func (a *app) source(url string) (scpdata.Source, error) {
	if url == "" {
		url = a.cfg.SourceURL
	}
	if url != "" {
		return scpdata.NewHTTPSource(url, a.cfg.DatasetCommit, a.cfg.FetchTimeout), nil
	}
	return scpdata.OpenDir(a.cfg.RawDataPath)
}

// ingest runs one ingest of the configured or given upstream source
func (a *app) ingest(ctx context.Context, url string, opts sync.Options) (*sync.Outcome, error) {
	src, err := a.source(url)
	if err != nil {
		return nil, err
	}
	return a.ingestFrom(ctx, src, opts)
}

// ingestFrom ingests src, stamping the configured dataset commit unless
// opts names one
func (a *app) ingestFrom(ctx context.Context, src scpdata.Source, opts sync.Options) (*sync.Outcome, error) {
	if opts.Commit == "" {
		opts.Commit = a.cfg.DatasetCommit
	}
	return a.engine.Ingest(ctx, src, opts)
}

func (a *app) Close() error {
	if a.manager != nil {
		a.manager.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logrus.Warnf("Close: %v", err)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
