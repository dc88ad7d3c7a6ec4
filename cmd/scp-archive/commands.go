package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/renderinc/scp-archive/internal/convert"
	"github.com/renderinc/scp-archive/internal/export"
	"github.com/renderinc/scp-archive/internal/identifier"
	"github.com/renderinc/scp-archive/internal/query"
	"github.com/renderinc/scp-archive/internal/retention"
	"github.com/renderinc/scp-archive/internal/scpdata"
	"github.com/renderinc/scp-archive/internal/storage"
	"github.com/renderinc/scp-archive/internal/sync"
	"github.com/renderinc/scp-archive/internal/web"
)

func syncCmd() *cobra.Command {
	var (
		random int
		seed   uint64
		commit string
		source string
	)

	cmd := &cobra.Command{
		Use:   "sync [item|range]...",
		Short: "Ingest the newest upstream snapshot",
		Long: `Ingest the newest upstream snapshot into the archive.

Without arguments every item is ingested. Arguments select single items
(SCP-173, 173, scp-173-j) or inclusive number ranges (100-200). Only
changed items are written; a run without changes allocates no version.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sel, err := selector(args, random, seed)
			if err != nil {
				return err
			}

			out, err := a.ingest(ctx, source, sync.Options{Commit: commit, Selector: sel})
			if err != nil {
				return err
			}

			fmt.Println()
			fmt.Println("=== Sync Complete ===")
			fmt.Printf("Run:           %s\n", out.RunID)
			fmt.Printf("Commit:        %s\n", out.DatasetCommit)
			fmt.Printf("Total items:   %d\n", out.Total)
			fmt.Printf("Updated:       %d (%d new)\n", out.Updated, out.Inserted)
			fmt.Printf("Skipped:       %d\n", out.Skipped)
			fmt.Printf("Failed:        %d\n", out.Failed)
			if out.NewVersion != nil {
				fmt.Printf("New version:   %d\n", *out.NewVersion)
			} else {
				fmt.Println("New version:   none (no changes)")
			}
			fmt.Printf("Duration:      %v\n", out.Duration.Round(time.Millisecond))
			for _, f := range out.Failures {
				fmt.Printf("  %s: %s\n", f.Key, f.Reason)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&random, "random", 0, "ingest a random sample of N items")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for --random")
	cmd.Flags().StringVar(&commit, "commit", "", "dataset commit to stamp (default: from the snapshot)")
	cmd.Flags().StringVar(&source, "source", "", "base URL of an upstream snapshot served over HTTP")
	return cmd
}

// selector turns item and range arguments into a Selector
func selector(args []string, random int, seed uint64) (sync.Selector, error) {
	sel := sync.Selector{Random: random, Seed: seed}
	for _, arg := range args {
		if identifier.IsRange(arg) {
			if sel.Range != "" {
				return sel, fmt.Errorf("only one range may be given")
			}
			sel.Range = arg
			continue
		}
		sel.Identifiers = append(sel.Identifiers, arg)
	}
	return sel, nil
}

func pinFlags(cmd *cobra.Command, pin *query.Pin) {
	cmd.Flags().Int64Var(&pin.Version, "version", 0, "read at this archive version")
	cmd.Flags().StringVar(&pin.Commit, "commit", "", "read at the latest version written from this dataset commit")
}

func getCmd() *cobra.Command {
	var (
		pin     query.Pin
		content bool
		full    bool
	)

	cmd := &cobra.Command{
		Use:   "get <identifier>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !content {
				res, err := a.layer.Lookup(ctx, args[0], pin)
				if err != nil {
					return explain(err)
				}
				if !full {
					res = res.WithoutContent()
				}
				return printJSON(res)
			}

			res, err := a.layer.Content(ctx, args[0], pin)
			if err != nil {
				return explain(err)
			}
			switch {
			case res.Markdown != nil:
				fmt.Print(*res.Markdown)
			case res.RawContent != nil:
				fmt.Println(*res.RawContent)
			case res.RawSource != nil:
				fmt.Println(*res.RawSource)
			default:
				return fmt.Errorf("%s has no content at version %d", res.Link, res.Version)
			}
			return nil
		},
	}

	pinFlags(cmd, &pin)
	cmd.Flags().BoolVar(&content, "content", false, "print the item's content instead of its record")
	cmd.Flags().BoolVar(&full, "full", false, "include raw content, markdown and history in the record")
	return cmd
}

func relatedCmd() *cobra.Command {
	var (
		pin   query.Pin
		hubs  bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "related <identifier>",
		Short: "Show items linked to an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.layer.Related(ctx, query.RelatedRequest{
				Identifier:  args[0],
				IncludeHubs: hubs,
				Limit:       limit,
				Pin:         pin,
			})
			if err != nil {
				return explain(err)
			}

			fmt.Printf("%s at version %d (commit %s)\n", res.Link, res.Version, res.DatasetCommit)
			for _, group := range []struct {
				name string
				hits []*query.Hit
			}{
				{"References", res.References},
				{"Referenced by", res.ReferencedBy},
				{"Shares a hub with", res.HubNeighbours},
			} {
				if len(group.hits) == 0 {
					continue
				}
				fmt.Printf("\n%s:\n", group.name)
				for _, hit := range group.hits {
					fmt.Printf("  %-14s %5d  %s\n", hit.Label, hit.Rating, hit.Title)
				}
			}
			return nil
		},
	}

	pinFlags(cmd, &pin)
	cmd.Flags().BoolVar(&hubs, "hubs", true, "include items sharing a hub page")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum hub neighbours (default from config)")
	return cmd
}

func randomCmd() *cobra.Command {
	var (
		pf   pageFlags
		seed uint64
	)

	cmd := &cobra.Command{
		Use:   "random",
		Short: "Show a random item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.layer.Random(ctx, query.RandomRequest{Filter: pf.filter(cmd), Seed: seed, Pin: pf.pin})
			if err != nil {
				return explain(err)
			}
			return printJSON(res)
		},
	}

	cmd.Flags().StringVar(&pf.series, "series", "", "only items of this series")
	cmd.Flags().StringSliceVar(&pf.tags, "tag", nil, "only items carrying every given tag")
	cmd.Flags().IntVar(&pf.minRating, "min-rating", 0, "only items rated at least this")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for a repeatable pick")
	pinFlags(cmd, &pf.pin)
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		format  string
		output  string
		random  int
		seed    uint64
		version int64
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "export [item|range]...",
		Short: "Write items to per-item JSON or Markdown files",
		Long: `Write archived items to one file each, under a directory per
identifier character: SCP-173 becomes 1/7/3/scp-173.json.

Arguments select items the same way sync does. Without arguments every item
of the version is exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			sel, err := selector(args, random, seed)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(a.cfg.ExportPath, string(f))
			}

			ex := export.NewExporter(a.db, convert.HTML{}, a.cfg.ConvertTimeout)
			res, err := ex.Export(ctx, export.Options{
				Dir:      output,
				Format:   f,
				Version:  version,
				Selector: sel,
				DryRun:   dryRun,
			})
			if err != nil {
				return err
			}

			if dryRun {
				for _, path := range res.Files {
					fmt.Printf("Would write: %s\n", path)
				}
			}
			fmt.Printf("\nExported %d items from version %d (commit %s) to %s, %d failed\n",
				res.Exported, res.Version, res.DatasetCommit, output, res.Failed)
			return res.Errors()
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "json or markdown")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default <export_path>/<format>)")
	cmd.Flags().IntVar(&random, "random", 0, "export a random sample of N items")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for --random")
	cmd.Flags().Int64Var(&version, "version", 0, "export this archive version (default latest)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show destinations without writing")
	return cmd
}

type pageFlags struct {
	series    string
	tags      []string
	minRating int
	limit     int
	cursor    string
	pin       query.Pin
}

func (p *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.series, "series", "", "only items of this series")
	cmd.Flags().StringSliceVar(&p.tags, "tag", nil, "only items carrying every given tag")
	cmd.Flags().IntVar(&p.minRating, "min-rating", 0, "only items rated at least this")
	cmd.Flags().IntVar(&p.limit, "limit", 0, "page size (default from config)")
	cmd.Flags().StringVar(&p.cursor, "cursor", "", "continue from a previous page")
	pinFlags(cmd, &p.pin)
}

func (p *pageFlags) filter(cmd *cobra.Command) storage.Filter {
	f := storage.Filter{Series: p.series, Tags: p.tags}
	if cmd.Flags().Changed("min-rating") {
		rating := p.minRating
		f.MinRating = &rating
	}
	return f
}

func printPage(page *query.Page) {
	fmt.Printf("Version %d (commit %s), %d matching\n\n", page.Version, page.DatasetCommit, page.Total)
	for _, hit := range page.Items {
		fmt.Printf("%-14s %5d  %s", hit.Label, hit.Rating, hit.Title)
		if hit.Score > 0 {
			fmt.Printf("  (score %.2f)", hit.Score)
		}
		fmt.Println()
	}
	if page.NextCursor != "" {
		fmt.Printf("\nNext page: --cursor %s\n", page.NextCursor)
	}
}

func searchCmd() *cobra.Command {
	var (
		pf     pageFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search items, highest rated first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.layer.Search(ctx, query.SearchRequest{
				Query:  strings.Join(args, " "),
				Filter: pf.filter(cmd),
				Limit:  pf.limit,
				Cursor: pf.cursor,
				Pin:    pf.pin,
			})
			if err != nil {
				return explain(err)
			}
			if asJSON {
				return printJSON(page)
			}
			printPage(page)
			return nil
		},
	}

	pf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw page")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		pf     pageFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items in identifier order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.layer.List(ctx, query.ListRequest{
				Filter: pf.filter(cmd),
				Limit:  pf.limit,
				Cursor: pf.cursor,
				Pin:    pf.pin,
			})
			if err != nil {
				return explain(err)
			}
			if asJSON {
				return printJSON(page)
			}
			printPage(page)
			return nil
		},
	}

	pf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw page")
	return cmd
}

func versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List retained archive versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			versions, err := a.layer.Versions(ctx)
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Printf("%6d  %-12s %6d changed  %s\n",
					v.Number, v.DatasetCommit, v.Changed, v.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func pruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop all but the newest versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			policy := a.manager.Policy()
			if keep > 0 {
				policy.Keep = keep
			}
			res, err := a.manager.Prune(ctx, policy)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d versions and %d rows; oldest retained version is %d\n",
				len(res.Removed), res.Rows, res.Oldest)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "versions to keep (default from config)")
	return cmd
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the suggestion index from the latest version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			n, err := a.index.IndexFromStorage(ctx, a.db)
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d items in %v\n", n, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show archive statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.db.Stats(ctx)
			if err != nil {
				return err
			}
			indexed, err := a.index.Count()
			if err != nil {
				return err
			}

			fmt.Println("=== Archive Statistics ===")
			fmt.Printf("Items:          %d\n", stats.Items)
			fmt.Printf("Stored rows:    %d\n", stats.Rows)
			fmt.Printf("Versions:       %d\n", stats.Versions)
			fmt.Printf("Indexed:        %d\n", indexed)
			if stats.Latest != nil {
				fmt.Printf("Latest:         %d (commit %s, %s)\n", stats.Latest.Number,
					stats.Latest.DatasetCommit, stats.Latest.CreatedAt.Format(time.RFC3339))
			}
			fmt.Printf("Database:       %s\n", a.cfg.DBPath)
			fmt.Printf("Index:          %s\n", a.cfg.IndexPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		host  string
		port  int
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("host") {
				a.cfg.HTTPHost = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.HTTPPort = port
			}

			if a.cfg.RetentionEnabled {
				sched, err := retention.NewScheduler(a.cfg.CleanupSchedule, a.manager)
				if err != nil {
					return err
				}
				if sched != nil {
					sched.Start()
					defer sched.Stop()
				}
			}

			if watch {
				w, err := sync.NewWatcher(a.cfg.RawDataPath, 5*time.Second, func(ctx context.Context, dir string) {
					src, err := scpdata.OpenDir(dir)
					if err != nil {
						logrus.Errorf("Open snapshot %s: %v", dir, err)
						return
					}
					out, err := a.ingestFrom(ctx, src, sync.Options{})
					if err != nil {
						logrus.Errorf("Watched ingest of %s failed: %v", dir, err)
						return
					}
					logrus.Infof("Watched ingest of %s: %d updated, %d failed", dir, out.Updated, out.Failed)
				})
				if err != nil {
					return err
				}
				if err := w.Start(ctx); err != nil {
					return err
				}
				defer w.Stop()
			}

			ingest := func(ctx context.Context, opts sync.Options) (*sync.Outcome, error) {
				return a.ingest(ctx, "", opts)
			}
			srv := &http.Server{
				Addr:              net.JoinHostPort(a.cfg.HTTPHost, strconv.Itoa(a.cfg.HTTPPort)),
				Handler:           web.NewServer(a.layer, a.db, ingest, a.manager, a.cfg.HTTPCORSOrigins).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logrus.Infof("Serving on http://%s", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logrus.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "host to bind to")
	cmd.Flags().IntVar(&port, "port", 8000, "port to listen on")
	cmd.Flags().BoolVar(&watch, "watch", false, "ingest new snapshots as they appear under the raw data path")
	return cmd
}

// explain adds retry hints to query errors for terminal users
func explain(err error) error {
	var (
		nf    *query.NotFoundError
		stale *query.StaleError
	)
	switch {
	case errors.As(err, &nf) && len(nf.Suggestions) > 0:
		return fmt.Errorf("%w (did you mean %s?)", err, strings.Join(nf.Suggestions, ", "))
	case errors.As(err, &stale) && stale.LatestVersion != 0:
		return fmt.Errorf("%w; retry with --version %d", err, stale.LatestVersion)
	}
	return err
}
