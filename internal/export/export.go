// Package export writes archived items to per-item JSON or Markdown files.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/renderinc/scp-archive/internal/convert"
	"github.com/renderinc/scp-archive/internal/identifier"
	"github.com/renderinc/scp-archive/internal/storage"
	"github.com/renderinc/scp-archive/internal/sync"
)

const (
	license    = "CC BY-SA 3.0"
	licenseURL = "https://creativecommons.org/licenses/by-sa/3.0/"
)

type Format string

const (
	JSON     Format = "json"
	Markdown Format = "markdown"
)

var ErrUnknownFormat = errors.New("unknown export format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case JSON, Markdown:
		return f, nil
	case "md":
		return Markdown, nil
	}
	return "", fmt.Errorf("%w %q (want json or markdown)", ErrUnknownFormat, s)
}

func (f Format) ext() string {
	if f == Markdown {
		return ".md"
	}
	return ".json"
}

// Options select what to export and where
type Options struct {
	Dir      string
	Format   Format
	Version  int64 // 0 exports the latest version
	Selector sync.Selector
	DryRun   bool // report paths without writing
}

// Result summarizes an export
type Result struct {
	Version       int64    `json:"version"`
	DatasetCommit string   `json:"dataset_commit"`
	Exported      int      `json:"exported"`
	Failed        int      `json:"failed"`
	Files         []string `json:"files"`

	errs *multierror.Error
}

// Errors returns the per-item failures, or nil
func (r *Result) Errors() error {
	return r.errs.ErrorOrNil()
}

// Exporter reads one archive version and renders its items to files
type Exporter struct {
	db      *storage.DB
	conv    convert.Converter
	timeout time.Duration
}

// NewExporter creates an exporter. conv renders raw HTML for items stored
// without markdown; nil uses convert.HTML.
func NewExporter(db *storage.DB, conv convert.Converter, timeout time.Duration) *Exporter {
	if conv == nil {
		conv = convert.HTML{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Exporter{db: db, conv: conv, timeout: timeout}
}

func (e *Exporter) Export(ctx context.Context, opts Options) (*Result, error) {
	if opts.Format == "" {
		opts.Format = JSON
	}
	if _, err := ParseFormat(string(opts.Format)); err != nil {
		return nil, err
	}

	snap, err := e.db.Snapshot(ctx, opts.Version)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	sums, err := snap.Summaries(ctx, storage.Filter{}, nil, 0)
	if err != nil {
		return nil, err
	}
	picked, err := opts.Selector.Pick(len(sums), func(i int) (identifier.ID, bool) {
		id, err := identifier.Resolve(sums[i].Link)
		return id, err == nil
	})
	if err != nil {
		return nil, err
	}

	ver := snap.Version()
	res := &Result{Version: ver.Number, DatasetCommit: ver.DatasetCommit, Files: []string{}}

	for _, i := range picked {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		link := sums[i].Link
		path, err := e.exportItem(ctx, snap, link, opts)
		if err != nil {
			res.Failed++
			res.errs = multierror.Append(res.errs, fmt.Errorf("%s: %w", link, err))
			logrus.Warnf("Export %s: %v", link, err)
			continue
		}
		res.Exported++
		res.Files = append(res.Files, path)
	}

	logrus.WithFields(logrus.Fields{
		"version":  ver.Number,
		"exported": res.Exported,
		"failed":   res.Failed,
	}).Info("Export finished")
	return res, nil
}

func (e *Exporter) exportItem(ctx context.Context, snap *storage.Snapshot, link string, opts Options) (string, error) {
	item, err := snap.Get(ctx, link)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", fmt.Errorf("not visible at version %d", snap.Version().Number)
	}

	path := Path(opts.Dir, item.Link, opts.Format)
	if opts.DryRun {
		return path, nil
	}

	var data []byte
	if opts.Format == Markdown {
		data, err = e.markdown(ctx, item)
	} else {
		data, err = json.MarshalIndent(item, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Path returns where an item is written: one directory level per character
// of the identifier after "scp-", so scp-173 lands in 1/7/3/scp-173.json
func Path(dir, link string, f Format) string {
	part := strings.TrimPrefix(strings.ToLower(link), "scp-")

	parts := []string{dir}
	if part == "" {
		parts = append(parts, "unknown")
	} else {
		parts = append(parts, strings.Split(part, "")...)
	}
	return filepath.Join(append(parts, link+f.ext())...)
}

type frontMatter struct {
	SCPID         string   `yaml:"scp_id"`
	Title         string   `yaml:"title"`
	Link          string   `yaml:"link"`
	Number        int      `yaml:"scp_number"`
	Series        string   `yaml:"series,omitempty"`
	Rating        int      `yaml:"rating"`
	Author        string   `yaml:"author,omitempty"`
	CreatedAt     string   `yaml:"created_at,omitempty"`
	SourceURL     string   `yaml:"source_url,omitempty"`
	Domain        string   `yaml:"domain,omitempty"`
	Tags          []string `yaml:"tags,omitempty"`
	References    []string `yaml:"references,omitempty"`
	Images        []string `yaml:"images,omitempty"`
	DatasetCommit string   `yaml:"dataset_commit,omitempty"`
	ContentSHA1   string   `yaml:"content_sha1,omitempty"`
	Version       int64    `yaml:"archive_version"`
	License       string   `yaml:"license"`
	LicenseURL    string   `yaml:"license_url"`
}

func (e *Exporter) markdown(ctx context.Context, item *storage.Item) ([]byte, error) {
	fm := frontMatter{
		SCPID:         item.Label,
		Title:         item.Title,
		Link:          item.Link,
		Number:        item.Number,
		Series:        item.Series,
		Rating:        item.Rating,
		SourceURL:     item.URL,
		Domain:        item.Domain,
		Tags:          item.Tags,
		References:    item.References,
		Images:        item.Images,
		DatasetCommit: item.DatasetCommit,
		Version:       item.Version,
		License:       license,
		LicenseURL:    licenseURL,
	}
	if item.Creator != nil {
		fm.Author = *item.Creator
	}
	if item.CreatedAt != nil {
		fm.CreatedAt = item.CreatedAt.Format(time.RFC3339)
	}
	if item.ContentSHA1 != nil {
		fm.ContentSHA1 = *item.ContentSHA1
	}

	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	title := item.Title
	if title == "" {
		title = item.Label
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n\n## Content\n\n", title)

	note, body := e.body(ctx, item)
	if note != "" {
		fmt.Fprintf(&buf, "*Note: %s*\n\n", note)
	}
	buf.WriteString(body)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// body picks stored markdown, then converted raw HTML, then the raw HTML
// itself, then the wikidot source
func (e *Exporter) body(ctx context.Context, item *storage.Item) (note, body string) {
	if item.Markdown != nil && strings.TrimSpace(*item.Markdown) != "" {
		return "", *item.Markdown
	}

	if item.RawContent != nil && strings.TrimSpace(*item.RawContent) != "" {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		md, err := e.conv.Convert(cctx, *item.RawContent)
		cancel()
		if err == nil && strings.TrimSpace(md) != "" {
			return "Content converted from HTML to Markdown", md
		}
		return "Content displayed as raw HTML", "```html\n" + *item.RawContent + "\n```"
	}

	if item.RawSource != nil && strings.TrimSpace(*item.RawSource) != "" {
		return "Content displayed as raw source", "```\n" + *item.RawSource + "\n```"
	}
	return "", "*No content available*"
}
