package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrVersionNotFound is returned for a version that was never written or was pruned
var ErrVersionNotFound = errors.New("version not found")

// fingerprintChunk bounds the IN (...) list of a single query
const fingerprintChunk = 500

// DB wraps the row-versioned SQLite archive. Every committed batch gets a
// row in versions; item rows carry the half-open range of versions
// [version_from, version_to) in which they are visible.
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets readers keep their snapshot while a commit is applied
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	storage := &DB{db: db}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return storage, nil
}

// NewWithDB wraps an already opened handle without touching the schema
func NewWithDB(db *sql.DB) *DB {
	return &DB{db: db}
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// initSchema creates tables if they don't exist
func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS versions (
		version INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_commit TEXT NOT NULL,
		changed INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		link TEXT NOT NULL,
		version_from INTEGER NOT NULL,
		version_to INTEGER,
		scp_label TEXT NOT NULL,
		scp_number INTEGER NOT NULL,
		series TEXT NOT NULL,
		title TEXT NOT NULL,
		tags TEXT NOT NULL,
		rating INTEGER NOT NULL,
		created_at TIMESTAMP,
		creator TEXT,
		url TEXT NOT NULL,
		domain TEXT NOT NULL,
		page_id TEXT,
		raw_source TEXT,
		raw_content TEXT,
		markdown TEXT,
		images TEXT NOT NULL,
		hubs TEXT NOT NULL,
		refs TEXT NOT NULL,
		history TEXT NOT NULL,
		content_file TEXT,
		content_sha1 TEXT,
		dataset_commit TEXT NOT NULL,
		PRIMARY KEY (link, version_from)
	);

	CREATE INDEX IF NOT EXISTS idx_items_current ON items(version_to, link);
	CREATE INDEX IF NOT EXISTS idx_items_number ON items(scp_number, link);
	CREATE INDEX IF NOT EXISTS idx_items_series ON items(series);
	CREATE INDEX IF NOT EXISTS idx_versions_commit ON versions(dataset_commit);
	`

	_, err := d.db.Exec(schema)
	return err
}

const itemColumns = `
	link, version_from, scp_label, scp_number, series, title, tags, rating,
	created_at, creator, url, domain, page_id, raw_source, raw_content, markdown,
	images, hubs, refs, history, content_file, content_sha1, dataset_commit`

// Commit writes items as one new version stamped with commit. Rows currently
// visible for the same links are retired at that version. An empty batch
// writes nothing and allocates no version.
func (d *DB) Commit(ctx context.Context, commit string, items []*Item) (*Version, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ver := &Version{DatasetCommit: commit, Changed: len(items), CreatedAt: time.Now().UTC()}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO versions (dataset_commit, changed, created_at) VALUES (?, ?, ?)",
		ver.DatasetCommit, ver.Changed, ver.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	if ver.Number, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("version id: %w", err)
	}

	retire, err := tx.PrepareContext(ctx, "UPDATE items SET version_to = ? WHERE link = ? AND version_to IS NULL")
	if err != nil {
		return nil, fmt.Errorf("prepare retire: %w", err)
	}
	defer retire.Close()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for _, it := range items {
		if _, err := retire.ExecContext(ctx, ver.Number, it.Link); err != nil {
			return nil, fmt.Errorf("retire %s: %w", it.Link, err)
		}

		args, err := itemArgs(it, ver)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", it.Link, err)
		}
		if _, err := insert.ExecContext(ctx, args...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", it.Link, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	for _, it := range items {
		it.DatasetCommit = commit
		it.Version = ver.Number
	}
	return ver, nil
}

func itemArgs(it *Item, ver *Version) ([]any, error) {
	lists := make([]string, 0, 5)
	for _, v := range []any{nonNil(it.Tags), nonNil(it.Images), nonNil(it.Hubs), nonNil(it.References), historyOrEmpty(it.History)} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		lists = append(lists, string(b))
	}

	var createdAt any
	if it.CreatedAt != nil {
		createdAt = it.CreatedAt.UTC()
	}

	return []any{
		it.Link, ver.Number, it.Label, it.Number, it.Series, it.Title, lists[0], it.Rating,
		createdAt, it.Creator, it.URL, it.Domain, it.PageID, it.RawSource, it.RawContent, it.Markdown,
		lists[1], lists[2], lists[3], lists[4], it.ContentFile, it.ContentSHA1, ver.DatasetCommit,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func historyOrEmpty(h []HistoryEntry) []HistoryEntry {
	if h == nil {
		return []HistoryEntry{}
	}
	return h
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	it := &Item{}
	var (
		tags, images, hubs, refs, history string
		createdAt                         sql.NullTime
	)

	err := s.Scan(
		&it.Link, &it.Version, &it.Label, &it.Number, &it.Series, &it.Title, &tags, &it.Rating,
		&createdAt, &it.Creator, &it.URL, &it.Domain, &it.PageID, &it.RawSource, &it.RawContent, &it.Markdown,
		&images, &hubs, &refs, &history, &it.ContentFile, &it.ContentSHA1, &it.DatasetCommit,
	)
	if err != nil {
		return nil, err
	}

	if createdAt.Valid {
		t := createdAt.Time.UTC()
		it.CreatedAt = &t
	}

	for _, f := range []struct {
		raw string
		dst any
	}{
		{tags, &it.Tags},
		{images, &it.Images},
		{hubs, &it.Hubs},
		{refs, &it.References},
		{history, &it.History},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Link, err)
		}
	}

	return it, nil
}

// Latest returns the newest version, or nil when nothing was ever committed
func (d *DB) Latest(ctx context.Context) (*Version, error) {
	v, err := scanVersion(d.db.QueryRowContext(ctx,
		"SELECT version, dataset_commit, changed, created_at FROM versions ORDER BY version DESC LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

// Version returns a retained version
func (d *DB) Version(ctx context.Context, number int64) (*Version, error) {
	return lookupVersion(ctx, d.db, number)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupVersion(ctx context.Context, q queryRower, number int64) (*Version, error) {
	v, err := scanVersion(q.QueryRowContext(ctx,
		"SELECT version, dataset_commit, changed, created_at FROM versions WHERE version = ?", number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %d: %w", number, err)
	}
	return v, nil
}

// FindCommit returns the newest retained version written from a dataset commit
func (d *DB) FindCommit(ctx context.Context, commit string) (*Version, error) {
	v, err := scanVersion(d.db.QueryRowContext(ctx,
		"SELECT version, dataset_commit, changed, created_at FROM versions WHERE dataset_commit = ? ORDER BY version DESC LIMIT 1",
		commit))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: commit %s", ErrVersionNotFound, commit)
	}
	if err != nil {
		return nil, fmt.Errorf("find commit %s: %w", commit, err)
	}
	return v, nil
}

// Versions lists retained versions, newest first
func (d *DB) Versions(ctx context.Context) ([]*Version, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT version, dataset_commit, changed, created_at FROM versions ORDER BY version DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanVersion(s scanner) (*Version, error) {
	v := &Version{}
	if err := s.Scan(&v.Number, &v.DatasetCommit, &v.Changed, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

// Fingerprints returns the content fingerprint of the current row of each
// link that exists. Links without a row are absent from the map; rows
// without content map to nil.
func (d *DB) Fingerprints(ctx context.Context, links []string) (map[string]*string, error) {
	out := make(map[string]*string, len(links))

	for start := 0; start < len(links); start += fingerprintChunk {
		chunk := links[start:min(start+fingerprintChunk, len(links))]

		args := make([]any, len(chunk))
		for i, l := range chunk {
			args[i] = l
		}
		query := "SELECT link, content_sha1 FROM items WHERE version_to IS NULL AND link IN (" +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + ")"

		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query fingerprints: %w", err)
		}
		for rows.Next() {
			var (
				link string
				sha  *string
			)
			if err := rows.Scan(&link, &sha); err != nil {
				rows.Close()
				return nil, err
			}
			out[link] = sha
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return out, nil
}

// Prune deletes all but the newest keep versions and every item row that
// none of the retained versions can see. The latest version always survives.
func (d *DB) Prune(ctx context.Context, keep int) (*PruneResult, error) {
	if keep < 1 {
		return nil, fmt.Errorf("prune: keep must be at least 1, got %d", keep)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result := &PruneResult{}

	rows, err := tx.QueryContext(ctx, "SELECT version FROM versions ORDER BY version DESC LIMIT -1 OFFSET ?", keep)
	if err != nil {
		return nil, fmt.Errorf("select expired versions: %w", err)
	}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		result.Removed = append(result.Removed, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var oldest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT MIN(version) FROM (SELECT version FROM versions ORDER BY version DESC LIMIT ?)", keep,
	).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("oldest retained: %w", err)
	}
	result.Oldest = oldest.Int64

	if len(result.Removed) == 0 {
		return result, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM versions WHERE version < ?", result.Oldest); err != nil {
		return nil, fmt.Errorf("delete versions: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM items WHERE version_to IS NOT NULL AND version_to <= ?", result.Oldest)
	if err != nil {
		return nil, fmt.Errorf("delete rows: %w", err)
	}
	if result.Rows, err = res.RowsAffected(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// Stats counts current items, stored rows and retained versions
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	err := d.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM items WHERE version_to IS NULL),
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM versions)`,
	).Scan(&s.Items, &s.Rows, &s.Versions)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	if s.Latest, err = d.Latest(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
