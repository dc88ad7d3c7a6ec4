package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// visibleAt matches rows visible at a version; bind the version twice
const visibleAt = `version_from <= ? AND (version_to IS NULL OR version_to > ?)`

// Snapshot is a read transaction pinned to one version. The WAL snapshot
// is taken at the first read, so later commits stay invisible until Close.
type Snapshot struct {
	tx      *sql.Tx
	version Version
}

// Snapshot opens a read view at version number, or at the latest version when
// number <= 0. A pruned or unknown version fails with ErrVersionNotFound; an
// empty archive fails with ErrVersionNotFound as well.
func (d *DB) Snapshot(ctx context.Context, number int64) (*Snapshot, error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}

	var ver *Version
	if number > 0 {
		ver, err = lookupVersion(ctx, tx, number)
	} else {
		ver, err = scanVersion(tx.QueryRowContext(ctx,
			"SELECT version, dataset_commit, changed, created_at FROM versions ORDER BY version DESC LIMIT 1"))
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: archive is empty", ErrVersionNotFound)
		}
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	return &Snapshot{tx: tx, version: *ver}, nil
}

// Version returns the version this snapshot reads
func (s *Snapshot) Version() Version {
	return s.version
}

// Close releases the read transaction
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Get returns the item visible at the snapshot, or nil if there is none
func (s *Snapshot) Get(ctx context.Context, link string) (*Item, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE link = ? AND "+visibleAt,
		link, s.version.Number, s.version.Number)

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", link, err)
	}
	return it, nil
}

// Exists reports which of links are visible at the snapshot
func (s *Snapshot) Exists(ctx context.Context, links []string) (map[string]bool, error) {
	out := make(map[string]bool, len(links))
	if len(links) == 0 {
		return out, nil
	}

	args := []any{s.version.Number, s.version.Number}
	for _, l := range links {
		args = append(args, l)
	}

	rows, err := s.tx.QueryContext(ctx,
		"SELECT link FROM items WHERE "+visibleAt+" AND link IN ("+
			strings.TrimSuffix(strings.Repeat("?,", len(links)), ",")+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("exists: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, err
		}
		out[link] = true
	}
	return out, rows.Err()
}

// Scan returns every visible item matching f in (scp_number, link) order
func (s *Snapshot) Scan(ctx context.Context, f Filter) ([]*Item, error) {
	return s.List(ctx, f, nil, 0)
}

// List returns up to limit visible items matching f that sort after the
// given key, in (scp_number, link) order. limit <= 0 means no limit.
func (s *Snapshot) List(ctx context.Context, f Filter, after *Key, limit int) ([]*Item, error) {
	where, args := s.where(f)
	if after != nil {
		where += " AND (scp_number > ? OR (scp_number = ? AND link > ?))"
		args = append(args, after.Number, after.Number, after.Link)
	}

	query := "SELECT " + itemColumns + " FROM items WHERE " + where + " ORDER BY scp_number ASC, link ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

const summaryColumns = `
	link, version_from, scp_label, scp_number, series, title, tags, rating, created_at, creator,
	(COALESCE(raw_content, '') <> '' OR COALESCE(raw_source, '') <> ''),
	hubs, refs`

// Summaries is List without the content columns
func (s *Snapshot) Summaries(ctx context.Context, f Filter, after *Key, limit int) ([]*Summary, error) {
	where, args := s.where(f)
	if after != nil {
		where += " AND (scp_number > ? OR (scp_number = ? AND link > ?))"
		args = append(args, after.Number, after.Number, after.Link)
	}

	query := "SELECT " + summaryColumns + " FROM items WHERE " + where + " ORDER BY scp_number ASC, link ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		sum := &Summary{}
		var (
			tags, hubs, refs string
			createdAt        sql.NullTime
		)
		if err := rows.Scan(&sum.Link, &sum.Version, &sum.Label, &sum.Number, &sum.Series, &sum.Title,
			&tags, &sum.Rating, &createdAt, &sum.Creator, &sum.ContentComplete, &hubs, &refs); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			t := createdAt.Time.UTC()
			sum.CreatedAt = &t
		}
		for _, f := range []struct {
			raw string
			dst *[]string
		}{{tags, &sum.Tags}, {hubs, &sum.Hubs}, {refs, &sum.References}} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("decode %s: %w", sum.Link, err)
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Texts returns the searchable text of each visible link: markdown, else
// raw_content, else raw_source. Links without any text map to "".
func (s *Snapshot) Texts(ctx context.Context, links []string) (map[string]string, error) {
	out := make(map[string]string, len(links))

	for start := 0; start < len(links); start += fingerprintChunk {
		chunk := links[start:min(start+fingerprintChunk, len(links))]

		args := []any{s.version.Number, s.version.Number}
		for _, l := range chunk {
			args = append(args, l)
		}

		rows, err := s.tx.QueryContext(ctx,
			`SELECT link, COALESCE(NULLIF(markdown, ''), NULLIF(raw_content, ''), raw_source, '')
			FROM items WHERE `+visibleAt+` AND link IN (`+
				strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")+")",
			args...)
		if err != nil {
			return nil, fmt.Errorf("texts: %w", err)
		}

		for rows.Next() {
			var link, text string
			if err := rows.Scan(&link, &text); err != nil {
				rows.Close()
				return nil, err
			}
			out[link] = text
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Count returns the number of visible items matching f
func (s *Snapshot) Count(ctx context.Context, f Filter) (int, error) {
	where, args := s.where(f)

	var n int
	if err := s.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func (s *Snapshot) where(f Filter) (string, []any) {
	clauses := []string{visibleAt}
	args := []any{s.version.Number, s.version.Number}

	if f.Series != "" {
		clauses = append(clauses, "series = ?")
		args = append(args, f.Series)
	}
	if f.MinRating != nil {
		clauses = append(clauses, "rating >= ?")
		args = append(args, *f.MinRating)
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(items.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}

	return strings.Join(clauses, " AND "), args
}
