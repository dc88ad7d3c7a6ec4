package storage

import "time"

// Item is one archived wiki item as stored at a given version
type Item struct {
	Link          string         `json:"link"`
	Label         string         `json:"scp"`
	Number        int            `json:"scp_number"`
	Title         string         `json:"title"`
	Series        string         `json:"series"`
	Tags          []string       `json:"tags"`
	Rating        int            `json:"rating"`
	CreatedAt     *time.Time     `json:"created_at,omitempty"`
	Creator       *string        `json:"creator,omitempty"`
	URL           string         `json:"url"`
	Domain        string         `json:"domain"`
	PageID        *string        `json:"page_id,omitempty"`
	RawSource     *string        `json:"raw_source,omitempty"`
	RawContent    *string        `json:"raw_content,omitempty"`
	Markdown      *string        `json:"markdown,omitempty"`
	Images        []string       `json:"images"`
	Hubs          []string       `json:"hubs"`
	References    []string       `json:"references"`
	History       []HistoryEntry `json:"history"`
	ContentFile   *string        `json:"content_file,omitempty"`
	ContentSHA1   *string        `json:"content_sha1,omitempty"`
	DatasetCommit string         `json:"dataset_commit"`
	Version       int64          `json:"version"` // store version that wrote this row
}

// Summary is the part of an item that listings and rankings read
type Summary struct {
	Link            string
	Version         int64 // store version that wrote this row
	Label           string
	Number          int
	Title           string
	Series          string
	Tags            []string
	Rating          int
	CreatedAt       *time.Time
	Creator         *string
	ContentComplete bool
	Hubs            []string
	References      []string
}

// HistoryEntry is one edit in the page history
type HistoryEntry struct {
	Author  string     `json:"author,omitempty"`
	Date    *time.Time `json:"date,omitempty"`
	Comment string     `json:"comment,omitempty"`
}

// ContentComplete reports whether the item carries page content
func (it *Item) ContentComplete() bool {
	return present(it.RawContent) || present(it.RawSource)
}

// PrimaryContent returns raw_content, falling back to raw_source
func (it *Item) PrimaryContent() *string {
	if present(it.RawContent) {
		return it.RawContent
	}
	if present(it.RawSource) {
		return it.RawSource
	}
	return nil
}

func present(s *string) bool {
	return s != nil && *s != ""
}

// Version is an immutable point-in-time view of the archive
type Version struct {
	Number        int64     `json:"version"`
	DatasetCommit string    `json:"dataset_commit"`
	Changed       int       `json:"changed"`
	CreatedAt     time.Time `json:"created_at"`
}

// Filter narrows listings and scans
type Filter struct {
	Series    string
	Tags      []string // all must be present
	MinRating *int
}

// Key is a position in (scp_number, link) order
type Key struct {
	Number int
	Link   string
}

// Stats summarizes the store
type Stats struct {
	Items    int      `json:"items"`
	Rows     int      `json:"rows"`
	Versions int      `json:"versions"`
	Latest   *Version `json:"latest,omitempty"`
}

// PruneResult lists what a prune removed
type PruneResult struct {
	Removed []int64 `json:"removed_versions"`
	Rows    int64   `json:"removed_rows"`
	Oldest  int64   `json:"oldest_retained"`
}
