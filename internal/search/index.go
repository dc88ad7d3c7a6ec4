package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/renderinc/scp-archive/internal/storage"
)

// Index is the Bleve index backing "did you mean" suggestions. It holds
// the latest version of every item and is rebuilt from storage on demand.
type Index struct {
	index bleve.Index
}

// IndexedItem represents an item in the suggestion index
type IndexedItem struct {
	Link   string
	Label  string
	Title  string
	Series string
	Number int
}

// Open opens or creates a Bleve index
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{index: idx}, nil
}

// OpenMem creates an index that lives only in memory
func OpenMem() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{index: idx}, nil
}

// buildIndexMapping indexes identifiers verbatim so prefix and fuzzy
// queries work on "scp-17" style input, and titles with the English analyzer
func buildIndexMapping() mapping.IndexMapping {
	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = "keyword"

	titleFieldMapping := bleve.NewTextFieldMapping()
	titleFieldMapping.Analyzer = "en"

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("Link", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Label", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Title", titleFieldMapping)
	docMapping.AddFieldMappingsAt("Series", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("Number", bleve.NewNumericFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)

	return indexMapping
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

// IndexItems adds or updates items in one batch
func (i *Index) IndexItems(items []*storage.Item) error {
	batch := i.index.NewBatch()
	for _, it := range items {
		doc := &IndexedItem{
			Link:   it.Link,
			Label:  strings.ToLower(it.Label),
			Title:  it.Title,
			Series: it.Series,
			Number: it.Number,
		}
		if err := batch.Index(doc.Link, doc); err != nil {
			return fmt.Errorf("batch index %s: %w", doc.Link, err)
		}
	}

	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Suggest returns up to limit item links resembling term, best match first
func (i *Index) Suggest(term string, limit int) ([]string, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || limit <= 0 {
		return nil, nil
	}

	prefix := bleve.NewPrefixQuery(term)
	prefix.SetField("Link")
	prefix.SetBoost(2)

	fuzzyLink := bleve.NewFuzzyQuery(term)
	fuzzyLink.SetField("Link")
	fuzzyLink.SetFuzziness(2)

	fuzzyLabel := bleve.NewFuzzyQuery(term)
	fuzzyLabel.SetField("Label")
	fuzzyLabel.SetFuzziness(2)

	title := bleve.NewMatchQuery(term)
	title.SetField("Title")
	title.SetFuzziness(1)

	q := bleve.NewDisjunctionQuery(prefix, fuzzyLink, fuzzyLabel, title)

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})

	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	links := make([]string, 0, len(results.Hits))
	for _, hit := range results.Hits {
		links = append(links, hit.ID)
	}
	return links, nil
}

// IndexFromStorage indexes every item visible at the latest version
func (i *Index) IndexFromStorage(ctx context.Context, db *storage.DB) (int, error) {
	snap, err := db.Snapshot(ctx, 0)
	if errors.Is(err, storage.ErrVersionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer snap.Close()

	items, err := snap.Scan(ctx, storage.Filter{})
	if err != nil {
		return 0, fmt.Errorf("scan items: %w", err)
	}

	if err := i.IndexItems(items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// Count returns the number of documents in the index
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
