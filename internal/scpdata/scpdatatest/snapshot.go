// Package scpdatatest writes upstream snapshot fixtures for tests.
package scpdatatest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Item is a loose upstream record; keys mirror the upstream JSON
type Item map[string]any

// Snapshot is an upstream snapshot under construction
type Snapshot struct {
	Index   map[string]Item
	Content map[string]map[string]Item
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Index:   map[string]Item{},
		Content: map[string]map[string]Item{},
	}
}

// Add registers an item in the index and, when raw is non-empty, in the
// content file named file
func (s *Snapshot) Add(number int, file, raw string) *Snapshot {
	key := fmt.Sprintf("SCP-%03d", number)
	link := fmt.Sprintf("scp-%03d", number)

	idx := Item{
		"link":   link,
		"scp":    key,
		"title":  key,
		"series": "series-1",
		"rating": 10,
		"tags":   []string{"scp", "euclid"},
		"url":    "https://scp-wiki.wikidot.com/" + link,
	}
	if file != "" {
		idx["content_file"] = file
		if s.Content[file] == nil {
			s.Content[file] = map[string]Item{}
		}
		s.Content[file][key] = Item{"link": link, "raw_content": raw, "raw_source": raw}
	}
	s.Index[key] = idx
	return s
}

// Set overrides one index field of an item added with Add
func (s *Snapshot) Set(number int, field string, value any) *Snapshot {
	s.Index[fmt.Sprintf("SCP-%03d", number)][field] = value
	return s
}

// Write lays the snapshot out as <root>/<name>/items/... and returns the snapshot dir
func (s *Snapshot) Write(t testing.TB, root, name string) string {
	t.Helper()

	dir := filepath.Join(root, name)
	items := filepath.Join(dir, "items")
	require.NoError(t, os.MkdirAll(items, 0o755))

	writeJSON(t, filepath.Join(items, "index.json"), s.Index)
	for file, entries := range s.Content {
		writeJSON(t, filepath.Join(items, file), entries)
	}
	return dir
}

func writeJSON(t testing.TB, path string, v any) {
	t.Helper()

	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
