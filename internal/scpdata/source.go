package scpdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrContentFileNotFound means the index references a content file the
// snapshot does not carry
var ErrContentFileNotFound = errors.New("content file not found")

const (
	itemsDir      = "items"
	indexFile     = "index.json"
	snapshotGlob  = "scp-*"
	snapshotParts = 3
)

// Source provides the two upstream collections of one snapshot
type Source interface {
	Manifest(ctx context.Context) (*Manifest, error)
	ContentFile(ctx context.Context, name string) (map[string]*Entry, error)
}

// DirSource reads a snapshot checked out on the local filesystem:
// <root>/scp-<timestamp>-<commit>/items/index.json plus content files.
type DirSource struct {
	dir    string
	commit string
}

// OpenDir opens a snapshot directory, or the newest snapshot below a raw data root
func OpenDir(path string) (*DirSource, error) {
	if HasIndex(path) {
		return &DirSource{dir: path, commit: CommitFromDir(path)}, nil
	}

	latest, err := LatestSnapshot(path)
	if err != nil {
		return nil, err
	}
	return &DirSource{dir: latest, commit: CommitFromDir(latest)}, nil
}

// LatestSnapshot returns the newest scp-* directory under root. Snapshot
// names start with a sortable timestamp, so the last name wins.
func LatestSnapshot(root string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, snapshotGlob))
	if err != nil {
		return "", fmt.Errorf("glob snapshots: %w", err)
	}
	sort.Strings(matches)

	for i := len(matches) - 1; i >= 0; i-- {
		if HasIndex(matches[i]) {
			return matches[i], nil
		}
	}
	return "", fmt.Errorf("no snapshot with %s under %s", filepath.Join(itemsDir, indexFile), root)
}

// CommitFromDir extracts the commit id from a scp-<timestamp>-<commit> directory name
func CommitFromDir(path string) string {
	parts := strings.Split(filepath.Base(filepath.Clean(path)), "-")
	if len(parts) < snapshotParts {
		return ""
	}
	return parts[len(parts)-1]
}

// HasIndex reports whether dir holds a complete snapshot index
func HasIndex(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, itemsDir, indexFile))
	return err == nil && !info.IsDir()
}

// Dir returns the snapshot directory being read
func (s *DirSource) Dir() string {
	return s.dir
}

func (s *DirSource) Manifest(ctx context.Context) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, itemsDir, indexFile))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	return ParseManifest(data, s.commit)
}

func (s *DirSource) ContentFile(ctx context.Context, name string) (map[string]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("content file %q escapes snapshot", name)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, itemsDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrContentFileNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read content file %s: %w", name, err)
	}

	return ParseContentFile(data)
}

// ParseManifest decodes an index document into records ordered by key
func ParseManifest(data []byte, commit string) (*Manifest, error) {
	var index map[string]*Entry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("unmarshal index: %w", err)
	}

	m := &Manifest{Commit: commit, Records: make([]Record, 0, len(index))}
	for key, entry := range index {
		if entry == nil {
			entry = &Entry{}
		}
		m.Records = append(m.Records, Record{Key: key, Entry: entry})
	}
	sort.Slice(m.Records, func(i, j int) bool {
		return m.Records[i].Key < m.Records[j].Key
	})

	return m, nil
}

// ParseContentFile decodes a content file keyed the same way as the index
func ParseContentFile(data []byte) (map[string]*Entry, error) {
	var content map[string]*Entry
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("unmarshal content file: %w", err)
	}
	return content, nil
}
