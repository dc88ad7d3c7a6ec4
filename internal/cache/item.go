package cache

import (
	"context"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/renderinc/scp-archive/internal/storage"
)

// ItemCache caches point lookups. Entries are keyed by (version, link);
// a stored version never changes, so entries never need invalidation.
type ItemCache interface {
	// GetItem returns the cached item, or nil on a miss.
	GetItem(ctx context.Context, version int64, link string) (*storage.Item, error)
	// SetItem stores an item read at version.
	SetItem(ctx context.Context, version int64, item *storage.Item) error
}

func itemKey(version int64, link string) string {
	return "scp:item:" + strconv.FormatInt(version, 10) + ":" + link
}

var _ ItemCache = (*Memory)(nil)

// Memory is a process-local ItemCache holding the max most recently used entries
type Memory struct {
	items *lru.Cache[string, *storage.Item]
}

func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 1024
	}
	// lru.New only fails for a non-positive size
	items, _ := lru.New[string, *storage.Item](max)
	return &Memory{items: items}
}

func (m *Memory) GetItem(_ context.Context, version int64, link string) (*storage.Item, error) {
	item, _ := m.items.Get(itemKey(version, link))
	return item, nil
}

func (m *Memory) SetItem(_ context.Context, version int64, item *storage.Item) error {
	m.items.Add(itemKey(version, item.Link), item)
	return nil
}

// Len returns the number of cached entries
func (m *Memory) Len() int {
	return m.items.Len()
}
