package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/scp-archive/internal/storage"
)

func TestItemKey(t *testing.T) {
	assert.Equal(t, "scp:item:7:scp-173", itemKey(7, "scp-173"))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	got, err := m.GetItem(ctx, 1, "scp-173")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, m.SetItem(ctx, 1, &storage.Item{Link: "scp-173", Title: "v1"}))
	require.NoError(t, m.SetItem(ctx, 2, &storage.Item{Link: "scp-173", Title: "v2"}))

	got, err = m.GetItem(ctx, 1, "scp-173")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Title)

	got, err = m.GetItem(ctx, 2, "scp-173")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)

	require.NoError(t, m.SetItem(ctx, 3, &storage.Item{Link: "scp-002"}))
	assert.Equal(t, 2, m.Len())
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, m.SetItem(ctx, v, &storage.Item{Link: "scp-173"}))
	}

	// touch version 1 so version 2 is the oldest
	got, err := m.GetItem(ctx, 1, "scp-173")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, m.SetItem(ctx, 4, &storage.Item{Link: "scp-173"}))
	assert.Equal(t, 3, m.Len(), "a full cache drops one entry, not all of them")

	for v, cached := range map[int64]bool{1: true, 2: false, 3: true, 4: true} {
		got, err := m.GetItem(ctx, v, "scp-173")
		require.NoError(t, err)
		assert.Equal(t, cached, got != nil, "version %d", v)
	}
}

func TestRedisItemCache_Unreachable(t *testing.T) {
	r := NewRedisItemCache("127.0.0.1:1", time.Minute)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, r.Ping(ctx))
	_, err := r.GetItem(ctx, 1, "scp-173")
	assert.Error(t, err)
}
