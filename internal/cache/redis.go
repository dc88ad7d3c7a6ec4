package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/renderinc/scp-archive/internal/storage"
)

var _ ItemCache = (*RedisItemCache)(nil)

// RedisItemCache shares lookups between server processes
type RedisItemCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisItemCache(addr string, ttl time.Duration) *RedisItemCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // No password set
		DB:       0,  // Use default DB
		Protocol: 2,  // Connection protocol
	})

	return &RedisItemCache{client: client, ttl: ttl}
}

// Ping checks that the server is reachable
func (r *RedisItemCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisItemCache) GetItem(ctx context.Context, version int64, link string) (*storage.Item, error) {
	data, err := r.client.Get(ctx, itemKey(version, link)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	item := &storage.Item{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, fmt.Errorf("decode cached item: %w", err)
	}
	return item, nil
}

func (r *RedisItemCache) SetItem(ctx context.Context, version int64, item *storage.Item) error {
	value, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, itemKey(version, item.Link), value, r.ttl).Err()
}

func (r *RedisItemCache) Close() error {
	return r.client.Close()
}
