package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache 保存按样本查询的结果，值是编码后的 JSON。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// MemoryCache 是进程内的 TTL 缓存。
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	max   int
	now   func() time.Time
}

// NewMemoryCache 创建最多保存 max 个条目的缓存，max <= 0 时使用 1024。
func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 1024
	}
	return &MemoryCache{items: make(map[string]memoryItem), max: max, now: time.Now}
}

// Get 实现 Cache。
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !item.expires.IsZero() && !c.now().Before(item.expires) {
		delete(c.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

// Set 实现 Cache。容量已满时先清理过期条目，仍然不足则清空。
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.max {
		for k, item := range c.items {
			if !item.expires.IsZero() && !now.Before(item.expires) {
				delete(c.items, k)
			}
		}
		if len(c.items) >= c.max {
			c.items = make(map[string]memoryItem)
		}
	}
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = now.Add(ttl)
	}
	c.items[key] = item
	return nil
}

// Len 返回当前条目数。
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RedisConfig 描述 Redis 缓存的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisCache 把查询结果保存在 Redis 中，多个查询服务实例可以共享。
type RedisCache struct {
	client redisClient
	prefix string
}

// NewRedisCache 连接 Redis 并确认可用。
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisCache(client, cfg.Prefix), nil
}

func newRedisCache(client redisClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "seqc:query:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get 实现 Cache。
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取 Redis 缓存失败: %w", err)
	}
	return value, true, nil
}

// Set 实现 Cache。
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error { return c.client.Close() }
