package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/config"
	"github.com/edustream/classchat/logger"
)

// Cache stores older-history pages. Those pages never change because message
// ids only grow, so entries only need a TTL bound.
type Cache interface {
	Get(ctx context.Context, key string) ([]chat.Message, bool)
	Set(ctx context.Context, key string, msgs []chat.Message)
	Close() error
}

// NewCache builds the cache selected by cfg.Driver.
func NewCache(cfg config.CacheConfig, log logger.Logger) (Cache, error) {
	if log == nil {
		log = logger.NewNoopLogger()
	}

	switch cfg.Driver {
	case config.CacheNone:
		return NoopCache{}, nil
	case config.CacheMemory, "":
		return NewMemoryCache(cfg.TTL), nil
	case config.CacheRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("history: redis url: %w", err)
		}

		return NewRedisCache(redis.NewClient(opts), cfg.Prefix, cfg.TTL, log), nil
	default:
		return nil, fmt.Errorf("history: unsupported cache driver: %s", cfg.Driver)
	}
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) ([]chat.Message, bool) { return nil, false }

func (NoopCache) Set(context.Context, string, []chat.Message) {}

func (NoopCache) Close() error { return nil }

// MemoryCache keeps pages in process.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]chat.Message, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}

	msgs, ok := v.([]chat.Message)
	if !ok {
		return nil, false
	}

	return append([]chat.Message(nil), msgs...), true
}

func (m *MemoryCache) Set(_ context.Context, key string, msgs []chat.Message) {
	m.c.SetDefault(key, append([]chat.Message(nil), msgs...))
}

func (m *MemoryCache) Len() int {
	return m.c.ItemCount()
}

func (m *MemoryCache) Close() error {
	m.c.Flush()

	return nil
}

// RedisCache shares pages between client processes. Redis failures degrade
// to cache misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    logger.Logger
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, log logger.Logger) *RedisCache {
	if prefix == "" {
		prefix = "classchat:history:"
	}

	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &RedisCache{client: client, prefix: prefix, ttl: ttl, log: log.Named("history.cache")}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]chat.Message, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Debug("cache get failed", logger.String("key", key), logger.Error(err))
		}

		return nil, false
	}

	var msgs []chat.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		r.log.Debug("cache entry corrupt", logger.String("key", key), logger.Error(err))

		return nil, false
	}

	return msgs, true
}

func (r *RedisCache) Set(ctx context.Context, key string, msgs []chat.Message) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return
	}

	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		r.log.Debug("cache set failed", logger.String("key", key), logger.Error(err))
	}
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
