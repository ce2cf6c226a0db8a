package callbacks

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long a processed callback key is remembered.
const DefaultDedupTTL = 24 * time.Hour

// Cache is the shared dedup fence for callbacks. Only this package reads or
// writes it.
type Cache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// Key identifies one delivery of a worker callback.
func Key(campaignID, leadID, timestamp string) string {
	return "callback:" + campaignID + ":" + leadID + ":" + timestamp
}

type RedisCache struct {
	rdb redis.UniversalClient
}

func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.SetEx(ctx, key, "1", ttl).Err()
}

// MemoryCache is a process-local Cache for tests.
type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time

	// Err, when set, is returned by every call to simulate an outage.
	Err error
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{keys: map[string]time.Time{}, now: time.Now}
}

func (c *MemoryCache) Seen(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, c.Err
	}
	exp, ok := c.keys[key]
	if !ok {
		return false, nil
	}
	if !c.now().Before(exp) {
		delete(c.keys, key)
		return false, nil
	}
	return true, nil
}

func (c *MemoryCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.keys[key] = c.now().Add(ttl)
	return nil
}

// Forget drops a key, as if it had been evicted.
func (c *MemoryCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
}
