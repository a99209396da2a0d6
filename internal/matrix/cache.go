package matrix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pierre-Graber/optimizer-api/internal/metrics"
)

// Cache stores encoded matrices by key. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	val     []byte
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memoryItem{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !it.expires.IsZero() && c.now().After(it.expires) {
		delete(c.items, key)
		return nil, false, nil
	}
	return it.val, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := memoryItem{val: append([]byte(nil), val...)}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}
	c.items[key] = it
	return nil
}

// RedisCache keeps matrices in Redis so replicas share router answers.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects using a redis:// URL (REDIS_URL).
func NewRedisCache(url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opt)}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, val, ttl).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }

// CachedRouter answers repeated requests from a Cache. Cache failures are
// logged and fall through to the router.
type CachedRouter struct {
	Router Router
	Cache  Cache
	TTL    time.Duration
	// Namespace separates routers sharing one cache (router URL, profile).
	Namespace string
}

// Key is "m:" followed by the sha256 of the encoded request.
func (c *CachedRouter) Key(req Request) string {
	b, _ := json.Marshal(struct {
		NS string `json:"ns,omitempty"`
		Request
	}{c.Namespace, req})
	sum := sha256.Sum256(b)
	return "m:" + hex.EncodeToString(sum[:])
}

func (c *CachedRouter) Matrix(ctx context.Context, req Request) (*Table, error) {
	key := c.Key(req)
	if b, ok, err := c.Cache.Get(ctx, key); err != nil {
		logf(nil, "[matrix] cache get: %v", err)
	} else if ok {
		var t Table
		if err := json.Unmarshal(b, &t); err == nil {
			metrics.MatrixRequests.WithLabelValues("cache").Inc()
			return &t, nil
		}
	}
	t, err := c.Router.Matrix(ctx, req)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(t); err == nil {
		if err := c.Cache.Set(ctx, key, b, c.TTL); err != nil {
			logf(nil, "[matrix] cache set: %v", err)
		}
	}
	return t, nil
}
