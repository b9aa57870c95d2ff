package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ReneKroon/ttlcache"
)

const endpointKeyPrefix = "tdmx:endpoint:"

type (
	// KV is the subset of the redis service the cache needs.
	KV interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Del(ctx context.Context, key string) error
	}

	// RedisEndpointCache shares endpoints between relay nodes.
	RedisEndpointCache struct {
		kv  KV
		ttl time.Duration
	}

	// MemoryEndpointCache serves a single node.
	MemoryEndpointCache struct {
		cache *ttlcache.Cache
	}
)

func NewRedisEndpointCache(kv KV, ttl time.Duration) *RedisEndpointCache {
	return &RedisEndpointCache{
		kv:  kv,
		ttl: ttl,
	}
}

func (c *RedisEndpointCache) Get(ctx context.Context, destination string) (*Endpoint, error) {
	v, err := c.kv.Get(ctx, endpointKeyPrefix+destination)
	if err != nil {
		return nil, err
	}
	if v == "" {
		return nil, nil
	}
	var ep Endpoint
	if err := json.Unmarshal([]byte(v), &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

func (c *RedisEndpointCache) Put(ctx context.Context, destination string, ep *Endpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, endpointKeyPrefix+destination, string(data), c.ttl)
}

func (c *RedisEndpointCache) Clear(ctx context.Context, destination string) error {
	return c.kv.Del(ctx, endpointKeyPrefix+destination)
}

func NewMemoryEndpointCache(ttl time.Duration) *MemoryEndpointCache {
	c := ttlcache.NewCache()
	c.SetTTL(ttl)
	return &MemoryEndpointCache{cache: c}
}

func (c *MemoryEndpointCache) Get(_ context.Context, destination string) (*Endpoint, error) {
	v, ok := c.cache.Get(destination)
	if !ok {
		return nil, nil
	}
	ep := v.(Endpoint)
	return &ep, nil
}

func (c *MemoryEndpointCache) Put(_ context.Context, destination string, ep *Endpoint) error {
	c.cache.Set(destination, *ep)
	return nil
}

func (c *MemoryEndpointCache) Clear(_ context.Context, destination string) error {
	c.cache.Remove(destination)
	return nil
}

// Close stops the expiry goroutine.
func (c *MemoryEndpointCache) Close() {
	c.cache.Close()
}
