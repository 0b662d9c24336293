package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ListCache holds the rendered doctor directory between writes. Every
// Invalidate bumps a generation; Set only stores a list read under the
// generation that is still current, so a slow reader cannot put back a
// directory that predates a write.
type ListCache interface {
	Get(ctx context.Context) ([]*Doctor, bool, error)
	Generation(ctx context.Context) (int64, error)
	Set(ctx context.Context, gen int64, doctors []*Doctor) (bool, error)
	Invalidate(ctx context.Context) error
}

type memoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   []*Doctor
	expires time.Time
	gen     int64
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) ListCache {
	return &memoryCache{ttl: ttl, now: time.Now}
}

func (c *memoryCache) Get(context.Context) ([]*Doctor, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.items == nil || !c.now().Before(c.expires) {
		return nil, false, nil
	}
	return c.items, true, nil
}

func (c *memoryCache) Generation(context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen, nil
}

func (c *memoryCache) Set(_ context.Context, gen int64, doctors []*Doctor) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false, nil
	}
	c.items = doctors
	c.expires = c.now().Add(c.ttl)
	return true, nil
}

func (c *memoryCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.gen++
	return nil
}

const (
	redisListKey = "medify:doctors:list"
	redisGenKey  = "medify:doctors:gen"
)

type redisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache shares the directory between replicas.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) ListCache {
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context) ([]*Doctor, bool, error) {
	raw, err := c.client.Get(ctx, redisListKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var doctors []*Doctor
	if err := json.Unmarshal(raw, &doctors); err != nil {
		return nil, false, fmt.Errorf("decode cached doctors: %w", err)
	}
	return doctors, true, nil
}

func (c *redisCache) Generation(ctx context.Context) (int64, error) {
	return readGeneration(ctx, c.client)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, cmd stringGetter) (int64, error) {
	gen, err := cmd.Get(ctx, redisGenKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation: %w", err)
	}
	return gen, nil
}

// Set writes under WATCH on the generation key, so an Invalidate from any
// replica between the check and the write aborts it.
func (c *redisCache) Set(ctx context.Context, gen int64, doctors []*Doctor) (bool, error) {
	raw, err := json.Marshal(doctors)
	if err != nil {
		return false, fmt.Errorf("encode doctors: %w", err)
	}

	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx)
		if err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisListKey, raw, c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, redisGenKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis set: %w", err)
	}
	return stored, nil
}

func (c *redisCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, redisGenKey)
		pipe.Del(ctx, redisListKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
