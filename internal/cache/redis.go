package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultQueryTimeout bounds each network backend round trip.
const DefaultQueryTimeout = 5 * time.Second

type redisBackend struct {
	client       *redis.Client
	prefix       string
	maxValueSize int
	queryTimeout time.Duration

	mu      sync.Mutex
	written map[string]struct{}
}

// newRedisClient builds a client from cache_redis_url plus optional
// credentials. A bare host:port is accepted as well as a redis:// URL.
func newRedisClient(url, username, password string) *redis.Client {
	var opts *redis.Options
	if url == "" {
		url = "127.0.0.1:6379"
	}
	if parsed, err := redis.ParseURL(url); err == nil {
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}
	if username != "" {
		opts.Username = username
	}
	if password != "" {
		opts.Password = password
	}
	return redis.NewClient(opts)
}

func newRedisBackend(client *redis.Client, prefix string, maxValueSize int) *redisBackend {
	return &redisBackend{
		client:       client,
		prefix:       prefix,
		maxValueSize: maxValueSize,
		queryTimeout: DefaultQueryTimeout,
		written:      make(map[string]struct{}),
	}
}

func (c *redisBackend) Kind() string { return KindRedis }

func (c *redisBackend) Serializes() bool { return true }

func (c *redisBackend) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *redisBackend) Get(ctx context.Context, key string) (any, bool, error) {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	data, err := c.client.Get(qctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *redisBackend) Set(ctx context.Context, key string, value any) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value: %w", err)
	}
	if c.maxValueSize > 0 && len(data) > c.maxValueSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(data))
	}

	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(qctx, c.key(key), data, 0).Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.written[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *redisBackend) Delete(ctx context.Context, key string) error {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	c.mu.Lock()
	delete(c.written, key)
	c.mu.Unlock()
	return c.client.Del(qctx, c.key(key)).Err()
}

// Clear removes every key under this backend's prefix.
func (c *redisBackend) Clear(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	c.mu.Lock()
	c.written = make(map[string]struct{})
	c.mu.Unlock()

	if c.prefix == "" {
		return c.client.FlushDB(qctx).Err()
	}
	iter := c.client.Scan(qctx, 0, c.prefix+":*", 500).Iterator()
	var batch []string
	for iter.Next(qctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.client.Del(qctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(qctx, batch...).Err()
	}
	return nil
}

func (c *redisBackend) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Used: len(c.written), Items: len(c.written)}
}
