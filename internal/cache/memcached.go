package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// memcached refuses items above 1 MiB by default.
	memcachedMaxValueSize = 1 << 20
	memcachedMaxKeyLength = 250
)

// memcachedBackend namespaces keys by cache name and a generation. Clear
// moves the cache to the next generation and publishes it under
// <name>:gen; memcached evicts the abandoned entries on its own. Other
// caches on the server are untouched.
type memcachedBackend struct {
	client *memcache.Client
	prefix string

	mu        sync.Mutex
	gen       uint64
	genLoaded bool
	written   map[string]struct{}
}

// newMemcachedClient accepts a comma separated server list.
func newMemcachedClient(url string) *memcache.Client {
	if url == "" {
		url = "127.0.0.1:11211"
	}
	var servers []string
	for _, s := range strings.Split(url, ",") {
		s = strings.TrimPrefix(strings.TrimSpace(s), "memcached://")
		if s != "" {
			servers = append(servers, s)
		}
	}
	client := memcache.New(servers...)
	client.Timeout = DefaultQueryTimeout
	return client
}

func newMemcachedBackend(client *memcache.Client, prefix string) *memcachedBackend {
	return &memcachedBackend{
		client:  client,
		prefix:  prefix,
		written: make(map[string]struct{}),
	}
}

func (c *memcachedBackend) Kind() string { return KindMemcached }

func (c *memcachedBackend) Serializes() bool { return true }

func (c *memcachedBackend) genKey() string {
	return c.prefix + ":gen"
}

// generation returns the key generation, reading the last published one
// on first use. An unreachable server leaves generation 0 to retry later.
func (c *memcachedBackend) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.genLoaded {
		item, err := c.client.Get(c.genKey())
		switch {
		case err == nil:
			if g, perr := strconv.ParseUint(strings.TrimSpace(string(item.Value)), 10, 64); perr == nil {
				c.gen = g
			}
			c.genLoaded = true
		case errors.Is(err, memcache.ErrCacheMiss):
			c.genLoaded = true
		}
	}
	return c.gen
}

func (c *memcachedBackend) key(key string) string {
	k := c.prefix + ":g" + strconv.FormatUint(c.generation(), 10) + ":" + key
	if len(k) > memcachedMaxKeyLength || strings.ContainsAny(k, " \t\r\n") {
		k = c.prefix + ":h:" + strconv.FormatUint(xxhash.Sum64String(k), 16)
	}
	return k
}

func (c *memcachedBackend) Get(_ context.Context, key string) (any, bool, error) {
	item, err := c.client.Get(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

func (c *memcachedBackend) Set(_ context.Context, key string, value any) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value: %w", err)
	}
	if len(data) > memcachedMaxValueSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(data))
	}
	if err := c.client.Set(&memcache.Item{Key: c.key(key), Value: data}); err != nil {
		return err
	}
	c.mu.Lock()
	c.written[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *memcachedBackend) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.written, key)
	c.mu.Unlock()

	err := c.client.Delete(c.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Clear abandons every entry of this cache by advancing its generation.
// memcached has no key enumeration, and FlushAll would empty every cache
// on the server.
func (c *memcachedBackend) Clear(context.Context) error {
	current := c.generation()
	gen, err := c.client.Increment(c.genKey(), 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		gen = current + 1
		err = c.client.Set(&memcache.Item{Key: c.genKey(), Value: []byte(strconv.FormatUint(gen, 10))})
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.gen, c.genLoaded = gen, true
	c.written = make(map[string]struct{})
	c.mu.Unlock()
	return nil
}

func (c *memcachedBackend) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Used: len(c.written), Items: len(c.written)}
}
