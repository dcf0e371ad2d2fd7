package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	probeKey     = "gigatile:probe"
	probeTimeout = time.Second
)

// Settings is the cache section of the configuration.
type Settings struct {
	// Backend is memory (alias python), memcached, redis or disabled. Empty
	// probes memcached, then redis, then falls back to memory.
	Backend string

	MemcachedURL      string
	MemcachedUsername string
	MemcachedPassword string

	RedisURL          string
	RedisUsername     string
	RedisPassword     string
	RedisMaxValueSize int

	// Portion and Maximum override LRU sizing per cache name.
	Portion map[string]int
	Maximum map[string]int

	// BuildTimeout bounds how long a waiter blocks on another caller's
	// construction. Zero waits until the build or the context ends.
	BuildTimeout time.Duration

	// LogWindow is the throttling window for repeated backend errors.
	LogWindow time.Duration
}

func normalizeKind(kind string) string {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "python", "memory", "lru":
		return KindMemory
	default:
		return k
	}
}

// backendFactory builds backends for named caches and remembers which kind
// the probe settled on so later caches skip it.
type backendFactory struct {
	settings Settings
	log      *zap.Logger
	memory   func() uint64

	mu        sync.Mutex
	kind      string
	redis     *redis.Client
	memcached *memcache.Client
}

func newBackendFactory(settings Settings, log *zap.Logger) *backendFactory {
	return &backendFactory{
		settings: settings,
		log:      log,
		memory:   availableMemory,
	}
}

// resolveKind returns the configured kind, probing once when none is set.
func (f *backendFactory) resolveKind(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kind != "" {
		return f.kind, nil
	}

	kind := normalizeKind(f.settings.Backend)
	switch kind {
	case KindMemory, KindMemcached, KindRedis, KindDisabled:
	case "":
		kind = f.probeLocked(ctx)
	default:
		return "", fmt.Errorf("unknown cache backend: %s (supported: memory, memcached, redis, disabled)", f.settings.Backend)
	}

	f.kind = kind
	f.log.Info("Using cache backend", zap.String("backend", kind))
	return kind, nil
}

func (f *backendFactory) probeLocked(ctx context.Context) string {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	mc := f.memcachedLocked()
	timeout := mc.Timeout
	mc.Timeout = probeTimeout
	err := mc.Set(&memcache.Item{Key: probeKey, Value: []byte("1"), Expiration: 1})
	mc.Timeout = timeout
	if err == nil {
		return KindMemcached
	}
	f.log.Debug("memcached probe failed", zap.Error(err))

	err = f.redisLocked().Set(pctx, probeKey, "1", time.Second).Err()
	if err == nil {
		return KindRedis
	}
	f.log.Debug("redis probe failed", zap.Error(err))

	return KindMemory
}

func (f *backendFactory) memcachedLocked() *memcache.Client {
	if f.memcached == nil {
		if f.settings.MemcachedUsername != "" {
			f.log.Warn("memcached credentials are ignored; the client has no SASL support")
		}
		f.memcached = newMemcachedClient(f.settings.MemcachedURL)
	}
	return f.memcached
}

func (f *backendFactory) redisLocked() *redis.Client {
	if f.redis == nil {
		f.redis = newRedisClient(f.settings.RedisURL, f.settings.RedisUsername, f.settings.RedisPassword)
	}
	return f.redis
}

// newBackend creates the storage for one named cache.
func (f *backendFactory) newBackend(ctx context.Context, name string, o options) (Backend, error) {
	kind := KindMemory
	if !o.inProcess {
		var err error
		if kind, err = f.resolveKind(ctx); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch kind {
	case KindMemcached:
		return newMemcachedBackend(f.memcachedLocked(), name), nil
	case KindRedis:
		return newRedisBackend(f.redisLocked(), name, f.settings.RedisMaxValueSize), nil
	case KindDisabled:
		return newNoopBackend(), nil
	default:
		portion := o.portion
		if p, ok := f.settings.Portion[name]; ok && p > 0 {
			portion = p
		}
		maximum := o.maximum
		if m, ok := f.settings.Maximum[name]; ok && m > 0 {
			maximum = m
		}
		items := lruItemCount(f.memory(), portion, o.itemSize, maximum)
		f.log.Info("Using memory cache",
			zap.String("cache", name),
			zap.Int("max_items", items),
		)
		return newLRUBackend(items), nil
	}
}

func (f *backendFactory) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redis != nil {
		return f.redis.Close()
	}
	return nil
}
