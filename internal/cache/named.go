package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gigatile/internal/logger"
)

// BuildFunc constructs the value for a key on a miss.
type BuildFunc func(ctx context.Context) (any, error)

// decodeFunc turns a raw backend value into the caller's type. serialized
// is true when raw is the msgpack encoding produced by a network backend.
type decodeFunc func(raw any, serialized bool) (any, bool)

// NamedCache is one backend bound to a logical name, plus the table of
// in-flight constructions for its keys.
type NamedCache struct {
	name         string
	backend      Backend
	log          *zap.Logger
	throttle     *logger.Throttle
	buildTimeout time.Duration

	// mu serializes every backend call.
	mu sync.Mutex

	// flights holds at most one construction per key.
	flights singleflight.Group
}

func newNamedCache(name string, backend Backend, log *zap.Logger, throttle *logger.Throttle, buildTimeout time.Duration) *NamedCache {
	return &NamedCache{
		name:         name,
		backend:      backend,
		log:          log,
		throttle:     throttle,
		buildTimeout: buildTimeout,
	}
}

func (c *NamedCache) Name() string { return c.name }

func (c *NamedCache) Kind() string { return c.backend.Kind() }

// Lookup returns the raw stored value. Backend failures are logged and
// reported as a miss.
func (c *NamedCache) Lookup(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(ctx, key)
}

func (c *NamedCache) lookupLocked(ctx context.Context, key string) (any, bool) {
	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.throttle.Error("cache get failed",
			zap.String("cache", c.name),
			zap.String("backend", c.backend.Kind()),
			zap.Error(err),
		)
		return nil, false
	}
	return value, ok
}

// Store writes value under key. Oversized values and backend failures are
// logged and returned; the caller decides whether that matters.
func (c *NamedCache) Store(ctx context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeLocked(ctx, key, value)
}

func (c *NamedCache) storeLocked(ctx context.Context, key string, value any) error {
	err := c.backend.Set(ctx, key, value)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValueTooLarge) {
		c.throttle.Warn("value not cached",
			zap.String("cache", c.name),
			zap.Error(err),
		)
	} else {
		c.throttle.Error("cache set failed",
			zap.String("cache", c.name),
			zap.String("backend", c.backend.Kind()),
			zap.Error(err),
		)
	}
	return err
}

func (c *NamedCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.Delete(ctx, key); err != nil {
		c.throttle.Error("cache delete failed", zap.String("cache", c.name), zap.Error(err))
	}
}

func (c *NamedCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.backend.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache %s: %w", c.name, err)
	}
	return nil
}

func (c *NamedCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.Stats()
}

// GetOrBuild returns the cached value for key, constructing it with build on
// a miss. Concurrent callers for the same key share one construction; a
// failed construction is returned to everyone waiting on it and is not
// cached, so the next caller starts over.
func (c *NamedCache) GetOrBuild(ctx context.Context, key string, build BuildFunc) (any, error) {
	return c.getOrBuild(ctx, key, nil, nil, build)
}

func (c *NamedCache) getOrBuild(ctx context.Context, key string, guard sync.Locker, decode decodeFunc, build BuildFunc) (any, error) {
	if v, ok := c.guardedLookup(ctx, key, guard, decode); ok {
		return v, nil
	}

	// The build outlives any single waiter's context.
	buildCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		// Another builder may have finished between our miss and now.
		if v, ok := c.guardedLookup(buildCtx, key, guard, decode); ok {
			return v, nil
		}
		v, err := build(buildCtx)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			guard.Lock()
			defer guard.Unlock()
		}
		_ = c.Store(buildCtx, key, v)
		return v, nil
	})

	var timeout <-chan time.Time
	if c.buildTimeout > 0 {
		timer := time.NewTimer(c.buildTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: cache %s key %s after %s", ErrBuildTimeout, c.name, key, c.buildTimeout)
	}
}

func (c *NamedCache) guardedLookup(ctx context.Context, key string, guard sync.Locker, decode decodeFunc) (any, bool) {
	if guard != nil {
		guard.Lock()
		defer guard.Unlock()
	}
	raw, ok := c.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	if decode == nil {
		return raw, true
	}
	v, ok := decode(raw, c.backend.Serializes())
	if !ok {
		c.log.Debug("discarding undecodable cache entry",
			zap.String("cache", c.name),
			zap.String("key", key),
		)
	}
	return v, ok
}

// decodeAs converts a raw backend value to T: in-process values are
// asserted directly, serialized ones are msgpack-decoded. Anything else is a
// miss.
func decodeAs[T any](raw any, serialized bool) (T, bool) {
	var result T
	if !serialized {
		typed, ok := raw.(T)
		return typed, ok
	}
	data, ok := raw.([]byte)
	if !ok {
		return result, false
	}
	if err := msgpack.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

// Get fetches key from c as a T. Entries that cannot be decoded, such as
// values written by an incompatible build, are a miss.
func Get[T any](ctx context.Context, c *NamedCache, key string) (T, bool) {
	raw, ok := c.Lookup(ctx, key)
	if !ok {
		var zero T
		return zero, false
	}
	return decodeAs[T](raw, c.backend.Serializes())
}

// Build is the typed form of GetOrBuild.
func Build[T any](ctx context.Context, c *NamedCache, key string, build func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.getOrBuild(ctx, key, nil, decodeAny[T], func(ctx context.Context) (any, error) {
		return build(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}

func decodeAny[T any](raw any, serialized bool) (any, bool) {
	v, ok := decodeAs[T](raw, serialized)
	return v, ok
}
