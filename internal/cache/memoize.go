package cache

import (
	"context"
	"sync"
)

// StateLocker is implemented by shared objects that guard their mutable
// state with a lock. The memoizer holds it around its cache reads and
// writes so a result is never filed under a state that changed mid-call.
type StateLocker interface {
	StateLock() sync.Locker
}

// Memoizer caches the results of read-only methods in one named cache.
type Memoizer struct {
	cache *NamedCache
	keys  KeySerializer
}

func NewMemoizer(cache *NamedCache, keys KeySerializer) *Memoizer {
	if keys == nil {
		keys = NewKeySerializer()
	}
	return &Memoizer{cache: cache, keys: keys}
}

func (m *Memoizer) Cache() *NamedCache { return m.cache }

// Key derives the cache key for owner.method(args...).
func (m *Memoizer) Key(owner any, method string, args ...any) string {
	return m.KeyForState(StateSignature(owner), method, args...)
}

// KeyForState is Key for an owner whose state signature the caller already
// read, together with any state its computation depends on.
func (m *Memoizer) KeyForState(state, method string, args ...any) string {
	serialized := m.keys.SerializeKey(method, append([]any{state}, args...)...)
	return HashKey(method, serialized)
}

// Memoize returns the cached result of fn for owner.method(args...),
// calling fn on a miss. Concurrent identical calls share one fn call. A
// result that cannot be stored is still returned.
func Memoize[T any](ctx context.Context, m *Memoizer, owner any, method string, args []any, fn func(ctx context.Context) (T, error)) (T, error) {
	return MemoizeKey(ctx, m, owner, m.Key(owner, method, args...), fn)
}

// MemoizeKey is Memoize with a caller-derived key, for methods that supply
// their own key function.
func MemoizeKey[T any](ctx context.Context, m *Memoizer, owner any, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var guard sync.Locker
	if l, ok := owner.(StateLocker); ok {
		guard = l.StateLock()
	}

	v, err := m.cache.getOrBuild(ctx, key, guard, decodeAny[T], func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}
