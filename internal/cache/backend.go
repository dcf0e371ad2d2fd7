// Package cache holds the process-wide named caches: pluggable storage
// backends, single-flight construction of expensive values, and the
// call-result memoizer built on top of them.
package cache

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Backend kinds accepted by the cache_backend setting.
const (
	KindMemory    = "memory"
	KindMemcached = "memcached"
	KindRedis     = "redis"
	KindDisabled  = "disabled"
)

var (
	// ErrValueTooLarge is returned by Set when a backend refuses a value
	// because of its size. Callers treat it as "not cached".
	ErrValueTooLarge = errors.New("cache: value too large")

	// ErrBuildTimeout is returned to a waiter whose bounded wait on another
	// caller's construction expired.
	ErrBuildTimeout = errors.New("cache: timed out waiting for construction")
)

// Stats describes the occupancy of a backend. For network backends the
// counts only reflect writes made by this process.
type Stats struct {
	MaxSize int `json:"maxsize"`
	Used    int `json:"used"`
	Items   int `json:"items"`
}

// Backend stores opaque values by string key.
//
// In-process backends hand back the stored value as-is. Serializing backends
// (memcached, redis) return the msgpack-encoded []byte; use Get to decode.
// Implementations are not assumed to be safe for concurrent use; NamedCache
// serializes every call.
type Backend interface {
	Kind() string
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() Stats
	// Serializes reports whether values round-trip through msgpack.
	Serializes() bool
}
