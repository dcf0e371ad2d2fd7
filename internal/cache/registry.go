package cache

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gigatile/internal/logger"
)

type options struct {
	itemSize  int64
	portion   int
	maximum   int
	inProcess bool
}

// Option configures a named cache at registration.
type Option func(*options)

// WithItemSize sets the expected size of one value, used to size LRU caches.
func WithItemSize(bytes int64) Option {
	return func(o *options) { o.itemSize = bytes }
}

// WithPortion sets the default share (1/portion) of available memory.
// cache_<name>_memory_portion overrides it.
func WithPortion(portion int) Option {
	return func(o *options) { o.portion = portion }
}

// WithMaximum caps the item count. cache_<name>_maximum overrides it.
func WithMaximum(items int) Option {
	return func(o *options) { o.maximum = items }
}

// InProcess pins the cache to the in-process LRU regardless of the
// configured backend. Needed for values that cannot be serialized.
func InProcess() Option {
	return func(o *options) { o.inProcess = true }
}

// Registry is the process-wide table of named caches. Create one at startup,
// register every cache, and pass it to the components that use them.
type Registry struct {
	log      *zap.Logger
	throttle *logger.Throttle
	settings Settings
	factory  *backendFactory
	caches   *xsync.MapOf[string, *NamedCache]
}

func NewRegistry(settings Settings, log *zap.Logger) *Registry {
	return &Registry{
		log:      log,
		throttle: logger.NewThrottle(log, settings.LogWindow),
		settings: settings,
		factory:  newBackendFactory(settings, log),
		caches:   xsync.NewMapOf[string, *NamedCache](),
	}
}

func qualifiedName(owner, name string) string {
	if owner == "" {
		return name
	}
	return owner + "." + name
}

// Register returns the cache for (owner, name), creating it on first use.
// Options only apply to the first registration.
func (r *Registry) Register(ctx context.Context, owner, name string, opts ...Option) (*NamedCache, error) {
	qualified := qualifiedName(owner, name)
	if c, ok := r.caches.Load(qualified); ok {
		return c, nil
	}

	o := options{portion: DefaultPortion, itemSize: DefaultItemSize}
	for _, opt := range opts {
		opt(&o)
	}

	// Compute holds the entry while the backend is built, so a failed build
	// never publishes a cache and concurrent callers wait for the outcome.
	var buildErr error
	c, ok := r.caches.Compute(qualified, func(old *NamedCache, loaded bool) (*NamedCache, bool) {
		if loaded {
			return old, false
		}
		backend, err := r.factory.newBackend(ctx, qualified, o)
		if err != nil {
			buildErr = err
			return nil, true
		}
		return newNamedCache(qualified, backend, r.log, r.throttle, r.settings.BuildTimeout), false
	})
	if !ok {
		if buildErr == nil {
			buildErr = fmt.Errorf("cache %s is unavailable", qualified)
		}
		return nil, buildErr
	}
	return c, nil
}

// Named returns a previously registered cache.
func (r *Registry) Named(owner, name string) (*NamedCache, bool) {
	return r.caches.Load(qualifiedName(owner, name))
}

// Names lists registered caches in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.caches.Range(func(name string, _ *NamedCache) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// ClearAll empties every registered cache. The caches stay registered.
func (r *Registry) ClearAll(ctx context.Context) error {
	var errs error
	r.caches.Range(func(name string, c *NamedCache) bool {
		if c != nil {
			errs = multierr.Append(errs, c.Clear(ctx))
		}
		return true
	})
	if errs == nil {
		r.log.Info("Cleared all caches")
	}
	return errs
}

// Info reports occupancy per cache name.
func (r *Registry) Info() map[string]Stats {
	info := make(map[string]Stats)
	r.caches.Range(func(name string, c *NamedCache) bool {
		if c != nil {
			info[name] = c.Stats()
		}
		return true
	})
	return info
}

// Logger is the logger caches and their users report to.
func (r *Registry) Logger() *zap.Logger {
	return r.log
}

// Kind reports the backend kind shared caches use, probing if needed.
func (r *Registry) Kind(ctx context.Context) (string, error) {
	return r.factory.resolveKind(ctx)
}

// Close releases network clients.
func (r *Registry) Close() error {
	return r.factory.close()
}
