package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"gigatile/internal/cache"
)

type Config struct {
	Port            int
	DataDir         string
	WarmupLevels    int
	WarmupWorkers   int
	VipsMaxCacheMB  int
	VipsConcurrency int
	LogLevel        string
	AllowedOrigin   string
	PublicBaseURL   string

	// Tile output defaults for every opened source.
	TileSize    int
	Encoding    string
	JPEGQuality int

	Cache cache.Settings
}

// Error reports an invalid configuration value.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// values is the merged key/value view of the YAML file and the environment.
// Keys are lower case (cache_backend); the matching env var is upper case
// (CACHE_BACKEND).
type values map[string]string

// Load reads the configuration from the environment, on top of the YAML
// file named by CONFIG_FILE when set.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"), os.Environ())
}

// LoadFrom builds a Config from an optional YAML file and KEY=value pairs.
func LoadFrom(file string, environ []string) (*Config, error) {
	v := values{}
	if file != "" {
		if err := v.readFile(file); err != nil {
			return nil, err
		}
	}
	v.readEnv(environ)
	return v.config()
}

func (v values) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for key, value := range raw {
		if value == nil {
			continue
		}
		v[strings.ToLower(key)] = fmt.Sprint(value)
	}
	return nil
}

func (v values) readEnv(environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		key = strings.ToLower(key)
		if _, known := defaults[key]; known || strings.HasPrefix(key, "cache_") {
			v[key] = value
		}
	}
}

var defaults = map[string]string{
	"port":                     "8080",
	"data_dir":                 "/data",
	"warmup_levels":            "1",
	"warmup_workers":           "1",
	"vips_max_cache_mb":        "256",
	"vips_concurrency":         "1",
	"log_level":                "info",
	"allowed_origin":           "",
	"public_base_url":          "http://localhost:8080",
	"tile_size":                "256",
	"tile_encoding":            "JPEG",
	"jpeg_quality":             "95",
	"cache_backend":            "",
	"cache_memcached_url":      "",
	"cache_memcached_username": "",
	"cache_memcached_password": "",
	"cache_redis_url":          "",
	"cache_redis_username":     "",
	"cache_redis_password":     "",
	"cache_redis_max_value":    "0",
	"cache_build_timeout":      "0",
	"cache_log_window":         "10s",
}

func (v values) get(key string) string {
	if value, ok := v[key]; ok && value != "" {
		return value
	}
	return defaults[key]
}

func (v values) getInt(key string) (int, error) {
	value := v.get(key)
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &Error{Field: key, Message: fmt.Sprintf("not an integer: %q", value)}
	}
	return n, nil
}

func (v values) getDuration(key string) (time.Duration, error) {
	value := v.get(key)
	d, err := str2duration.ParseDuration(value)
	if err != nil {
		return 0, &Error{Field: key, Message: fmt.Sprintf("not a duration: %q", value)}
	}
	if d < 0 {
		return 0, &Error{Field: key, Message: "must be non-negative"}
	}
	return d, nil
}

func (v values) config() (*Config, error) {
	cfg := &Config{
		DataDir:       v.get("data_dir"),
		LogLevel:      v.get("log_level"),
		AllowedOrigin: v.get("allowed_origin"),
		PublicBaseURL: v.get("public_base_url"),
		Encoding:      strings.ToUpper(v.get("tile_encoding")),
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"port", &cfg.Port},
		{"warmup_levels", &cfg.WarmupLevels},
		{"warmup_workers", &cfg.WarmupWorkers},
		{"vips_max_cache_mb", &cfg.VipsMaxCacheMB},
		{"vips_concurrency", &cfg.VipsConcurrency},
		{"tile_size", &cfg.TileSize},
		{"jpeg_quality", &cfg.JPEGQuality},
	}
	for _, f := range ints {
		n, err := v.getInt(f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = n
	}

	settings, err := v.cacheSettings()
	if err != nil {
		return nil, err
	}
	cfg.Cache = settings

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cacheSettings collects the cache_* keys, including the per-cache
// cache_<name>_memory_portion and cache_<name>_maximum overrides.
func (v values) cacheSettings() (cache.Settings, error) {
	s := cache.Settings{
		Backend:           v.get("cache_backend"),
		MemcachedURL:      v.get("cache_memcached_url"),
		MemcachedUsername: v.get("cache_memcached_username"),
		MemcachedPassword: v.get("cache_memcached_password"),
		RedisURL:          v.get("cache_redis_url"),
		RedisUsername:     v.get("cache_redis_username"),
		RedisPassword:     v.get("cache_redis_password"),
		Portion:           map[string]int{},
		Maximum:           map[string]int{},
	}

	var err error
	if s.RedisMaxValueSize, err = v.getInt("cache_redis_max_value"); err != nil {
		return s, err
	}
	if s.BuildTimeout, err = v.getDuration("cache_build_timeout"); err != nil {
		return s, err
	}
	if s.LogWindow, err = v.getDuration("cache_log_window"); err != nil {
		return s, err
	}

	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		var (
			target map[string]int
			name   string
		)
		switch {
		case strings.HasSuffix(key, "_memory_portion"):
			target, name = s.Portion, strings.TrimSuffix(key, "_memory_portion")
		case strings.HasSuffix(key, "_maximum"):
			target, name = s.Maximum, strings.TrimSuffix(key, "_maximum")
		default:
			continue
		}
		name, ok := strings.CutPrefix(name, "cache_")
		if !ok || name == "" {
			continue
		}
		n, err := v.getInt(key)
		if err != nil {
			return s, err
		}
		if n <= 0 {
			return s, &Error{Field: key, Message: "must be positive"}
		}
		target[name] = n
	}
	return s, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return &Error{Field: "port", Message: "must be between 1 and 65535"}
	}
	if c.WarmupWorkers < 1 {
		return &Error{Field: "warmup_workers", Message: "must be at least 1"}
	}
	if c.TileSize < 16 || c.TileSize > 4096 {
		return &Error{Field: "tile_size", Message: "must be between 16 and 4096"}
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return &Error{Field: "jpeg_quality", Message: "must be between 1 and 100"}
	}
	switch c.Encoding {
	case "JPEG", "PNG":
	default:
		return &Error{Field: "tile_encoding", Message: "must be JPEG or PNG"}
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "", "python", "memory", "lru", "memcached", "redis", "disabled":
	default:
		return &Error{Field: "cache_backend", Message: "must be one of memory, memcached, redis, disabled"}
	}
	return nil
}
