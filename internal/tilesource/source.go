// Package tilesource serves regions, thumbnails and tiles of pyramidal
// images: it resolves region units, picks pyramid levels, plans tile
// iterations and materializes tiles lazily through a Decoder.
package tilesource

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"gigatile/internal/cache"
)

// Cache names registered by Open.
const (
	SourceCacheName = "tilesource"
	TileCacheName   = "tile"

	// DefaultSourceCacheSize bounds the number of open sources.
	DefaultSourceCacheSize = 32
)

// TileRequest addresses one native tile.
type TileRequest struct {
	X, Y  int
	Level int
	Frame int
	Style string
}

// Decoder reads native tiles of one image. Implementations must be safe for
// concurrent use.
type Decoder interface {
	Metadata() Metadata
	NativeMagnification() NativeScale
	DecodeTile(ctx context.Context, req TileRequest) (*TileData, error)
}

// Opener creates the decoder for a path.
type Opener func(ctx context.Context, path string) (Decoder, error)

// Options are the per-source output settings. They are part of the source
// cache key.
type Options struct {
	Encoding    string
	JPEGQuality int
	Style       string
	// Encoder compresses composited output. StdEncoder when nil.
	Encoder Encoder
	// NoCache opens a private source that is not shared through the
	// tilesource cache. Only private sources can change style in place.
	NoCache bool
}

func (o Options) withDefaults() (Options, error) {
	o.Encoding = strings.ToUpper(o.Encoding)
	switch o.Encoding {
	case "":
		o.Encoding = EncodingJPEG
	case EncodingJPEG, EncodingPNG:
	default:
		return o, validationError("unsupported encoding %q", o.Encoding)
	}
	if o.JPEGQuality == 0 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.JPEGQuality < 1 || o.JPEGQuality > 100 {
		return o, validationError("jpeg quality %d is outside [1, 100]", o.JPEGQuality)
	}
	if o.Encoder == nil {
		o.Encoder = StdEncoder{}
	}
	return o, nil
}

// Source is an opened image. Sources are shared between callers through
// the tilesource cache unless opened with NoCache; the style of a private
// source is its only mutable state.
type Source struct {
	path     string
	decoder  Decoder
	meta     Metadata
	resolver regionResolver
	encoder  Encoder
	log      *zap.Logger
	tiles    *cache.Memoizer
	// sources is the cache the source is shared through, nil when private.
	sources *cache.NamedCache
	opts    Options

	mu       sync.RWMutex
	encoding string
	quality  int
	style    string
}

// Open returns the source for path, opening it with open unless a source
// with the same path and options is cached. Concurrent opens of the same
// source share one call to open; a failed open is not cached.
func Open(ctx context.Context, registry *cache.Registry, path string, open Opener, opts Options) (*Source, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	sources, err := registry.Register(ctx, "", SourceCacheName,
		cache.InProcess(),
		cache.WithMaximum(DefaultSourceCacheSize),
		cache.WithItemSize(1<<20),
	)
	if err != nil {
		return nil, err
	}
	tiles, err := registry.Register(ctx, "", TileCacheName)
	if err != nil {
		return nil, err
	}

	log := registry.Logger()
	memo := cache.NewMemoizer(tiles, nil)
	build := func(ctx context.Context) (*Source, error) {
		dec, err := open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		src, err := newSource(path, dec, opts, memo, log)
		if err != nil {
			return nil, err
		}
		log.Info("Opened tile source",
			zap.String("path", path),
			zap.Int("width", src.meta.SizeX),
			zap.Int("height", src.meta.SizeY),
			zap.Int("levels", src.meta.Levels),
			zap.Bool("shared", !opts.NoCache),
		)
		return src, nil
	}
	if opts.NoCache {
		return build(ctx)
	}
	return shared(ctx, sources, path, opts, build)
}

func sourceKey(path string, opts Options) string {
	return cache.HashKey("open", cache.NewKeySerializer().SerializeKey("open", path, opts.Encoding, opts.JPEGQuality, opts.Style))
}

// shared returns the cached source for (path, opts), building it once.
func shared(ctx context.Context, sources *cache.NamedCache, path string, opts Options, build func(ctx context.Context) (*Source, error)) (*Source, error) {
	v, err := sources.GetOrBuild(ctx, sourceKey(path, opts), func(ctx context.Context) (any, error) {
		src, err := build(ctx)
		if err != nil {
			return nil, err
		}
		src.sources = sources
		return src, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Source), nil
}

func newSource(path string, dec Decoder, opts Options, tiles *cache.Memoizer, log *zap.Logger) (*Source, error) {
	meta, err := dec.Metadata().normalize()
	if err != nil {
		return nil, fmt.Errorf("bad metadata for %s: %w", path, err)
	}
	proj, _ := dec.(Projector)
	return &Source{
		path:     path,
		decoder:  dec,
		meta:     meta,
		resolver: regionResolver{meta: meta, native: dec.NativeMagnification(), proj: proj},
		encoder:  opts.Encoder,
		log:      log,
		tiles:    tiles,
		encoding: opts.Encoding,
		quality:  opts.JPEGQuality,
		style:    opts.Style,
		opts:     opts,
	}, nil
}

func (s *Source) Path() string { return s.path }

func (s *Source) Metadata() Metadata { return s.meta }

func (s *Source) NativeMagnification() NativeScale { return s.resolver.native }

func (s *Source) Style() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.style
}

// Shared reports whether the source is handed out by the tilesource cache.
func (s *Source) Shared() bool { return s.sources != nil }

// SetStyle changes the style passed to the decoder of a private source.
// Cached tiles of other styles stay valid under their own keys. Shared
// sources are keyed by their style and cannot be restyled; use WithStyle.
func (s *Source) SetStyle(style string) error {
	if s.Shared() {
		return validationError("cannot restyle shared source %s; open it with NoCache or use WithStyle", s.path)
	}
	s.mu.Lock()
	s.style = style
	s.mu.Unlock()
	return nil
}

// WithStyle returns the source for the same image with another style. A
// shared source yields the shared source of that style, reusing the
// decoder; a private source yields a new private source.
func (s *Source) WithStyle(ctx context.Context, style string) (*Source, error) {
	opts := s.opts
	opts.Style = style
	build := func(context.Context) (*Source, error) {
		return newSource(s.path, s.decoder, opts, s.tiles, s.log)
	}
	if !s.Shared() {
		return build(ctx)
	}
	return shared(ctx, s.sources, s.path, opts, build)
}

func (s *Source) encodingSettings() (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encoding, s.quality
}

// StateKey encodes everything that changes the output of a source.
func (s *Source) StateKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateKeyLocked()
}

func (s *Source) stateKeyLocked() string {
	return strings.Join([]string{s.path, s.encoding, strconv.Itoa(s.quality), s.style}, "|")
}

// StateLock is held around tile cache reads and writes.
func (s *Source) StateLock() sync.Locker {
	return s.mu.RLocker()
}

// LevelForMagnification returns the level for scale, fractional with
// RoundNone. ok is false when scale is exact and no level matches.
func (s *Source) LevelForMagnification(scale ScaleSpec, rounding Rounding) (level float64, ok bool) {
	return levelForScale(s.meta, s.resolver.native, scale, rounding)
}

// MagnificationForLevel reports the scale of level.
func (s *Source) MagnificationForLevel(level float64) Magnification {
	return magnificationForLevel(s.meta, s.resolver.native, level)
}

// RegionBounds resolves region to full-resolution pixels. scale converts
// mag_pixels units when the region has no scale of its own.
func (s *Source) RegionBounds(region RegionSpec, scale ScaleSpec) (Bounds, error) {
	return s.resolver.resolve(region, scale)
}

// IteratorInfo plans an iteration. A nil info with a nil error means there
// are no tiles.
func (s *Source) IteratorInfo(opts IteratorOptions) (*IteratorInfo, error) {
	return computeIteratorInfo(s.resolver, opts)
}

// TileIterator plans an iteration and returns an iterator over its tiles.
func (s *Source) TileIterator(opts IteratorOptions) (*TileIterator, error) {
	info, err := s.IteratorInfo(opts)
	if err != nil {
		return nil, err
	}
	return &TileIterator{source: s, info: info}, nil
}

// GetSingleTile returns the tile picked by sel, nil when it is outside the
// iteration.
func (s *Source) GetSingleTile(opts IteratorOptions, sel *TileSelector) (*LazyTile, error) {
	opts.Select = sel
	it, err := s.TileIterator(opts)
	if err != nil {
		return nil, err
	}
	tile, ok := it.Next()
	if !ok {
		return nil, nil
	}
	return tile, nil
}

// GetTile returns native tile (x, y) of level. Results are cached per
// source state.
func (s *Source) GetTile(ctx context.Context, x, y, level, frame int) (*TileData, error) {
	if level < 0 || level >= s.meta.Levels {
		return nil, rangeError("level %d is outside [0, %d)", level, s.meta.Levels)
	}
	if frame < 0 || frame >= s.meta.Frames {
		return nil, rangeError("frame %d is outside [0, %d)", frame, s.meta.Frames)
	}
	cols, rows := s.meta.LevelTiles(level)
	if x < 0 || x >= cols || y < 0 || y >= rows {
		return nil, rangeError("tile %d/%d is outside %dx%d at level %d", x, y, cols, rows, level)
	}

	// The decoder style and the key come from one read of the state.
	s.mu.RLock()
	style, state := s.style, s.stateKeyLocked()
	s.mu.RUnlock()
	key := s.tiles.KeyForState(state, "getTile", x, y, level, frame)
	return cache.MemoizeKey(ctx, s.tiles, s, key, func(ctx context.Context) (*TileData, error) {
		data, err := s.decoder.DecodeTile(ctx, TileRequest{X: x, Y: y, Level: level, Frame: frame, Style: style})
		if err != nil {
			return nil, decodeError(err, "tile %d/%d/%d of %s", level, x, y, s.path)
		}
		if data == nil {
			return nil, decodeError(errors.New("decoder returned no data"), "tile %d/%d/%d of %s", level, x, y, s.path)
		}
		return data, nil
	})
}

// Encode returns data compressed in the source's encoding. Encoded tiles
// are returned as they are.
func (s *Source) Encode(data *TileData) (*TileData, error) {
	enc, quality := s.encodingSettings()
	return data.negotiate([]Format{FormatEncoded}, s.encoder, enc, quality)
}
