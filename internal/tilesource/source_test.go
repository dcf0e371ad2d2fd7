package tilesource

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigatile/internal/cache"
)

// fakeDecoder paints every pixel from its level coordinates and counts
// decode calls.
type fakeDecoder struct {
	meta   Metadata
	native NativeScale
	calls  atomic.Int32

	mu     sync.Mutex
	fail   map[[3]int]error
	styles []string
}

func newFakeDecoder(sizeX, sizeY, tileW, tileH int) *fakeDecoder {
	meta, err := Metadata{SizeX: sizeX, SizeY: sizeY, TileWidth: tileW, TileHeight: tileH}.normalize()
	if err != nil {
		panic(err)
	}
	return &fakeDecoder{
		meta:   meta,
		native: NativeScale{Magnification: 40, MMX: 0.00025, MMY: 0.00025},
		fail:   map[[3]int]error{},
	}
}

func pixelAt(x, y, level int) color.NRGBA {
	return color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x>>8 | y>>8<<3 | level<<6), A: 0xff}
}

func (d *fakeDecoder) Metadata() Metadata               { return d.meta }
func (d *fakeDecoder) NativeMagnification() NativeScale { return d.native }

func (d *fakeDecoder) failOn(level, x, y int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, [3]int{level, x, y})
		return
	}
	d.fail[[3]int{level, x, y}] = err
}

func (d *fakeDecoder) DecodeTile(_ context.Context, req TileRequest) (*TileData, error) {
	d.calls.Add(1)
	d.mu.Lock()
	err := d.fail[[3]int{req.Level, req.X, req.Y}]
	d.styles = append(d.styles, req.Style)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	lw, lh := d.meta.LevelSize(req.Level)
	x0, y0 := req.X*d.meta.TileWidth, req.Y*d.meta.TileHeight
	w, h := min(d.meta.TileWidth, lw-x0), min(d.meta.TileHeight, lh-y0)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			img.SetNRGBA(i, j, pixelAt(x0+i, y0+j, req.Level))
		}
	}
	return ImageTile(img), nil
}

type projectedDecoder struct {
	*fakeDecoder
}

func (projectedDecoder) ProjectionToPixels(x, y float64) (float64, float64, error) {
	return (x - 1000) / 2, (5000 - y) / 2, nil
}

func newTestRegistry(t *testing.T, settings cache.Settings) *cache.Registry {
	t.Helper()
	if settings.Backend == "" {
		settings.Backend = cache.KindMemory
	}
	if settings.Portion == nil {
		settings.Portion = map[string]int{TileCacheName: 1}
	}
	r := cache.NewRegistry(settings, zap.NewNop())
	t.Cleanup(func() { r.Close() })
	return r
}

func openFake(t *testing.T, dec Decoder, opts ...Options) *Source {
	t.Helper()
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	src, err := Open(context.Background(), newTestRegistry(t, cache.Settings{}), "fake.tif", func(context.Context, string) (Decoder, error) {
		return dec, nil
	}, o)
	require.NoError(t, err)
	return src
}

func TestOpenSingleFlight(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, cache.Settings{})
	dec := newFakeDecoder(1000, 600, 256, 256)

	var opens atomic.Int32
	release := make(chan struct{})
	opener := func(context.Context, string) (Decoder, error) {
		opens.Add(1)
		<-release
		return dec, nil
	}

	const callers = 16
	sources := make([]*Source, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src, err := Open(ctx, registry, "slide.tif", opener, Options{})
			assert.NoError(t, err)
			sources[i] = src
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load())
	for _, src := range sources {
		assert.Same(t, sources[0], src)
	}

	// Different options are a different source.
	other, err := Open(ctx, registry, "slide.tif", opener, Options{Encoding: "png"})
	require.NoError(t, err)
	assert.NotSame(t, sources[0], other)
	assert.Equal(t, int32(2), opens.Load())
}

func TestOpenFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, cache.Settings{})
	dec := newFakeDecoder(1000, 600, 256, 256)

	calls := 0
	opener := func(context.Context, string) (Decoder, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("too many open files")
		}
		return dec, nil
	}
	_, err := Open(ctx, registry, "slide.tif", opener, Options{})
	assert.Error(t, err)

	src, err := Open(ctx, registry, "slide.tif", opener, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, src.Metadata().Levels)
	assert.Equal(t, 2, calls)
}

func TestOpenRejectsBadOptions(t *testing.T) {
	registry := newTestRegistry(t, cache.Settings{})
	opener := func(context.Context, string) (Decoder, error) {
		return newFakeDecoder(10, 10, 256, 256), nil
	}
	_, err := Open(context.Background(), registry, "a", opener, Options{Encoding: "GIF"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = Open(context.Background(), registry, "a", opener, Options{JPEGQuality: 101})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestGetTile(t *testing.T) {
	ctx := context.Background()
	dec := newFakeDecoder(1000, 600, 256, 256)
	src := openFake(t, dec)

	tile, err := src.GetTile(ctx, 3, 2, 2, 0)
	require.NoError(t, err)
	w, h, err := tile.Size()
	require.NoError(t, err)
	// The last column and row are partial.
	assert.Equal(t, 1000-3*256, w)
	assert.Equal(t, 600-2*256, h)

	_, err = src.GetTile(ctx, 3, 2, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dec.calls.Load())

	for _, tc := range [][4]int{{4, 0, 2, 0}, {0, 3, 2, 0}, {0, 0, 3, 0}, {0, 0, -1, 0}, {0, 0, 2, 1}, {-1, 0, 2, 0}} {
		_, err := src.GetTile(ctx, tc[0], tc[1], tc[2], tc[3])
		assert.True(t, errors.Is(err, ErrRange), "%v", tc)
	}
}

func TestGetTileDecodeError(t *testing.T) {
	ctx := context.Background()
	dec := newFakeDecoder(1000, 600, 256, 256)
	src := openFake(t, dec)

	corrupt := errors.New("corrupt strip")
	dec.failOn(2, 1, 1, corrupt)
	_, err := src.GetTile(ctx, 1, 1, 2, 0)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.True(t, errors.Is(err, corrupt))

	// Failures are not cached.
	dec.failOn(2, 1, 1, nil)
	_, err = src.GetTile(ctx, 1, 1, 2, 0)
	assert.NoError(t, err)
}

func TestSetStyleChangesCacheKey(t *testing.T) {
	ctx := context.Background()
	dec := newFakeDecoder(1000, 600, 256, 256)
	src := openFake(t, dec, Options{NoCache: true})
	assert.False(t, src.Shared())

	_, err := src.GetTile(ctx, 0, 0, 2, 0)
	require.NoError(t, err)
	key := src.StateKey()

	require.NoError(t, src.SetStyle(`{"band":1}`))
	assert.NotEqual(t, key, src.StateKey())
	_, err = src.GetTile(ctx, 0, 0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), dec.calls.Load())
	assert.Equal(t, []string{"", `{"band":1}`}, dec.styles)
}

// styleDecoder paints the first byte of the style into 1x1 tiles.
type styleDecoder struct {
	meta Metadata
}

func (d styleDecoder) Metadata() Metadata               { return d.meta }
func (d styleDecoder) NativeMagnification() NativeScale { return NativeScale{} }

func (d styleDecoder) DecodeTile(_ context.Context, req TileRequest) (*TileData, error) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	if req.Style != "" {
		img.Pix[0] = req.Style[0]
	}
	img.Pix[3] = 0xff
	return ImageTile(img), nil
}

func TestGetTileCachedUnderDecodedStyle(t *testing.T) {
	ctx := context.Background()
	meta, err := Metadata{SizeX: 1024, SizeY: 1, TileWidth: 1, TileHeight: 1}.normalize()
	require.NoError(t, err)
	src := openFake(t, styleDecoder{meta: meta}, Options{Style: "A", NoCache: true})
	level := meta.Levels - 1
	styles := []string{"A", "B"}

	done := make(chan struct{})
	var flipper sync.WaitGroup
	flipper.Add(1)
	go func() {
		defer flipper.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			assert.NoError(t, src.SetStyle(styles[i%2]))
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for x := w; x < 1024; x += 8 {
				_, err := src.GetTile(ctx, x, 0, level, 0)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	close(done)
	flipper.Wait()

	// Every cached tile holds the pixels of the style it is keyed under.
	for _, style := range styles {
		require.NoError(t, src.SetStyle(style))
		for x := 0; x < 1024; x++ {
			data, err := src.GetTile(ctx, x, 0, level, 0)
			require.NoError(t, err)
			img, err := data.AsImage()
			require.NoError(t, err)
			r, _, _, _ := img.At(0, 0).RGBA()
			require.Equal(t, uint32(style[0]), r>>8, "tile %d under style %s", x, style)
		}
	}
}

func TestSharedSourceKeepsItsStyle(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t, cache.Settings{})
	dec := newFakeDecoder(1000, 600, 256, 256)
	var opens atomic.Int32
	opener := func(context.Context, string) (Decoder, error) {
		opens.Add(1)
		return dec, nil
	}

	a, err := Open(ctx, registry, "slide.tif", opener, Options{Style: "A"})
	require.NoError(t, err)
	assert.True(t, a.Shared())
	err = a.SetStyle("B")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "A", a.Style())

	b, err := a.WithStyle(ctx, "B")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.True(t, b.Shared())
	assert.Equal(t, "B", b.Style())

	again, err := Open(ctx, registry, "slide.tif", opener, Options{Style: "A"})
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, "A", again.Style())

	openedB, err := Open(ctx, registry, "slide.tif", opener, Options{Style: "B"})
	require.NoError(t, err)
	assert.Same(t, b, openedB)
	// WithStyle reuses the decoder.
	assert.Equal(t, int32(1), opens.Load())

	_, err = b.GetTile(ctx, 0, 0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, dec.styles)
}

func TestPrivateSourceWithStyle(t *testing.T) {
	ctx := context.Background()
	src := openFake(t, newFakeDecoder(1000, 600, 256, 256), Options{Style: "A", NoCache: true})

	b, err := src.WithStyle(ctx, "B")
	require.NoError(t, err)
	assert.False(t, b.Shared())
	assert.Equal(t, "B", b.Style())
	assert.Equal(t, "A", src.Style())
	assert.NotEqual(t, src.StateKey(), b.StateKey())
}

func TestGetRegionSecondCallHitsCache(t *testing.T) {
	ctx := context.Background()
	dec := newFakeDecoder(1000, 600, 256, 256)
	src := openFake(t, dec)

	req := RegionRequest{Output: OutputSpec{MaxWidth: 256, MaxHeight: 256}}
	first, err := src.GetRegion(ctx, req)
	require.NoError(t, err)
	decodes := dec.calls.Load()
	// Level 1 (500x300) is the smallest level covering 256x154.
	assert.Equal(t, int32(4), decodes)

	second, err := src.GetRegion(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, decodes, dec.calls.Load())

	assert.Equal(t, FormatEncoded, first.Format)
	assert.Equal(t, "image/jpeg", first.MIME)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(second.Encoded))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 154, cfg.Height)
}

func TestGetRegionPixels(t *testing.T) {
	ctx := context.Background()
	src := openFake(t, newFakeDecoder(1000, 600, 256, 256))

	// Crosses the boundary between native tiles 0 and 1.
	data, err := src.GetRegion(ctx, RegionRequest{
		Region: RegionSpec{Left: Float(200), Top: Float(240), Width: Float(100), Height: Float(40)},
		Format: []Format{FormatImage},
	})
	require.NoError(t, err)
	require.Equal(t, FormatImage, data.Format)
	img := data.Image.(*image.NRGBA)
	assert.Equal(t, image.Rect(0, 0, 100, 40), img.Bounds())
	for _, p := range []image.Point{{0, 0}, {55, 0}, {56, 15}, {99, 39}} {
		assert.Equal(t, pixelAt(200+p.X, 240+p.Y, 2), img.NRGBAAt(p.X, p.Y), "%v", p)
	}
}

func TestGetRegionEmpty(t *testing.T) {
	src := openFake(t, newFakeDecoder(1000, 600, 256, 256))
	_, err := src.GetRegion(context.Background(), RegionRequest{
		Region: RegionSpec{Left: Float(100), Width: Float(0)},
	})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestGetThumbnail(t *testing.T) {
	ctx := context.Background()
	src := openFake(t, newFakeDecoder(1000, 600, 256, 256), Options{Encoding: EncodingPNG})

	data, err := src.GetThumbnail(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", data.MIME)
	w, h, err := data.Size()
	require.NoError(t, err)
	assert.Equal(t, 256, w)
	assert.Equal(t, 154, h)

	// Never upscaled past full resolution.
	data, err = src.GetThumbnail(ctx, 4000, 4000, FormatPixels)
	require.NoError(t, err)
	require.Equal(t, FormatPixels, data.Format)
	assert.Equal(t, 1000, data.Pixels.Width)
	assert.Equal(t, 600, data.Pixels.Height)
	assert.Equal(t, 3, data.Pixels.Bands)
}

func TestTilesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	registry := newTestRegistry(t, cache.Settings{Backend: cache.KindRedis, RedisURL: mr.Addr()})
	dec := newFakeDecoder(1000, 600, 256, 256)

	src, err := Open(ctx, registry, "slide.tif", func(context.Context, string) (Decoder, error) {
		return dec, nil
	}, Options{})
	require.NoError(t, err)

	first, err := src.GetTile(ctx, 1, 1, 2, 0)
	require.NoError(t, err)
	second, err := src.GetTile(ctx, 1, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dec.calls.Load())

	// The second tile came back through msgpack.
	require.Equal(t, FormatImage, second.Format)
	a, err := first.AsImage()
	require.NoError(t, err)
	b, err := second.AsImage()
	require.NoError(t, err)
	assert.Equal(t, a.Bounds(), b.Bounds())
	assert.Equal(t, pixelAt(256+17, 256+3, 2), color.NRGBAModel.Convert(b.At(17, 3)))

	info := registry.Info()
	assert.Equal(t, 1, info[TileCacheName].Used)
}
