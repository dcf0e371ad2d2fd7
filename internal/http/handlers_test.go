package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigatile/internal/cache"
	"gigatile/internal/catalog"
	"gigatile/internal/config"
	"gigatile/internal/tilesource"
)

type solidDecoder struct {
	meta  tilesource.Metadata
	calls atomic.Int32
}

func newSolidDecoder(width, height int) *solidDecoder {
	return &solidDecoder{meta: tilesource.Metadata{
		SizeX:      width,
		SizeY:      height,
		TileWidth:  256,
		TileHeight: 256,
		Levels:     tilesource.LevelCount(width, height, 256, 256),
		Frames:     1,
	}}
}

func (d *solidDecoder) Metadata() tilesource.Metadata { return d.meta }

func (d *solidDecoder) NativeMagnification() tilesource.NativeScale {
	return tilesource.NativeScale{Magnification: 20}
}

func (d *solidDecoder) DecodeTile(_ context.Context, req tilesource.TileRequest) (*tilesource.TileData, error) {
	d.calls.Add(1)
	lw, lh := d.meta.LevelSize(req.Level)
	w := min(d.meta.TileWidth, lw-req.X*d.meta.TileWidth)
	h := min(d.meta.TileHeight, lh-req.Y*d.meta.TileHeight)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []byte{200, 100, 50, 255})
	}
	return tilesource.ImageTile(img), nil
}

type testServer struct {
	handler  http.Handler
	imageID  string
	decoder  *solidDecoder
	registry *cache.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slide.tif"), []byte("tiff"), 0644))

	cat := catalog.New(dir, map[string]bool{".tif": true}, func(string) (int, int, error) {
		return 1000, 600, nil
	}, zap.NewNop())
	require.NoError(t, cat.Scan())

	registry := cache.NewRegistry(cache.Settings{Backend: cache.KindMemory, Portion: map[string]int{tilesource.TileCacheName: 1}}, zap.NewNop())
	t.Cleanup(func() { registry.Close() })

	dec := newSolidDecoder(1000, 600)
	cfg := &config.Config{Encoding: tilesource.EncodingJPEG, JPEGQuality: 90, PublicBaseURL: "https://tiles.example.com/"}
	h := New(cfg, zap.NewNop(), cat, registry, func(context.Context, string) (tilesource.Decoder, error) {
		return dec, nil
	})
	return &testServer{
		handler:  h.Handler(),
		imageID:  cat.Images()[0].ID,
		decoder:  dec,
		registry: registry,
	}
}

func (s *testServer) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) get(target string) *httptest.ResponseRecorder {
	return s.do(http.MethodGet, target, nil)
}

func decodedSize(t *testing.T, rec *httptest.ResponseRecorder) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestImagesAndMeta(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/api/images")
	require.Equal(t, http.StatusOK, rec.Code)
	var images []catalog.Image
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &images))
	require.Len(t, images, 1)
	assert.Equal(t, "slide.tif", images[0].OriginalFilename)

	rec = s.get("/api/images/" + s.imageID + "/meta")
	require.Equal(t, http.StatusOK, rec.Code)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, float64(3), meta["levels"])
	assert.Equal(t, float64(1000), meta["sizeX"])
	assert.Equal(t, "jpg", meta["format"])
	assert.Equal(t, "https://tiles.example.com/api/images/"+s.imageID+"/tiles/{z}/{x}/{y}.jpg", meta["tileUrl"])

	rec = s.get("/api/images/nope/meta")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTile(t *testing.T) {
	s := newTestServer(t)
	base := "/api/images/" + s.imageID + "/tiles/"

	rec := s.get(base + "2/3/2.jpg")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	w, h := decodedSize(t, rec)
	assert.Equal(t, 232, w)
	assert.Equal(t, 88, h)
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	rec = s.do(http.MethodGet, base+"2/3/2.jpg", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = s.do(http.MethodHead, base+"0/0/0.jpeg", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
	assert.Equal(t, int32(2), s.decoder.calls.Load())

	for target, code := range map[string]int{
		base + "2/4/0.jpg": http.StatusNotFound,
		base + "3/0/0.jpg": http.StatusNotFound,
		base + "2/0/0.png": http.StatusBadRequest,
		base + "a/0/0.jpg": http.StatusBadRequest,
		base + "2/0/b.jpg": http.StatusBadRequest,
	} {
		assert.Equal(t, code, s.get(target).Code, target)
	}
}

func TestRegion(t *testing.T) {
	s := newTestServer(t)
	base := "/api/images/" + s.imageID + "/region"

	rec := s.get(base + "?left=0&top=0&width=500&height=300&maxWidth=100")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	w, h := decodedSize(t, rec)
	assert.Equal(t, 100, w)
	assert.Equal(t, 60, h)

	rec = s.get(base + "?left=0.5&units=fraction&maxWidth=50")
	require.Equal(t, http.StatusOK, rec.Code)
	w, h = decodedSize(t, rec)
	assert.Equal(t, 50, w)
	assert.Equal(t, 60, h)

	for _, query := range []string{"?units=furlongs", "?left=x", "?maxWidth=-1", "?exact=maybe"} {
		assert.Equal(t, http.StatusBadRequest, s.get(base+query).Code, query)
	}
	assert.Equal(t, http.StatusNotFound, s.get(base+"?frame=2").Code)
}

func TestThumbnail(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/api/images/" + s.imageID + "/thumbnail?width=128")
	require.Equal(t, http.StatusOK, rec.Code)
	w, h := decodedSize(t, rec)
	assert.Equal(t, 128, w)
	assert.Equal(t, 77, h)

	rec = s.get("/api/images/" + s.imageID + "/thumbnail")
	require.Equal(t, http.StatusOK, rec.Code)
	w, _ = decodedSize(t, rec)
	assert.Equal(t, 256, w)

	// The pixels are the decoder's.
	img, _, err := image.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	r, g, b, _ := img.At(10, 10).RGBA()
	assert.InDelta(t, 200, r>>8, 4)
	assert.InDelta(t, 100, g>>8, 4)
	assert.InDelta(t, 50, b>>8, 4)
}

func TestIterator(t *testing.T) {
	s := newTestServer(t)
	base := "/api/images/" + s.imageID + "/iterator"

	rec := s.get(base + "?tileWidth=300&tileHeight=300&overlapX=60")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info tilesource.IteratorInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 2, info.Level)
	assert.Equal(t, 4, info.XMax)
	assert.Equal(t, 30, info.Overlap.OffsetX)

	rec = s.get(base + "?tileWidth=300&tileHeight=300&position=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var tile map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tile))
	assert.Equal(t, float64(300), tile["X"])
	assert.Equal(t, int32(0), s.decoder.calls.Load())

	assert.Equal(t, http.StatusNotFound, s.get(base+"?position=99").Code)
	assert.Equal(t, http.StatusNotFound, s.get(base+"?left=10&right=10").Code)
	assert.Equal(t, http.StatusBadRequest, s.get(base+"?tileWidth=10&overlapX=10").Code)
}

func TestCaches(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.get("/api/images/"+s.imageID+"/tiles/2/0/0.jpg").Code)

	rec := s.get("/api/caches")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Backend string                 `json:"backend"`
		Caches  map[string]cache.Stats `json:"caches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, cache.KindMemory, body.Backend)
	assert.Equal(t, 1, body.Caches[tilesource.TileCacheName].Items)
	assert.Equal(t, 1, body.Caches[tilesource.SourceCacheName].Items)

	assert.Equal(t, http.StatusMethodNotAllowed, s.get("/api/caches/clear").Code)
	rec = s.do(http.MethodPost, "/api/caches/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.registry.Info()[tilesource.TileCacheName].Items)

	// Tiles are decoded again after a clear.
	require.Equal(t, http.StatusOK, s.get("/api/images/"+s.imageID+"/tiles/2/0/0.jpg").Code)
	assert.Equal(t, int32(2), s.decoder.calls.Load())
}

func TestMiddleware(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(http.MethodOptions, "/api/images", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(http.MethodPost, "/api/images", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Method not allowed"))
}
