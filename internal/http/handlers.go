package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigatile/internal/cache"
	"gigatile/internal/catalog"
	"gigatile/internal/config"
	"gigatile/internal/tilesource"
)

var errBadRequest = errors.New("bad request")

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	catalog  *catalog.Catalog
	registry *cache.Registry
	open     tilesource.Opener
}

func New(config *config.Config, logger *zap.Logger, catalog *catalog.Catalog, registry *cache.Registry, open tilesource.Opener) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		catalog:  catalog,
		registry: registry,
		open:     open,
	}
}

// Handler is the complete API with CORS and request logging.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/images/", h.HandleImageRoutes)
	mux.HandleFunc("/api/caches", h.HandleCaches)
	mux.HandleFunc("/api/caches/clear", h.HandleClearCaches)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.catalog.Images())
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleCaches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind, err := h.registry.Kind(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, map[string]any{
		"backend": kind,
		"caches":  h.registry.Info(),
	})
}

func (h *Handlers) HandleClearCaches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.registry.ClearAll(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, map[string]any{"cleared": h.registry.Names()})
}

func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	imageID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleMeta(w, r, imageID)
	case len(parts) == 2 && parts[1] == "region":
		h.handleRegion(w, r, imageID)
	case len(parts) == 2 && parts[1] == "thumbnail":
		h.handleThumbnail(w, r, imageID)
	case len(parts) == 2 && parts[1] == "iterator":
		h.handleIterator(w, r, imageID)
	case len(parts) == 5 && parts[1] == "tiles":
		h.handleTile(w, r, imageID, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) source(ctx context.Context, imageID string) (*tilesource.Source, error) {
	path, err := h.catalog.Path(imageID)
	if err != nil {
		return nil, err
	}
	return tilesource.Open(ctx, h.registry, path, h.open, tilesource.Options{
		Encoding:    h.config.Encoding,
		JPEGQuality: h.config.JPEGQuality,
	})
}

type imageMeta struct {
	catalog.Image
	tilesource.Metadata
	Native  tilesource.NativeScale `json:"native"`
	Format  string                 `json:"format"`
	TileURL string                 `json:"tileUrl"`
}

func (h *Handlers) handleMeta(w http.ResponseWriter, r *http.Request, imageID string) {
	img, err := h.catalog.Image(imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	src, err := h.source(r.Context(), imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ext := tileExtension(h.config.Encoding)
	h.writeJSON(w, imageMeta{
		Image:    img,
		Metadata: src.Metadata(),
		Native:   src.NativeMagnification(),
		Format:   ext,
		TileURL:  fmt.Sprintf("%s/api/images/%s/tiles/{z}/{x}/{y}.%s", strings.TrimSuffix(h.config.PublicBaseURL, "/"), imageID, ext),
	})
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, imageID string, tileParts []string) {
	level, err := strconv.Atoi(tileParts[0])
	if err != nil {
		http.Error(w, "Invalid zoom level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(tileParts[1])
	if err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}
	name, ext, _ := strings.Cut(tileParts[2], ".")
	y, err := strconv.Atoi(name)
	if err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}
	if ext == "jpeg" {
		ext = "jpg"
	}
	if ext != tileExtension(h.config.Encoding) {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}

	src, err := h.source(r.Context(), imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	etag := `"` + generateETag(src.StateKey(), level, x, y) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := src.GetTile(r.Context(), x, y, level, 0)
	if err == nil {
		data, err = src.Encode(data)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	h.writeImage(w, r, data)
}

func (h *Handlers) handleRegion(w http.ResponseWriter, r *http.Request, imageID string) {
	q := r.URL.Query()
	req, err := parseRegionRequest(q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	src, err := h.source(r.Context(), imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := src.GetRegion(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeImage(w, r, data)
}

func (h *Handlers) handleThumbnail(w http.ResponseWriter, r *http.Request, imageID string) {
	q := r.URL.Query()
	width, err := queryInt(q, "width")
	if err != nil {
		h.writeError(w, err)
		return
	}
	height, err := queryInt(q, "height")
	if err != nil {
		h.writeError(w, err)
		return
	}
	src, err := h.source(r.Context(), imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	data, err := src.GetThumbnail(r.Context(), width, height, tilesource.FormatEncoded)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeImage(w, r, data)
}

// handleIterator describes the tiles of a region; with position it
// describes that one tile.
func (h *Handlers) handleIterator(w http.ResponseWriter, r *http.Request, imageID string) {
	q := r.URL.Query()
	opts, err := parseIteratorOptions(q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	src, err := h.source(r.Context(), imageID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if q.Has("position") {
		position, err := queryInt(q, "position")
		if err != nil {
			h.writeError(w, err)
			return
		}
		tile, err := src.GetSingleTile(opts, tilesource.SelectPosition(position))
		if err != nil {
			h.writeError(w, err)
			return
		}
		if tile == nil {
			http.Error(w, "tile not found", http.StatusNotFound)
			return
		}
		h.writeJSON(w, tile)
		return
	}

	info, err := src.IteratorInfo(opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if info == nil {
		http.Error(w, "region has no tiles", http.StatusNotFound)
		return
	}
	h.writeJSON(w, info)
}

func (h *Handlers) writeImage(w http.ResponseWriter, r *http.Request, data *tilesource.TileData) {
	w.Header().Set("Content-Type", data.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(data.Encoded)))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(len(data.Encoded)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data.Encoded)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tilesource.ErrValidation), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, tilesource.ErrRange), errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrBuildTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func tileExtension(encoding string) string {
	if strings.EqualFold(encoding, tilesource.EncodingPNG) {
		return "png"
	}
	return "jpg"
}

func generateETag(state string, level, x, y int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d/%d", state, level, x, y)))
	return hex.EncodeToString(hash[:])[:16]
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// query parsing

func queryFloat(q url.Values, name string) (*float64, error) {
	s := q.Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Wrapf(errBadRequest, "invalid %s %q", name, s)
	}
	return &v, nil
}

func queryInt(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "invalid %s %q", name, s)
	}
	return v, nil
}

func queryBool(q url.Values, name string) (bool, error) {
	s := q.Get(name)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(errBadRequest, "invalid %s %q", name, s)
	}
	return v, nil
}

func parseRegion(q url.Values) (tilesource.RegionSpec, tilesource.ScaleSpec, tilesource.OutputSpec, error) {
	var (
		region tilesource.RegionSpec
		scale  tilesource.ScaleSpec
		out    tilesource.OutputSpec
		err    error
	)
	for name, dst := range map[string]**float64{
		"left":   &region.Left,
		"top":    &region.Top,
		"right":  &region.Right,
		"bottom": &region.Bottom,
		"width":  &region.Width,
		"height": &region.Height,
	} {
		if *dst, err = queryFloat(q, name); err != nil {
			return region, scale, out, err
		}
	}
	region.Units = q.Get("units")
	region.UnitsWH = q.Get("unitsWH")

	for name, dst := range map[string]*float64{
		"magnification": &scale.Magnification,
		"mm_x":          &scale.MMX,
		"mm_y":          &scale.MMY,
	} {
		v, err := queryFloat(q, name)
		if err != nil {
			return region, scale, out, err
		}
		if v != nil {
			*dst = *v
		}
	}
	if scale.Exact, err = queryBool(q, "exact"); err != nil {
		return region, scale, out, err
	}
	if out.MaxWidth, err = queryInt(q, "maxWidth"); err != nil {
		return region, scale, out, err
	}
	if out.MaxHeight, err = queryInt(q, "maxHeight"); err != nil {
		return region, scale, out, err
	}
	return region, scale, out, nil
}

func parseRegionRequest(q url.Values) (tilesource.RegionRequest, error) {
	region, scale, out, err := parseRegion(q)
	if err != nil {
		return tilesource.RegionRequest{}, err
	}
	frame, err := queryInt(q, "frame")
	if err != nil {
		return tilesource.RegionRequest{}, err
	}
	return tilesource.RegionRequest{Region: region, Scale: scale, Output: out, Frame: frame}, nil
}

func parseIteratorOptions(q url.Values) (tilesource.IteratorOptions, error) {
	var opts tilesource.IteratorOptions
	region, scale, out, err := parseRegion(q)
	if err != nil {
		return opts, err
	}
	opts.Region, opts.Scale, opts.Output = region, scale, out

	for name, dst := range map[string]*int{
		"tileWidth":  &opts.TileSize.Width,
		"tileHeight": &opts.TileSize.Height,
		"overlapX":   &opts.Overlap.X,
		"overlapY":   &opts.Overlap.Y,
		"frame":      &opts.Frame,
	} {
		if *dst, err = queryInt(q, name); err != nil {
			return opts, err
		}
	}
	if opts.Overlap.Edges, err = queryBool(q, "edges"); err != nil {
		return opts, err
	}
	if opts.Resample, err = queryBool(q, "resample"); err != nil {
		return opts, err
	}
	return opts, nil
}
