// Package vipsdecoder reads tiles of TIFF, JPEG, PNG and WebP images with
// libvips. Pyramid levels are synthesized from the full-resolution image.
package vipsdecoder

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"gigatile/internal/tilesource"
)

const DefaultTileSize = 256

// Extensions lists the file types Load understands.
var Extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

type Options struct {
	TileSize int
	// Native is the scale of the full-resolution image, when known.
	Native      tilesource.NativeScale
	Encoding    string
	JPEGQuality int
}

// Decoder serves tiles of one file. Each tile opens the file again with
// random access so calls are independent and safe to run concurrently.
type Decoder struct {
	path   string
	meta   tilesource.Metadata
	native tilesource.NativeScale
	opts   Options
	log    *zap.Logger
}

// Opener adapts Open to tilesource.Open.
func Opener(opts Options, log *zap.Logger) tilesource.Opener {
	return func(_ context.Context, path string) (tilesource.Decoder, error) {
		return Open(path, opts, log)
	}
}

func Open(path string, opts Options, log *zap.Logger) (*Decoder, error) {
	if opts.TileSize <= 0 {
		opts.TileSize = DefaultTileSize
	}
	if opts.Encoding == "" {
		opts.Encoding = tilesource.EncodingJPEG
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = tilesource.DefaultJPEGQuality
	}

	width, height, err := Probe(path)
	if err != nil {
		return nil, err
	}
	meta := tilesource.Metadata{
		SizeX:      width,
		SizeY:      height,
		TileWidth:  opts.TileSize,
		TileHeight: opts.TileSize,
		Levels:     tilesource.LevelCount(width, height, opts.TileSize, opts.TileSize),
		Frames:     1,
	}
	log.Debug("Opened image",
		zap.String("path", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("levels", meta.Levels),
	)
	return &Decoder{path: path, meta: meta, native: opts.Native, opts: opts, log: log}, nil
}

// Probe returns the pixel size of the image at path.
func Probe(path string) (int, int, error) {
	image, err := Load(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

func (d *Decoder) Metadata() tilesource.Metadata { return d.meta }

func (d *Decoder) NativeMagnification() tilesource.NativeScale { return d.native }

// DecodeTile renders native tile (X, Y) of Level. Edge tiles are their true
// size; the style is ignored.
func (d *Decoder) DecodeTile(_ context.Context, req tilesource.TileRequest) (*tilesource.TileData, error) {
	if req.Frame != 0 {
		return nil, fmt.Errorf("frame %d: single-frame image", req.Frame)
	}
	scale := d.meta.LevelScale(req.Level)
	levelW, levelH := d.meta.LevelSize(req.Level)
	tw, th := d.meta.TileWidth, d.meta.TileHeight

	// Tile bounds in level pixels, clamped for edge tiles.
	x0, y0 := req.X*tw, req.Y*th
	width, height := min(tw, levelW-x0), min(th, levelH-y0)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid tile bounds")
	}

	// The same area in source pixels.
	startX := int(float64(x0) * scale)
	startY := int(float64(y0) * scale)
	areaW := min(int(math.Ceil(float64(width)*scale)), d.meta.SizeX-startX)
	areaH := min(int(math.Ceil(float64(height)*scale)), d.meta.SizeY-startY)

	image, err := Load(d.path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	if err := image.ExtractArea(startX, startY, areaW, areaH); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	if scale > 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(1/scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	// Resize rounding can be a pixel off either way.
	if image.Width() > width || image.Height() > height {
		if err := image.ExtractArea(0, 0, min(width, image.Width()), min(height, image.Height())); err != nil {
			return nil, fmt.Errorf("failed to trim: %w", err)
		}
	}
	if image.Width() < width || image.Height() < height {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221}
		if err := image.Embed(0, 0, width, height, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	return d.encode(image)
}

func (d *Decoder) encode(image *vips.Image) (*tilesource.TileData, error) {
	if strings.EqualFold(d.opts.Encoding, tilesource.EncodingPNG) {
		data, err := image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to export: %w", err)
		}
		return tilesource.EncodedTile(data, "image/png"), nil
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = d.opts.JPEGQuality
	jpegOpts.Interlace = false
	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return tilesource.EncodedTile(data, "image/jpeg"), nil
}

// Load opens an image based on its file extension.
func Load(path string, access vips.Access) (*vips.Image, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
