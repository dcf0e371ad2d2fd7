package tilesource

import (
	"context"
	"image"
	"runtime"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// DefaultThumbnailSize is the thumbnail box when no size is given.
const DefaultThumbnailSize = 256

// RegionRequest asks for a region at a scale or output size.
type RegionRequest struct {
	Region RegionSpec
	Scale  ScaleSpec
	Output OutputSpec
	Frame  int
	// Format lists the accepted formats, FormatEncoded when empty.
	Format []Format
}

// GetRegion renders a region: the covering tiles of the chosen level are
// composited and the result is resized to the output size.
func (s *Source) GetRegion(ctx context.Context, req RegionRequest) (*TileData, error) {
	info, err := s.IteratorInfo(IteratorOptions{
		Region: req.Region,
		Scale:  req.Scale,
		Output: req.Output,
		Frame:  req.Frame,
		Format: []Format{FormatImage},
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, validationError("region is empty")
	}

	lr := info.LevelRegion
	canvas := image.NewNRGBA(image.Rect(0, 0, lr.Width(), lr.Height()))
	it := &TileIterator{source: s, info: info}

	// Tiles cover disjoint parts of the canvas.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for tile, ok := it.Next(); ok; tile, ok = it.Next() {
		g.Go(func() error {
			data, err := tile.Tile(gctx)
			if err != nil {
				return err
			}
			at := image.Pt(tile.X-lr.Left, tile.Y-lr.Top)
			b := data.Image.Bounds()
			draw.Draw(canvas, image.Rectangle{Min: at, Max: at.Add(b.Size())}, data.Image, b.Min, draw.Src)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out image.Image = canvas
	if canvas.Bounds().Dx() != info.OutputWidth || canvas.Bounds().Dy() != info.OutputHeight {
		scaled := image.NewNRGBA(image.Rect(0, 0, info.OutputWidth, info.OutputHeight))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), canvas, canvas.Bounds(), draw.Src, nil)
		out = scaled
	}

	formats := req.Format
	if len(formats) == 0 {
		formats = []Format{FormatEncoded}
	}
	if err := validateFormats(formats); err != nil {
		return nil, err
	}
	enc, quality := s.encodingSettings()
	return ImageTile(out).negotiate(formats, s.encoder, enc, quality)
}

// GetThumbnail renders the whole image into a width x height box. The
// thumbnail is never larger than the full-resolution image.
func (s *Source) GetThumbnail(ctx context.Context, width, height int, formats ...Format) (*TileData, error) {
	if width < 0 || height < 0 {
		return nil, validationError("thumbnail size must not be negative")
	}
	if width == 0 && height == 0 {
		width, height = DefaultThumbnailSize, DefaultThumbnailSize
	}
	out := OutputSpec{MaxWidth: width, MaxHeight: height}
	w, h := out.fit(float64(s.meta.SizeX), float64(s.meta.SizeY))
	if w > s.meta.SizeX || h > s.meta.SizeY {
		w, h = s.meta.SizeX, s.meta.SizeY
	}
	return s.GetRegion(ctx, RegionRequest{
		Output: OutputSpec{MaxWidth: w, MaxHeight: h},
		Format: formats,
	})
}
