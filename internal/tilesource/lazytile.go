package tilesource

import (
	"context"
	"image"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// Overlap is how far each side of a tile reaches into its neighbours.
// Trimming every tile of an iteration by its overlap partitions the region.
type Overlap struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// TilePosition locates a tile within its level and its iteration.
type TilePosition struct {
	Level    int `json:"level"`
	X        int `json:"level_x"`
	Y        int `json:"level_y"`
	RegionX  int `json:"region_x"`
	RegionY  int `json:"region_y"`
	Position int `json:"position"`
}

// IteratorRange is the extent of the iteration a tile came from. Position
// is the tile count of the full iteration.
type IteratorRange struct {
	XMin       int `json:"level_x_min"`
	XMax       int `json:"level_x_max"`
	YMin       int `json:"level_y_min"`
	YMax       int `json:"level_y_max"`
	RegionXMax int `json:"region_x_max"`
	RegionYMax int `json:"region_y_max"`
	Position   int `json:"position"`
}

type tileState int

const (
	tileUnloaded tileState = iota
	tileLoaded
)

// LazyTile is one tile of an iteration. Placement fields are set at
// construction; pixels are decoded on the first call to Tile or Format and
// kept. A failed load leaves the tile unloaded.
type LazyTile struct {
	// X and Y are the level pixel position of the tile.
	X, Y  int
	Level int
	Frame int
	// Width and Height are the delivered size, after any resampling.
	Width, Height int
	Overlap       Overlap
	Position      TilePosition
	Range         IteratorRange

	Magnification float64
	MMX, MMY      float64

	// GX, GY, GWidth and GHeight place the tile in full-resolution pixels.
	GX, GY          float64
	GWidth, GHeight float64

	// Resampled tiles keep their pre-resample size and scale here.
	Resampled         bool
	TileWidth         int
	TileHeight        int
	TileMagnification float64
	TileMMX, TileMMY  float64

	source  *Source
	info    *IteratorInfo
	rect    Rect
	formats []Format

	mu    sync.Mutex
	state tileState
	data  *TileData
}

func newLazyTile(src *Source, info *IteratorInfo, x, y int) *LazyTile {
	g := info.tileGeometry(x, y)
	cols := info.XMax - info.XMin
	t := &LazyTile{
		X:       g.rect.Left,
		Y:       g.rect.Top,
		Level:   info.Level,
		Frame:   info.Frame,
		Width:   g.rect.Width(),
		Height:  g.rect.Height(),
		Overlap: g.overlap,
		Position: TilePosition{
			Level:    info.Level,
			X:        x,
			Y:        y,
			RegionX:  x - info.XMin,
			RegionY:  y - info.YMin,
			Position: (y-info.YMin)*cols + (x - info.XMin),
		},
		Range: IteratorRange{
			XMin:       info.XMin,
			XMax:       info.XMax,
			YMin:       info.YMin,
			YMax:       info.YMax,
			RegionXMax: cols,
			RegionYMax: info.YMax - info.YMin,
			Position:   info.Tiles(),
		},
		Magnification: info.Magnification.Magnification,
		MMX:           info.Magnification.MMX,
		MMY:           info.Magnification.MMY,
		GX:            float64(g.rect.Left) * info.levelScale,
		GY:            float64(g.rect.Top) * info.levelScale,
		GWidth:        float64(g.rect.Width()) * info.levelScale,
		GHeight:       float64(g.rect.Height()) * info.levelScale,
		source:        src,
		info:          info,
		rect:          g.rect,
		formats:       info.Format,
	}

	if info.Resample {
		s := info.RequestedScale
		t.Resampled = true
		t.TileWidth, t.TileHeight = t.Width, t.Height
		t.TileMagnification, t.TileMMX, t.TileMMY = t.Magnification, t.MMX, t.MMY
		t.Width = max(1, int(math.Round(float64(t.Width)/s)))
		t.Height = max(1, int(math.Round(float64(t.Height)/s)))
		t.Magnification /= s
		t.MMX *= s
		t.MMY *= s
		t.Overlap = Overlap{
			Left:   int(math.Round(float64(t.Overlap.Left) / s)),
			Top:    int(math.Round(float64(t.Overlap.Top) / s)),
			Right:  int(math.Round(float64(t.Overlap.Right) / s)),
			Bottom: int(math.Round(float64(t.Overlap.Bottom) / s)),
		}
	}
	return t
}

// Loaded reports whether the pixels have been materialized.
func (t *LazyTile) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == tileLoaded
}

// Tile returns the tile pixels, decoding them on first use.
func (t *LazyTile) Tile(ctx context.Context) (*TileData, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == tileLoaded {
		return t.data, nil
	}
	data, err := t.materialize(ctx)
	if err != nil {
		return nil, err
	}
	t.data, t.state = data, tileLoaded
	return data, nil
}

// Format returns the realized format, decoding on first use.
func (t *LazyTile) Format(ctx context.Context) (Format, error) {
	data, err := t.Tile(ctx)
	if err != nil {
		return "", err
	}
	return data.Format, nil
}

// retiled reports whether the tile differs from a native tile and has to be
// assembled from several.
func (t *LazyTile) retiled() bool {
	i := t.info
	return i.TileWidth != i.nativeWidth || i.TileHeight != i.nativeHeight ||
		i.Overlap.X != 0 || i.Overlap.Y != 0 || i.Resample
}

func (t *LazyTile) materialize(ctx context.Context) (*TileData, error) {
	var (
		data *TileData
		err  error
	)
	if t.retiled() {
		data, err = t.composite(ctx)
	} else {
		data, err = t.single(ctx)
	}
	if err != nil {
		return nil, err
	}

	if t.Resampled {
		img, err := data.AsImage()
		if err != nil {
			return nil, decodeError(err, "tile %d/%d/%d", t.Level, t.Position.X, t.Position.Y)
		}
		dst := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		data = ImageTile(dst)
	}

	enc, quality := t.source.encodingSettings()
	return data.negotiate(t.formats, t.source.encoder, enc, quality)
}

// single decodes the native tile this tile coincides with, cropping it when
// the region edge cuts through it.
func (t *LazyTile) single(ctx context.Context) (*TileData, error) {
	tx, ty := t.Position.X, t.Position.Y
	data, err := t.source.GetTile(ctx, tx, ty, t.Level, t.Frame)
	if err != nil {
		return nil, err
	}

	i := t.info
	native := Rect{
		Left:   tx * i.nativeWidth,
		Top:    ty * i.nativeHeight,
		Right:  min((tx+1)*i.nativeWidth, i.LevelWidth),
		Bottom: min((ty+1)*i.nativeHeight, i.LevelHeight),
	}
	if native == t.rect {
		return data, nil
	}

	img, err := data.AsImage()
	if err != nil {
		return nil, decodeError(err, "tile %d/%d/%d", t.Level, tx, ty)
	}
	crop := image.NewNRGBA(image.Rect(0, 0, t.rect.Width(), t.rect.Height()))
	sp := img.Bounds().Min.Add(image.Pt(t.rect.Left-native.Left, t.rect.Top-native.Top))
	draw.Draw(crop, crop.Bounds(), img, sp, draw.Src)
	return ImageTile(crop), nil
}

// composite assembles the tile from every native tile it covers. Any
// failure aborts the whole tile.
func (t *LazyTile) composite(ctx context.Context) (*TileData, error) {
	i := t.info
	canvas := image.NewNRGBA(image.Rect(0, 0, t.rect.Width(), t.rect.Height()))
	for ty := floorDiv(t.rect.Top, i.nativeHeight); ty*i.nativeHeight < t.rect.Bottom; ty++ {
		for tx := floorDiv(t.rect.Left, i.nativeWidth); tx*i.nativeWidth < t.rect.Right; tx++ {
			data, err := t.source.GetTile(ctx, tx, ty, t.Level, t.Frame)
			if err != nil {
				return nil, err
			}
			img, err := data.AsImage()
			if err != nil {
				return nil, decodeError(err, "tile %d/%d/%d", t.Level, tx, ty)
			}
			at := image.Pt(tx*i.nativeWidth-t.rect.Left, ty*i.nativeHeight-t.rect.Top)
			dr := image.Rectangle{Min: at, Max: at.Add(img.Bounds().Size())}
			draw.Draw(canvas, dr, img, img.Bounds().Min, draw.Src)
		}
	}
	return ImageTile(canvas), nil
}
