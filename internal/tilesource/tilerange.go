package tilesource

import (
	"math"
)

// TileSize overrides the native tile size. Zero fields use the native size.
type TileSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TileOverlap requests overlap between adjacent tiles, in level pixels.
type TileOverlap struct {
	X int `json:"x"`
	Y int `json:"y"`
	// Edges truncates boundary tiles to their content instead of keeping
	// them full size.
	Edges bool `json:"edges"`
}

// OverlapGeometry is TileOverlap resolved for one iteration. Tile x spans
// [x*TileWidth - shift, x*TileWidth - shift + TileWidth + X) where shift is
// X/2 with Edges and zero otherwise. The content boundary between tile x and
// x+1 is at (x+1)*TileWidth + OffsetX.
type OverlapGeometry struct {
	X       int  `json:"x"`
	Y       int  `json:"y"`
	Edges   bool `json:"edges"`
	OffsetX int  `json:"offset_x"`
	OffsetY int  `json:"offset_y"`
	RangeX  int  `json:"range_x"`
	RangeY  int  `json:"range_y"`
}

func newOverlapGeometry(x, y int, edges bool) OverlapGeometry {
	g := OverlapGeometry{X: x, Y: y, Edges: edges}
	if !edges {
		g.OffsetX, g.OffsetY = x/2, y/2
		g.RangeX, g.RangeY = x, y
	}
	return g
}

func (g OverlapGeometry) shiftX() int {
	if g.Edges {
		return g.X / 2
	}
	return 0
}

func (g OverlapGeometry) shiftY() int {
	if g.Edges {
		return g.Y / 2
	}
	return 0
}

// OutputSpec is the maximum output size. The region's aspect ratio is kept;
// zero fields are unset.
type OutputSpec struct {
	MaxWidth  int `json:"maxWidth"`
	MaxHeight int `json:"maxHeight"`
}

func (o OutputSpec) empty() bool {
	return o.MaxWidth <= 0 && o.MaxHeight <= 0
}

// fit scales a rw x rh region into the output box.
func (o OutputSpec) fit(rw, rh float64) (int, int) {
	var s float64
	switch {
	case o.MaxWidth > 0 && o.MaxHeight > 0:
		s = math.Min(float64(o.MaxWidth)/rw, float64(o.MaxHeight)/rh)
	case o.MaxWidth > 0:
		s = float64(o.MaxWidth) / rw
	default:
		s = float64(o.MaxHeight) / rh
	}
	return int(math.Round(rw * s)), int(math.Round(rh * s))
}

// Rect is a rectangle in level pixels, right and bottom exclusive.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

// IteratorOptions describes a tile iteration.
type IteratorOptions struct {
	Region RegionSpec
	Scale  ScaleSpec
	Output OutputSpec

	TileSize TileSize
	Overlap  TileOverlap
	// Resample resizes tiles to the requested scale when no level matches
	// it exactly.
	Resample bool

	Frame  int
	Format []Format
	// Select narrows the iteration to a single tile.
	Select *TileSelector
}

// IteratorInfo is the resolved plan of a tile iteration.
type IteratorInfo struct {
	Region      Bounds `json:"region"`
	Level       int    `json:"level"`
	LevelRegion Rect   `json:"levelRegion"`
	LevelWidth  int    `json:"levelWidth"`
	LevelHeight int    `json:"levelHeight"`
	Frame       int    `json:"frame"`

	// TileWidth and TileHeight are the stride in level pixels, after
	// resampling.
	TileWidth  int             `json:"tileWidth"`
	TileHeight int             `json:"tileHeight"`
	Overlap    OverlapGeometry `json:"overlap"`

	XMin int `json:"xmin"`
	XMax int `json:"xmax"`
	YMin int `json:"ymin"`
	YMax int `json:"ymax"`

	OutputWidth    int     `json:"outputWidth"`
	OutputHeight   int     `json:"outputHeight"`
	RequestedScale float64 `json:"requestedScale"`
	Resample       bool    `json:"resample"`

	Magnification Magnification `json:"magnification"`
	Format        []Format      `json:"format,omitempty"`
	Select        *TileSelector `json:"-"`

	nativeWidth  int
	nativeHeight int
	levelScale   float64
}

// Tiles is the number of tiles of the full, unselected iteration.
func (i *IteratorInfo) Tiles() int {
	return (i.XMax - i.XMin) * (i.YMax - i.YMin)
}

// computeIteratorInfo resolves opts against an image. A nil info with a nil
// error means the iteration has no tiles.
func computeIteratorInfo(r regionResolver, opts IteratorOptions) (*IteratorInfo, error) {
	meta := r.meta
	if err := validateFormats(opts.Format); err != nil {
		return nil, err
	}
	if opts.Frame < 0 || opts.Frame >= meta.Frames {
		return nil, rangeError("frame %d is outside [0, %d)", opts.Frame, meta.Frames)
	}
	if opts.Output.MaxWidth < 0 || opts.Output.MaxHeight < 0 {
		return nil, validationError("output size must not be negative")
	}
	if opts.TileSize.Width < 0 || opts.TileSize.Height < 0 {
		return nil, validationError("tile size must not be negative")
	}
	if opts.Overlap.X < 0 || opts.Overlap.Y < 0 {
		return nil, validationError("tile overlap must not be negative")
	}

	region := opts.Region
	region.Unclipped = false
	bounds, err := r.resolve(region, opts.Scale)
	if err != nil {
		return nil, err
	}
	rw, rh := bounds.Width(), bounds.Height()
	if rw <= 0 || rh <= 0 {
		return nil, nil
	}

	maxLevel := meta.Levels - 1
	fracLevel := float64(maxLevel)
	if !opts.Scale.empty() {
		l, ok := levelForScale(meta, r.native, opts.Scale, RoundNone)
		if !ok {
			return nil, nil
		}
		fracLevel = l
	}
	level := clampInt(int(math.Ceil(fracLevel)), 0, maxLevel)

	var outW, outH int
	if !opts.Output.empty() {
		outW, outH = opts.Output.fit(rw, rh)
		if outW < 1 || outH < 1 {
			return nil, nil
		}
		ls := meta.LevelScale(level)
		ratio := math.Max(float64(outW)/(rw/ls), float64(outH)/(rh/ls))
		level = clampInt(level+int(math.Ceil(round4(math.Log2(ratio)))), 0, maxLevel)
	} else {
		s := math.Exp2(float64(maxLevel) - fracLevel)
		outW = max(1, int(math.Round(rw/s)))
		outH = max(1, int(math.Round(rh/s)))
	}

	ls := meta.LevelScale(level)
	levelW, levelH := meta.LevelSize(level)
	info := &IteratorInfo{
		Region: bounds,
		Level:  level,
		LevelRegion: Rect{
			Left:   int(math.Floor(bounds.Left / ls)),
			Top:    int(math.Floor(bounds.Top / ls)),
			Right:  min(int(math.Ceil(bounds.Right/ls)), levelW),
			Bottom: min(int(math.Ceil(bounds.Bottom/ls)), levelH),
		},
		LevelWidth:     levelW,
		LevelHeight:    levelH,
		Frame:          opts.Frame,
		OutputWidth:    outW,
		OutputHeight:   outH,
		RequestedScale: rw / ls / float64(outW),
		Magnification:  magnificationForLevel(meta, r.native, float64(level)),
		Format:         opts.Format,
		Select:         opts.Select,
		nativeWidth:    meta.TileWidth,
		nativeHeight:   meta.TileHeight,
		levelScale:     ls,
	}
	if info.LevelRegion.Width() <= 0 || info.LevelRegion.Height() <= 0 {
		return nil, nil
	}

	tw, th := opts.TileSize.Width, opts.TileSize.Height
	if tw == 0 {
		tw = meta.TileWidth
	}
	if th == 0 {
		th = meta.TileHeight
	}
	if tw-opts.Overlap.X <= 0 || th-opts.Overlap.Y <= 0 {
		return nil, validationError("tile size %dx%d must exceed the overlap %dx%d", tw, th, opts.Overlap.X, opts.Overlap.Y)
	}
	ox, oy := opts.Overlap.X, opts.Overlap.Y
	if opts.Resample && round2(info.RequestedScale) != 1 {
		info.Resample = true
		tw = int(math.Ceil(float64(tw) * info.RequestedScale))
		th = int(math.Ceil(float64(th) * info.RequestedScale))
		ox = int(math.Ceil(float64(ox) * info.RequestedScale))
		oy = int(math.Ceil(float64(oy) * info.RequestedScale))
	}
	info.TileWidth, info.TileHeight = tw, th
	info.Overlap = newOverlapGeometry(ox, oy, opts.Overlap.Edges)

	lr := info.LevelRegion
	info.XMin = floorDiv(lr.Left, tw)
	info.XMax = max(int(math.Ceil(float64(lr.Right-info.Overlap.RangeX)/float64(tw))), info.XMin+1)
	info.YMin = floorDiv(lr.Top, th)
	info.YMax = max(int(math.Ceil(float64(lr.Bottom-info.Overlap.RangeY)/float64(th))), info.YMin+1)
	return info, nil
}

// tileGeometry is the placement of one tile of an iteration.
type tileGeometry struct {
	rect    Rect
	overlap Overlap
}

// tileGeometry crops tile (x, y) to the level region and splits each shared
// overlap strip so trimming every tile by its overlap partitions the region.
func (i *IteratorInfo) tileGeometry(x, y int) tileGeometry {
	x0, x1, left, right := i.span(x, i.XMin, i.XMax, i.TileWidth, i.Overlap.X, i.Overlap.shiftX(), i.Overlap.OffsetX, i.LevelRegion.Left, i.LevelRegion.Right)
	y0, y1, top, bottom := i.span(y, i.YMin, i.YMax, i.TileHeight, i.Overlap.Y, i.Overlap.shiftY(), i.Overlap.OffsetY, i.LevelRegion.Top, i.LevelRegion.Bottom)
	return tileGeometry{
		rect:    Rect{Left: x0, Top: y0, Right: x1, Bottom: y1},
		overlap: Overlap{Left: left, Top: top, Right: right, Bottom: bottom},
	}
}

func (i *IteratorInfo) span(k, kmin, kmax, stride, overlap, shift, offset, lo, hi int) (start, end, before, after int) {
	start = max(k*stride-shift, lo)
	end = min(k*stride-shift+stride+overlap, hi)
	content0, content1 := start, end
	if k > kmin {
		content0 = min(max(start, k*stride+offset), end)
	}
	if k < kmax-1 {
		content1 = max(min(end, (k+1)*stride+offset), content0)
	}
	return start, end, content0 - start, end - content1
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
