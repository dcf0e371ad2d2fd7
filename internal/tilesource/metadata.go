package tilesource

import (
	"math"
)

// Metadata describes the pyramid of an image.
type Metadata struct {
	SizeX      int `json:"sizeX"`
	SizeY      int `json:"sizeY"`
	TileWidth  int `json:"tileWidth"`
	TileHeight int `json:"tileHeight"`
	// Levels is derived from the sizes when zero.
	Levels int `json:"levels"`
	// Frames is 1 for single-plane images.
	Frames int `json:"frames"`
}

// NativeScale is the full-resolution scale. Zero values are unknown.
type NativeScale struct {
	Magnification float64 `json:"magnification,omitempty"`
	MMX           float64 `json:"mm_x,omitempty"`
	MMY           float64 `json:"mm_y,omitempty"`
}

// Magnification is the scale of one, possibly fractional, level.
type Magnification struct {
	Magnification float64 `json:"magnification,omitempty"`
	MMX           float64 `json:"mm_x,omitempty"`
	MMY           float64 `json:"mm_y,omitempty"`
	Level         float64 `json:"level"`
	// Scale is full-resolution pixels per level pixel.
	Scale float64 `json:"scale"`
}

// LevelCount is the number of power-of-two levels needed until the whole
// image fits in one tile.
func LevelCount(sizeX, sizeY, tileWidth, tileHeight int) int {
	if tileWidth <= 0 || tileHeight <= 0 {
		return 1
	}
	ratio := math.Max(float64(sizeX)/float64(tileWidth), float64(sizeY)/float64(tileHeight))
	if ratio <= 1 {
		return 1
	}
	return int(math.Ceil(math.Log2(ratio))) + 1
}

func (m Metadata) normalize() (Metadata, error) {
	if m.SizeX <= 0 || m.SizeY <= 0 {
		return m, validationError("image size %dx%d is not positive", m.SizeX, m.SizeY)
	}
	if m.TileWidth <= 0 || m.TileHeight <= 0 {
		return m, validationError("tile size %dx%d is not positive", m.TileWidth, m.TileHeight)
	}
	if m.Levels <= 0 {
		m.Levels = LevelCount(m.SizeX, m.SizeY, m.TileWidth, m.TileHeight)
	}
	if m.Frames <= 0 {
		m.Frames = 1
	}
	return m, nil
}

// LevelScale is the number of full-resolution pixels per level pixel.
func (m Metadata) LevelScale(level int) float64 {
	return math.Exp2(float64(m.Levels - 1 - level))
}

// LevelSize is the pixel size of a level.
func (m Metadata) LevelSize(level int) (int, int) {
	scale := m.LevelScale(level)
	return int(math.Ceil(float64(m.SizeX) / scale)), int(math.Ceil(float64(m.SizeY) / scale))
}

// LevelTiles is the number of native tiles across and down a level.
func (m Metadata) LevelTiles(level int) (int, int) {
	w, h := m.LevelSize(level)
	return ceilDiv(w, m.TileWidth), ceilDiv(h, m.TileHeight)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
