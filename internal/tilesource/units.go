package tilesource

import (
	"math"
	"strings"
)

// Units are the coordinate systems a region can be expressed in.
type Units string

const (
	UnitsBasePixels Units = "base_pixels"
	UnitsMagPixels  Units = "mag_pixels"
	UnitsMM         Units = "mm"
	UnitsFraction   Units = "fraction"
	UnitsProjection Units = "projection"
)

var unitAliases = map[string]Units{
	"":                     UnitsBasePixels,
	"base":                 UnitsBasePixels,
	"base_pixel":           UnitsBasePixels,
	"base_pixels":          UnitsBasePixels,
	"none":                 UnitsBasePixels,
	"pixel":                UnitsMagPixels,
	"pixels":               UnitsMagPixels,
	"mag_pixel":            UnitsMagPixels,
	"mag_pixels":           UnitsMagPixels,
	"magnification_pixel":  UnitsMagPixels,
	"magnification_pixels": UnitsMagPixels,
	"mm":                   UnitsMM,
	"millimeter":           UnitsMM,
	"millimeters":          UnitsMM,
	"fraction":             UnitsFraction,
	"projection":           UnitsProjection,
}

// NormalizeUnits maps a unit name or alias to its canonical Units.
func NormalizeUnits(name string) (Units, error) {
	if u, ok := unitAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return u, nil
	}
	return "", validationError("unknown units %q", name)
}

// ScaleSpec is a requested level of detail. Zero fields are unset.
type ScaleSpec struct {
	Magnification float64
	MMX           float64
	MMY           float64
	// Exact only matches levels that exist; nothing is resampled.
	Exact bool
}

func (s ScaleSpec) empty() bool {
	return s.Magnification <= 0 && s.MMX <= 0 && s.MMY <= 0
}

// RegionSpec selects a rectangle of the image. Nil fields are unset; a
// negative left, top, right or bottom counts from the far edge.
type RegionSpec struct {
	Left, Top, Right, Bottom *float64
	Width, Height            *float64

	Units string
	// UnitsWH applies to Width and Height only. Defaults to Units.
	UnitsWH string
	// Scale converts mag_pixels. The request scale is used when nil.
	Scale *ScaleSpec
	// Unclipped keeps bounds outside the image and unrounded.
	Unclipped bool
}

// Float is a helper for optional RegionSpec fields.
func Float(v float64) *float64 {
	return &v
}

// Bounds are full-resolution pixel coordinates.
type Bounds struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (b Bounds) Width() float64  { return b.Right - b.Left }
func (b Bounds) Height() float64 { return b.Bottom - b.Top }

// Projector converts projected coordinates to full-resolution pixels.
// Decoders for georeferenced images implement it.
type Projector interface {
	ProjectionToPixels(x, y float64) (float64, float64, error)
}

type regionResolver struct {
	meta   Metadata
	native NativeScale
	proj   Projector
}

// unitScale returns full-resolution pixels per unit along x and y.
func (r regionResolver) unitScale(units Units, scale ScaleSpec) (float64, float64, error) {
	switch units {
	case UnitsBasePixels:
		return 1, 1, nil
	case UnitsFraction:
		return float64(r.meta.SizeX), float64(r.meta.SizeY), nil
	case UnitsMM:
		if r.native.MMX <= 0 {
			return 0, 0, validationError("mm units need the image's mm per pixel")
		}
		mmy := r.native.MMY
		if mmy <= 0 {
			mmy = r.native.MMX
		}
		return 1 / r.native.MMX, 1 / mmy, nil
	case UnitsMagPixels:
		if scale.Magnification > 0 && r.native.Magnification > 0 {
			f := r.native.Magnification / scale.Magnification
			return f, f, nil
		}
		if (scale.MMX > 0 || scale.MMY > 0) && r.native.MMX > 0 {
			mmx, mmy := scale.MMX, scale.MMY
			if mmx <= 0 {
				mmx = mmy
			}
			if mmy <= 0 {
				mmy = mmx
			}
			nmmy := r.native.MMY
			if nmmy <= 0 {
				nmmy = r.native.MMX
			}
			return mmx / r.native.MMX, mmy / nmmy, nil
		}
		return 0, 0, validationError("mag_pixels units need a magnification or mm scale known to the image")
	default:
		return 0, 0, validationError("units %q cannot be scaled", units)
	}
}

func scaled(v *float64, f float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v * f)
}

// resolve turns region into full-resolution pixel bounds.
func (r regionResolver) resolve(region RegionSpec, scale ScaleSpec) (Bounds, error) {
	units, err := NormalizeUnits(region.Units)
	if err != nil {
		return Bounds{}, err
	}
	unitsWH := units
	if region.UnitsWH != "" {
		if unitsWH, err = NormalizeUnits(region.UnitsWH); err != nil {
			return Bounds{}, err
		}
	}
	if region.Scale != nil {
		scale = *region.Scale
	}
	sizeX, sizeY := float64(r.meta.SizeX), float64(r.meta.SizeY)

	var left, top, right, bottom *float64
	if units == UnitsProjection {
		if left, top, right, bottom, err = r.project(region); err != nil {
			return Bounds{}, err
		}
	} else {
		sx, sy, err := r.unitScale(units, scale)
		if err != nil {
			return Bounds{}, err
		}
		left, right = scaled(region.Left, sx), scaled(region.Right, sx)
		top, bottom = scaled(region.Top, sy), scaled(region.Bottom, sy)

		for _, v := range []struct {
			p    *float64
			size float64
		}{{left, sizeX}, {right, sizeX}, {top, sizeY}, {bottom, sizeY}} {
			if v.p != nil && *v.p < 0 {
				*v.p += v.size
			}
		}
	}

	var width, height *float64
	if region.Width != nil || region.Height != nil {
		if unitsWH == UnitsProjection {
			return Bounds{}, validationError("width and height cannot be given in projection units")
		}
		wx, wy, err := r.unitScale(unitsWH, scale)
		if err != nil {
			return Bounds{}, err
		}
		width, height = scaled(region.Width, wx), scaled(region.Height, wy)
		if (width != nil && *width < 0) || (height != nil && *height < 0) {
			return Bounds{}, validationError("width and height must not be negative")
		}
	}

	b := Bounds{
		Left: deriveStart(left, right, width),
		Top:  deriveStart(top, bottom, height),
	}
	b.Right = deriveEnd(b.Left, right, width, sizeX)
	b.Bottom = deriveEnd(b.Top, bottom, height, sizeY)

	if !region.Unclipped {
		b.Left = clampRound(b.Left, sizeX)
		b.Right = math.Max(clampRound(b.Right, sizeX), b.Left)
		b.Top = clampRound(b.Top, sizeY)
		b.Bottom = math.Max(clampRound(b.Bottom, sizeY), b.Top)
	}
	return b, nil
}

func deriveStart(start, end, length *float64) float64 {
	switch {
	case start != nil:
		return *start
	case end != nil && length != nil:
		return *end - *length
	default:
		return 0
	}
}

func deriveEnd(start float64, end, length *float64, size float64) float64 {
	switch {
	case end != nil:
		return *end
	case length != nil:
		return start + *length
	default:
		return size
	}
}

func clampRound(v, size float64) float64 {
	return math.Min(math.Max(math.Round(v), 0), size)
}

// project converts the corners given in projection units. Corners are
// converted as (left, top) and (right, bottom) pairs; a missing partner
// coordinate is taken as zero.
func (r regionResolver) project(region RegionSpec) (left, top, right, bottom *float64, err error) {
	if r.proj == nil {
		return nil, nil, nil, nil, validationError("projection units need a georeferenced image")
	}
	corner := func(x, y *float64) (*float64, *float64, error) {
		if x == nil && y == nil {
			return nil, nil, nil
		}
		var cx, cy float64
		if x != nil {
			cx = *x
		}
		if y != nil {
			cy = *y
		}
		px, py, err := r.proj.ProjectionToPixels(cx, cy)
		if err != nil {
			return nil, nil, validationError("failed to project (%g, %g): %v", cx, cy, err)
		}
		var ox, oy *float64
		if x != nil {
			ox = Float(px)
		}
		if y != nil {
			oy = Float(py)
		}
		return ox, oy, nil
	}
	if left, top, err = corner(region.Left, region.Top); err != nil {
		return
	}
	if right, bottom, err = corner(region.Right, region.Bottom); err != nil {
		return
	}
	// Northing usually grows upwards.
	if left != nil && right != nil && *left > *right {
		left, right = right, left
	}
	if top != nil && bottom != nil && *top > *bottom {
		top, bottom = bottom, top
	}
	return left, top, right, bottom, nil
}
