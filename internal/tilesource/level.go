package tilesource

import (
	"math"
)

// Rounding selects how a fractional level is turned into a level.
type Rounding int

const (
	// RoundNone keeps the fractional level.
	RoundNone Rounding = iota
	RoundNearest
	// RoundCeil picks the next level with at least the requested detail.
	RoundCeil
)

// levelForScale returns the pyramid level matching scale. The smallest
// ratio among the requested magnification and mm values wins so the level
// has at least the requested detail. ok is false in exact mode when no
// existing level matches.
func levelForScale(meta Metadata, native NativeScale, scale ScaleSpec, rounding Rounding) (level float64, ok bool) {
	maxLevel := float64(meta.Levels - 1)
	if scale.empty() {
		return maxLevel, true
	}

	ratio := 0.0
	consider := func(r float64) {
		if r > 0 && (ratio == 0 || r < ratio) {
			ratio = r
		}
	}
	if scale.Magnification > 0 && native.Magnification > 0 {
		consider(native.Magnification / scale.Magnification)
	}
	if native.MMX > 0 {
		nmmy := native.MMY
		if nmmy <= 0 {
			nmmy = native.MMX
		}
		if scale.MMX > 0 {
			consider(scale.MMX / native.MMX)
		}
		if scale.MMY > 0 {
			consider(scale.MMY / nmmy)
		}
	}
	if ratio == 0 {
		// Nothing the image can relate the request to.
		return maxLevel, !scale.Exact
	}

	level = round4(maxLevel - math.Log2(ratio))
	if scale.Exact {
		if level != math.Trunc(level) || level < 0 || level > maxLevel {
			return 0, false
		}
		return level, true
	}
	switch rounding {
	case RoundNearest:
		level = math.Round(level)
	case RoundCeil:
		level = math.Ceil(level)
	}
	return math.Min(math.Max(level, 0), maxLevel), true
}

// magnificationForLevel reports the scale of a possibly fractional level.
func magnificationForLevel(meta Metadata, native NativeScale, level float64) Magnification {
	scale := math.Exp2(float64(meta.Levels-1) - level)
	m := Magnification{Level: level, Scale: scale}
	if native.Magnification > 0 {
		m.Magnification = native.Magnification / scale
	}
	if native.MMX > 0 {
		m.MMX = native.MMX * scale
	}
	if native.MMY > 0 {
		m.MMY = native.MMY * scale
	}
	return m
}
