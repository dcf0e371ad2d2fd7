package tilesource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelForScale(t *testing.T) {
	dec := newFakeDecoder(2000, 1000, 500, 500)
	meta, native := dec.meta, dec.native

	tests := []struct {
		name     string
		scale    ScaleSpec
		rounding Rounding
		want     float64
		ok       bool
	}{
		{"empty is full resolution", ScaleSpec{}, RoundNone, 2, true},
		{"half magnification", ScaleSpec{Magnification: 20}, RoundNone, 1, true},
		{"quarter magnification", ScaleSpec{Magnification: 10}, RoundNone, 0, true},
		{"fractional", ScaleSpec{Magnification: 15}, RoundNone, 0.585, true},
		{"fractional nearest", ScaleSpec{Magnification: 15}, RoundNearest, 1, true},
		{"fractional ceil", ScaleSpec{Magnification: 12}, RoundCeil, 1, true},
		{"fractional nearest down", ScaleSpec{Magnification: 12}, RoundNearest, 0, true},
		{"above native is clamped", ScaleSpec{Magnification: 80}, RoundNone, 2, true},
		{"below smallest is clamped", ScaleSpec{Magnification: 5}, RoundNone, 0, true},
		{"mm", ScaleSpec{MMX: 0.001}, RoundNone, 0, true},
		{"mm y only", ScaleSpec{MMY: 0.0005}, RoundNone, 1, true},
		{"finest of magnification and mm wins", ScaleSpec{Magnification: 10, MMX: 0.0005}, RoundNone, 1, true},
		{"exact match", ScaleSpec{Magnification: 20, Exact: true}, RoundNone, 1, true},
		{"exact fractional", ScaleSpec{Magnification: 15, Exact: true}, RoundCeil, 0, false},
		{"exact above native", ScaleSpec{Magnification: 80, Exact: true}, RoundNone, 0, false},
		{"exact below smallest", ScaleSpec{Magnification: 5, Exact: true}, RoundNone, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := levelForScale(meta, native, tt.scale, tt.rounding)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestLevelForScaleWithoutNativeScale(t *testing.T) {
	meta := newFakeDecoder(2000, 1000, 500, 500).meta

	level, ok := levelForScale(meta, NativeScale{}, ScaleSpec{Magnification: 10}, RoundNone)
	assert.True(t, ok)
	assert.Equal(t, 2.0, level)

	_, ok = levelForScale(meta, NativeScale{}, ScaleSpec{Magnification: 10, Exact: true}, RoundNone)
	assert.False(t, ok)
}

func TestMagnificationForLevel(t *testing.T) {
	src := openFake(t, newFakeDecoder(2000, 1000, 500, 500))

	m := src.MagnificationForLevel(1)
	assert.Equal(t, 2.0, m.Scale)
	assert.Equal(t, 20.0, m.Magnification)
	assert.Equal(t, 0.0005, m.MMX)
	assert.Equal(t, 0.0005, m.MMY)

	// Level and magnification round-trip.
	for _, mag := range []float64{10, 15, 20, 33, 40} {
		level, ok := src.LevelForMagnification(ScaleSpec{Magnification: mag}, RoundNone)
		assert.True(t, ok)
		assert.InDelta(t, mag, src.MagnificationForLevel(level).Magnification, 0.01)
	}
}
