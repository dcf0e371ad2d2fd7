package tilesource

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func gradient(w, h int, alpha uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 7, A: alpha})
		}
	}
	return img
}

func TestPixelsFromImage(t *testing.T) {
	opaque := gradient(5, 3, 0xff)
	p := PixelsFromImage(opaque)
	assert.Equal(t, 3, p.Bands)
	assert.Len(t, p.Data, 5*3*3)
	back, err := p.Image()
	require.NoError(t, err)
	assert.Equal(t, opaque.Pix, back.(*image.NRGBA).Pix)

	translucent := gradient(4, 4, 0x80)
	p = PixelsFromImage(translucent)
	assert.Equal(t, 4, p.Bands)
	back, err = p.Image()
	require.NoError(t, err)
	assert.Equal(t, translucent.Pix, back.(*image.NRGBA).Pix)

	gray := image.NewGray(image.Rect(0, 0, 3, 2))
	gray.Pix = []byte{1, 2, 3, 4, 5, 6}
	p = PixelsFromImage(gray.SubImage(image.Rect(1, 0, 3, 2)))
	assert.Equal(t, 1, p.Bands)
	assert.Equal(t, []byte{2, 3, 5, 6}, p.Data)

	_, err = (&Pixels{Width: 2, Height: 2, Bands: 3, Data: []byte{1}}).Image()
	assert.Error(t, err)
}

func TestNegotiate(t *testing.T) {
	tile := ImageTile(gradient(8, 8, 0xff))

	same, err := tile.negotiate(nil, StdEncoder{}, EncodingJPEG, 90)
	require.NoError(t, err)
	assert.Same(t, tile, same)

	encoded, err := tile.negotiate([]Format{FormatPixels, FormatEncoded}, StdEncoder{}, EncodingPNG, 90)
	require.NoError(t, err)
	assert.Equal(t, FormatEncoded, encoded.Format)
	assert.Equal(t, "image/png", encoded.MIME)

	pixels, err := encoded.negotiate([]Format{FormatPixels}, StdEncoder{}, EncodingPNG, 90)
	require.NoError(t, err)
	assert.Equal(t, tile.Image.(*image.NRGBA).Pix, mustImage(t, pixels).(*image.NRGBA).Pix)
}

func mustImage(t *testing.T, d *TileData) image.Image {
	t.Helper()
	img, err := d.AsImage()
	require.NoError(t, err)
	return img
}

func TestStdEncoder(t *testing.T) {
	img := gradient(16, 8, 0xff)

	data, mime, err := StdEncoder{}.Encode(img, "png", 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())

	_, mime, err = StdEncoder{}.Encode(img, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)

	_, _, err = StdEncoder{}.Encode(img, "BMP", 0)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestTileDataMsgpack(t *testing.T) {
	img := gradient(6, 4, 0x40)
	data, err := msgpack.Marshal(ImageTile(img))
	require.NoError(t, err)

	var back *TileData
	require.NoError(t, msgpack.Unmarshal(data, &back))
	require.NotNil(t, back)
	assert.Equal(t, FormatImage, back.Format)
	assert.Nil(t, back.Pixels)
	assert.Equal(t, img.Pix, back.Image.(*image.NRGBA).Pix)

	encoded := EncodedTile([]byte{0xff, 0xd8}, "image/jpeg")
	data, err = msgpack.Marshal(encoded)
	require.NoError(t, err)
	back = nil
	require.NoError(t, msgpack.Unmarshal(data, &back))
	assert.Equal(t, encoded, back)
}
