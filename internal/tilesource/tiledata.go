package tilesource

import (
	"bytes"
	"image"
	"image/color"

	// Decoders for encoded tiles.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Format is a representation of tile pixels a caller can accept.
type Format string

const (
	// FormatEncoded is a compressed image (JPEG, PNG ...) plus its MIME type.
	FormatEncoded Format = "encoded"
	// FormatPixels is an interleaved 8-bit buffer.
	FormatPixels Format = "pixels"
	// FormatImage is an image.Image.
	FormatImage Format = "image"
)

// formatPreference is the conversion order when the native format is not
// accepted.
var formatPreference = []Format{FormatEncoded, FormatPixels, FormatImage}

func validateFormats(formats []Format) error {
	for _, f := range formats {
		switch f {
		case FormatEncoded, FormatPixels, FormatImage:
		default:
			return validationError("unknown tile format %q", f)
		}
	}
	return nil
}

// Pixels is a row-major, band-interleaved 8-bit buffer.
type Pixels struct {
	Width  int    `msgpack:"w"`
	Height int    `msgpack:"h"`
	Bands  int    `msgpack:"b"`
	Data   []byte `msgpack:"d"`
}

// PixelsFromImage copies img into a buffer with one band for gray images,
// three for opaque color images and four otherwise.
func PixelsFromImage(img image.Image) *Pixels {
	b := img.Bounds()
	p := &Pixels{Width: b.Dx(), Height: b.Dy()}

	if g, ok := img.(*image.Gray); ok {
		p.Bands = 1
		p.Data = make([]byte, 0, p.Width*p.Height)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := g.PixOffset(b.Min.X, y)
			p.Data = append(p.Data, g.Pix[off:off+p.Width]...)
		}
		return p
	}

	p.Bands = 4
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		p.Bands = 3
	}
	p.Data = make([]byte, 0, p.Width*p.Height*p.Bands)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			p.Data = append(p.Data, c.R, c.G, c.B)
			if p.Bands == 4 {
				p.Data = append(p.Data, c.A)
			}
		}
	}
	return p
}

// Image wraps the buffer in an image.Image. The data is copied.
func (p *Pixels) Image() (image.Image, error) {
	if p.Width < 0 || p.Height < 0 || len(p.Data) != p.Width*p.Height*p.Bands {
		return nil, errors.Newf("pixel buffer %dx%dx%d does not match %d bytes", p.Width, p.Height, p.Bands, len(p.Data))
	}
	rect := image.Rect(0, 0, p.Width, p.Height)
	if p.Bands == 1 {
		g := image.NewGray(rect)
		copy(g.Pix, p.Data)
		return g, nil
	}

	img := image.NewNRGBA(rect)
	n := p.Width * p.Height
	for i := 0; i < n; i++ {
		src := p.Data[i*p.Bands : (i+1)*p.Bands]
		dst := img.Pix[i*4 : i*4+4]
		switch p.Bands {
		case 2:
			dst[0], dst[1], dst[2], dst[3] = src[0], src[0], src[0], src[1]
		case 3:
			dst[0], dst[1], dst[2], dst[3] = src[0], src[1], src[2], 0xff
		case 4:
			copy(dst, src)
		default:
			return nil, errors.Newf("unsupported band count %d", p.Bands)
		}
	}
	return img, nil
}

// TileData holds tile pixels in exactly one Format. Values returned by a
// Source may be shared between callers and must not be modified.
type TileData struct {
	Format  Format
	MIME    string
	Encoded []byte
	Pixels  *Pixels
	Image   image.Image
}

func EncodedTile(data []byte, mime string) *TileData {
	return &TileData{Format: FormatEncoded, MIME: mime, Encoded: data}
}

func ImageTile(img image.Image) *TileData {
	return &TileData{Format: FormatImage, Image: img}
}

func PixelsTile(p *Pixels) *TileData {
	return &TileData{Format: FormatPixels, Pixels: p}
}

// AsImage returns the tile as an image.Image, decoding if needed.
func (d *TileData) AsImage() (image.Image, error) {
	switch d.Format {
	case FormatImage:
		if d.Image == nil {
			return nil, errors.New("tile has no image")
		}
		return d.Image, nil
	case FormatPixels:
		if d.Pixels == nil {
			return nil, errors.New("tile has no pixels")
		}
		return d.Pixels.Image()
	case FormatEncoded:
		img, _, err := image.Decode(bytes.NewReader(d.Encoded))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s tile", d.MIME)
		}
		return img, nil
	default:
		return nil, errors.Newf("unknown tile format %q", d.Format)
	}
}

// Size reports the pixel size without decoding when possible.
func (d *TileData) Size() (int, int, error) {
	switch d.Format {
	case FormatPixels:
		if d.Pixels != nil {
			return d.Pixels.Width, d.Pixels.Height, nil
		}
	case FormatEncoded:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(d.Encoded))
		if err != nil {
			return 0, 0, errors.Wrapf(err, "failed to read %s header", d.MIME)
		}
		return cfg.Width, cfg.Height, nil
	}
	img, err := d.AsImage()
	if err != nil {
		return 0, 0, err
	}
	return img.Bounds().Dx(), img.Bounds().Dy(), nil
}

// convert returns the tile in format f, encoding with enc when needed.
func (d *TileData) convert(f Format, enc Encoder, encoding string, quality int) (*TileData, error) {
	if d.Format == f {
		return d, nil
	}
	switch f {
	case FormatEncoded:
		img, err := d.AsImage()
		if err != nil {
			return nil, err
		}
		data, mime, err := enc.Encode(img, encoding, quality)
		if err != nil {
			return nil, err
		}
		return EncodedTile(data, mime), nil
	case FormatPixels:
		img, err := d.AsImage()
		if err != nil {
			return nil, err
		}
		return PixelsTile(PixelsFromImage(img)), nil
	case FormatImage:
		img, err := d.AsImage()
		if err != nil {
			return nil, err
		}
		return ImageTile(img), nil
	default:
		return nil, validationError("unknown tile format %q", f)
	}
}

// negotiate returns d unchanged when its format is accepted, otherwise the
// first accepted format in preference order. No accepted formats means any.
func (d *TileData) negotiate(accepted []Format, enc Encoder, encoding string, quality int) (*TileData, error) {
	if len(accepted) == 0 {
		return d, nil
	}
	for _, f := range accepted {
		if f == d.Format {
			return d, nil
		}
	}
	for _, f := range formatPreference {
		for _, a := range accepted {
			if a == f {
				return d.convert(f, enc, encoding, quality)
			}
		}
	}
	return nil, validationError("none of the accepted formats %v can represent the tile", accepted)
}

type tileWire struct {
	Format  Format  `msgpack:"f"`
	MIME    string  `msgpack:"m,omitempty"`
	Encoded []byte  `msgpack:"e,omitempty"`
	Pixels  *Pixels `msgpack:"p,omitempty"`
}

// EncodeMsgpack stores image tiles as pixels; the format is kept so the
// tile decodes back to an image.Image.
func (d *TileData) EncodeMsgpack(enc *msgpack.Encoder) error {
	w := tileWire{Format: d.Format, MIME: d.MIME, Encoded: d.Encoded, Pixels: d.Pixels}
	if d.Format == FormatImage {
		if d.Image == nil {
			return errors.New("tile has no image")
		}
		w.Pixels = PixelsFromImage(d.Image)
	}
	return enc.Encode(&w)
}

func (d *TileData) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w tileWire
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*d = TileData{Format: w.Format, MIME: w.MIME, Encoded: w.Encoded, Pixels: w.Pixels}
	if w.Format == FormatImage {
		if w.Pixels == nil {
			return errors.New("image tile without pixels")
		}
		img, err := w.Pixels.Image()
		if err != nil {
			return err
		}
		d.Image = img
		d.Pixels = nil
	}
	return nil
}
