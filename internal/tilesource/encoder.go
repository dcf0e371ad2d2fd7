package tilesource

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
)

// Encodings accepted by Options.Encoding.
const (
	EncodingJPEG = "JPEG"
	EncodingPNG  = "PNG"
)

const DefaultJPEGQuality = 95

// Encoder compresses composited tiles and regions.
type Encoder interface {
	Encode(img image.Image, encoding string, quality int) ([]byte, string, error)
}

// StdEncoder encodes with the standard library codecs.
type StdEncoder struct{}

func (StdEncoder) Encode(img image.Image, encoding string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	switch strings.ToUpper(encoding) {
	case EncodingPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	case EncodingJPEG, "":
		if quality <= 0 || quality > 100 {
			quality = DefaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	default:
		return nil, "", validationError("unsupported encoding %q", encoding)
	}
}
