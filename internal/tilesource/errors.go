package tilesource

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Test with errors.Is from github.com/cockroachdb/errors.
var (
	// ErrValidation marks malformed requests: unknown units, bad tile sizes,
	// missing scale information.
	ErrValidation = errors.New("tilesource: invalid request")

	// ErrRange marks requests for tiles, levels or frames that do not exist.
	ErrRange = errors.New("tilesource: out of range")

	// ErrDecode marks failures of the decoder while materializing pixels.
	ErrDecode = errors.New("tilesource: decode failed")
)

func validationError(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func rangeError(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrRange)
}

func decodeError(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrDecode)
}
