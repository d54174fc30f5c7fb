package acquire

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"upscaler/document"
	"upscaler/tensor"
)

// Surface errors
var (
	// ErrTainted is returned when reading pixels of a resource that is not
	// origin-clean.
	ErrTainted = errors.New("acquire: surface is tainted by cross-origin data")

	// ErrDecode is returned when the resource is not a decodable image.
	ErrDecode = errors.New("acquire: cannot decode image")

	// ErrTooManyPixels is returned when the decoded image exceeds MaxPixels.
	ErrTooManyPixels = errors.New("acquire: image exceeds pixel limit")
)

// Surface draws a loaded resource and reads back its RGBA pixels at natural
// size. It refuses to read resources that are not origin-clean.
type Surface struct {
	// MaxPixels bounds width*height; zero means no limit.
	MaxPixels int
}

// Read decodes res into a PixelBuffer.
func (s Surface) Read(res *document.Resource) (tensor.PixelBuffer, error) {
	if res == nil {
		return tensor.PixelBuffer{}, document.ErrNotLoaded
	}
	if !res.OriginClean {
		return tensor.PixelBuffer{}, ErrTainted
	}

	if s.MaxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Data))
		if err != nil {
			return tensor.PixelBuffer{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if cfg.Width*cfg.Height > s.MaxPixels {
			return tensor.PixelBuffer{}, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(res.Data))
	if err != nil {
		return tensor.PixelBuffer{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	buf := tensor.FromImage(img)
	if err := buf.Validate(); err != nil {
		return tensor.PixelBuffer{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return buf, nil
}
