// Package tensor converts between RGBA pixel buffers and the normalized,
// channel-first float tensors consumed and produced by the upscaling model.
//
// Layout conventions:
//   - PixelBuffer: row-major RGBA, 4 bytes per pixel
//   - Tensor: shape [1, 3, H, W], planar R then G then B, values in [0, 1]
//
// The model has no alpha channel. Decode always writes fully opaque pixels,
// so transparency does not survive an upscale.
package tensor

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// Codec errors
var (
	ErrInvalidBuffer = errors.New("tensor: invalid pixel buffer")
	ErrInvalidTensor = errors.New("tensor: invalid tensor")
)

// Channels is the number of color planes in a model tensor.
const Channels = 3

// PixelBuffer holds RGBA pixels in row-major order.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []byte
}

// NewPixelBuffer allocates a zeroed buffer of the given size.
func NewPixelBuffer(width, height int) PixelBuffer {
	return PixelBuffer{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*4),
	}
}

// Validate checks that the buffer is non-empty and len(Pix) == Width*Height*4.
func (b PixelBuffer) Validate() error {
	if b.Width < 1 || b.Height < 1 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidBuffer, b.Width, b.Height)
	}
	if len(b.Pix) != b.Width*b.Height*4 {
		return fmt.Errorf("%w: have %d bytes, want %d", ErrInvalidBuffer, len(b.Pix), b.Width*b.Height*4)
	}
	return nil
}

// Shape is the [batch, channels, height, width] descriptor of a Tensor.
type Shape [4]int

// NewShape returns the model input shape for an image of the given size.
func NewShape(height, width int) Shape {
	return Shape{1, Channels, height, width}
}

// Len returns the number of elements the shape describes.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2] * s[3]
}

// Slice returns the shape as a plain int slice for wire encoding.
func (s Shape) Slice() []int {
	return []int{s[0], s[1], s[2], s[3]}
}

// ShapeFromSlice converts a wire shape back into a Shape.
func ShapeFromSlice(dims []int) (Shape, error) {
	if len(dims) != 4 {
		return Shape{}, fmt.Errorf("%w: shape has %d dims, want 4", ErrInvalidTensor, len(dims))
	}
	return Shape{dims[0], dims[1], dims[2], dims[3]}, nil
}

// Tensor is a flat float sequence with a channel-first shape.
type Tensor struct {
	Data  []float32
	Shape Shape
}

// Height returns the spatial height of the tensor.
func (t Tensor) Height() int { return t.Shape[2] }

// Width returns the spatial width of the tensor.
func (t Tensor) Width() int { return t.Shape[3] }

// Validate checks the shape is [1, 3, H, W] with H, W >= 1 and that the data
// length matches it.
func (t Tensor) Validate() error {
	if t.Shape[0] != 1 || t.Shape[1] != Channels {
		return fmt.Errorf("%w: shape %v, want [1 3 H W]", ErrInvalidTensor, t.Shape)
	}
	if t.Shape[2] < 1 || t.Shape[3] < 1 {
		return fmt.Errorf("%w: spatial size %dx%d", ErrInvalidTensor, t.Shape[3], t.Shape[2])
	}
	if len(t.Data) != t.Shape.Len() {
		return fmt.Errorf("%w: have %d values, shape %v needs %d", ErrInvalidTensor, len(t.Data), t.Shape, t.Shape.Len())
	}
	return nil
}

// Encode converts interleaved RGBA pixels into a planar RGB tensor with every
// channel divided by 255. Alpha is dropped.
// This is a pure function with no side effects.
func Encode(buf PixelBuffer) (Tensor, error) {
	if err := buf.Validate(); err != nil {
		return Tensor{}, err
	}

	n := buf.Width * buf.Height
	data := make([]float32, Channels*n)
	for i := 0; i < n; i++ {
		p := i * 4
		data[i] = float32(buf.Pix[p]) / 255.0
		data[n+i] = float32(buf.Pix[p+1]) / 255.0
		data[2*n+i] = float32(buf.Pix[p+2]) / 255.0
	}

	return Tensor{Data: data, Shape: NewShape(buf.Height, buf.Width)}, nil
}

// Decode converts a planar RGB tensor back into RGBA pixels. Values are
// clamped to [0, 1] before scaling, truncated to integers, and alpha is set
// to 255 for every pixel.
// This is a pure function with no side effects.
func Decode(t Tensor) (PixelBuffer, error) {
	if err := t.Validate(); err != nil {
		return PixelBuffer{}, err
	}

	h, w := t.Height(), t.Width()
	n := h * w
	buf := NewPixelBuffer(w, h)
	for i := 0; i < n; i++ {
		p := i * 4
		buf.Pix[p] = denormalize(t.Data[i])
		buf.Pix[p+1] = denormalize(t.Data[n+i])
		buf.Pix[p+2] = denormalize(t.Data[2*n+i])
		buf.Pix[p+3] = 255
	}

	return buf, nil
}

// denormalize maps a model value to a byte. The +1e-4 nudge keeps exact
// k/255 inputs from truncating to k-1 through float32 rounding.
func denormalize(v float32) byte {
	if math.IsNaN(float64(v)) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(float64(v)*255.0 + 1e-4)
}

// Range returns the minimum and maximum values of the tensor data.
// Returns 0, 0 for an empty tensor.
func (t Tensor) Range() (lo, hi float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi = t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// FromImage copies any image into a PixelBuffer, converting to
// non-premultiplied RGBA.
func FromImage(img image.Image) PixelBuffer {
	bounds := img.Bounds()
	buf := NewPixelBuffer(bounds.Dx(), bounds.Dy())

	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Stride == bounds.Dx()*4 {
		copy(buf.Pix, nrgba.Pix)
		return buf
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := nrgbaAt(img, x, y)
			buf.Pix[i] = c[0]
			buf.Pix[i+1] = c[1]
			buf.Pix[i+2] = c[2]
			buf.Pix[i+3] = c[3]
			i += 4
		}
	}
	return buf
}

// ToImage wraps a copy of the buffer as an *image.NRGBA.
func (b PixelBuffer) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	copy(img.Pix, b.Pix)
	return img
}

func nrgbaAt(img image.Image, x, y int) [4]byte {
	r, g, b, a := img.At(x, y).RGBA()
	if a == 0 {
		return [4]byte{0, 0, 0, 0}
	}
	if a == 0xffff {
		return [4]byte{byte(r >> 8), byte(g >> 8), byte(b >> 8), 255}
	}
	// Un-premultiply.
	r = (r * 0xffff) / a
	g = (g * 0xffff) / a
	b = (b * 0xffff) / a
	return [4]byte{byte(r >> 8), byte(g >> 8), byte(b >> 8), byte(a >> 8)}
}
