package model

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"upscaler/core"
	"upscaler/tensor"
)

// BuiltinLocation selects the Builtin manifest instead of an artifact.
const BuiltinLocation = "builtin"

// Model is a loaded, runnable model.
type Model struct {
	manifest Manifest
	interp   draw.Interpolator
	checksum string
	logger   *zap.Logger
}

// New builds a model from a validated manifest.
func New(m Manifest, logger *zap.Logger) (*Model, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{manifest: m, interp: kernels[m.Kernel], logger: logger}, nil
}

// LoadOptions controls Load.
type LoadOptions struct {
	// SHA256 is the expected lowercase hex digest of the artifact. Empty
	// skips verification.
	SHA256 string
	// HTTPClient fetches http(s) artifacts. Defaults to a client built from
	// core.GetDefaultHTTPClient(nil).
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Load reads the artifact at location (file path, http(s) URL or
// BuiltinLocation), verifies its checksum and parses it.
func Load(ctx context.Context, location string, opts LoadOptions) (*Model, error) {
	if location == BuiltinLocation {
		return New(Builtin(), opts.Logger)
	}

	data, err := readArtifact(ctx, location, opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	if err := core.VerifyBytes(location, data, opts.SHA256); err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}

	mdl, err := New(m, opts.Logger)
	if err != nil {
		return nil, err
	}
	mdl.checksum = core.ComputeSHA256FromBytes(data)
	mdl.logger.Info("Model loaded",
		zap.String("name", m.Name),
		zap.String("kernel", m.Kernel),
		zap.Int("scale", m.Scale),
		zap.String("source", location))
	return mdl, nil
}

func readArtifact(ctx context.Context, location string, client *http.Client) ([]byte, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("model: failed to read artifact: %w", err)
		}
		return data, nil
	}

	if client == nil {
		client = core.GetDefaultHTTPClient(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("model: failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model: failed to download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model: artifact download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, core.DefaultMaxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("model: failed to read artifact: %w", err)
	}
	return data, nil
}

// Manifest returns the model's manifest.
func (m *Model) Manifest() Manifest { return m.manifest }

// Checksum returns the artifact digest, or "" for models not loaded from an
// artifact.
func (m *Model) Checksum() string { return m.checksum }

// Scale returns the integer upscaling factor.
func (m *Model) Scale() int { return m.manifest.Scale }

// Run upscales a [1,3,H,W] tensor to [1,3,H*scale,W*scale]. mode is an
// opaque label recorded in the logs.
func (m *Model) Run(in tensor.Tensor, mode string) (tensor.Tensor, error) {
	if err := in.Validate(); err != nil {
		return tensor.Tensor{}, err
	}

	src := planarToImage(in)
	s := m.manifest.Scale
	dst := image.NewRGBA64(image.Rect(0, 0, in.Width()*s, in.Height()*s))
	m.interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := imageToPlanar(dst)
	lo, hi := out.Range()
	m.logger.Debug("Model output",
		zap.String("model", m.manifest.Name),
		zap.String("mode", mode),
		zap.Ints("shape", out.Shape.Slice()),
		zap.Float32("min", lo),
		zap.Float32("max", hi))
	return out, nil
}

// planarToImage packs a planar tensor into an opaque 16-bit image. Values
// are clamped to [0, 1].
func planarToImage(t tensor.Tensor) *image.RGBA64 {
	h, w := t.Height(), t.Width()
	n := h * w
	img := image.NewRGBA64(image.Rect(0, 0, w, h))
	for i := 0; i < n; i++ {
		img.SetRGBA64(i%w, i/w, color.RGBA64{
			R: to16(t.Data[i]),
			G: to16(t.Data[n+i]),
			B: to16(t.Data[2*n+i]),
			A: 0xffff,
		})
	}
	return img
}

func imageToPlanar(img *image.RGBA64) tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	n := h * w
	data := make([]float32, tensor.Channels*n)
	for i := 0; i < n; i++ {
		c := img.RGBA64At(b.Min.X+i%w, b.Min.Y+i/w)
		data[i] = float32(c.R) / 0xffff
		data[n+i] = float32(c.G) / 0xffff
		data[2*n+i] = float32(c.B) / 0xffff
	}
	return tensor.Tensor{Data: data, Shape: tensor.NewShape(h, w)}
}

func to16(v float32) uint16 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}
