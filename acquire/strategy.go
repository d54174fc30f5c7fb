package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"upscaler/document"
	"upscaler/tensor"
)

// Strategy names, in default chain order.
const (
	StrategyDirect     = "direct"
	StrategyPrivileged = "privileged"
	StrategyCORS       = "cors"
	StrategyTainted    = "tainted"
)

// DefaultPrivilegedContentType is assumed when the privileged fetcher
// reports no content type.
const DefaultPrivilegedContentType = "image/jpeg"

// Strategy is one way of obtaining pixels for an image.
type Strategy interface {
	Name() string
	// Applies reports whether the strategy should be tried for img.
	Applies(img *document.Image) bool
	Acquire(ctx context.Context, img *document.Image) (tensor.PixelBuffer, error)
}

// PrivilegedFetcher fetches image bytes from a context that is not subject
// to the page's cross-origin restrictions.
type PrivilegedFetcher interface {
	FetchImage(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// currentSrc resolves the element source against its document.
func currentSrc(img *document.Image) (string, error) {
	return img.Document().Resolve(img.Src())
}

func isNetworkURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// drawBytes materializes data as an object URL, loads it into a detached
// element and reads it back. The URL is revoked on every path.
func drawBytes(ctx context.Context, doc *document.Document, surface Surface, data []byte, contentType string) (tensor.PixelBuffer, error) {
	objectURL := doc.Blobs().CreateObjectURL(data, contentType)
	defer doc.Blobs().RevokeObjectURL(objectURL)

	tmp, err := doc.NewImage(ctx, objectURL, true)
	if err != nil {
		return tensor.PixelBuffer{}, fmt.Errorf("load object URL: %w", err)
	}
	res, err := tmp.Resource()
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	return surface.Read(res)
}

// Direct draws the element's already-loaded resource. It applies to data:,
// blob: and same-origin sources only.
type Direct struct {
	Surface Surface
}

func (Direct) Name() string { return StrategyDirect }

func (Direct) Applies(img *document.Image) bool {
	src := img.Src()
	return document.IsDataURI(src) || document.IsBlobURL(src) || img.Document().SameOrigin(src)
}

func (s Direct) Acquire(_ context.Context, img *document.Image) (tensor.PixelBuffer, error) {
	res, err := img.Resource()
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	return s.Surface.Read(res)
}

// Privileged asks a PrivilegedFetcher for the bytes and draws them.
type Privileged struct {
	Fetcher PrivilegedFetcher
	Surface Surface
}

func (Privileged) Name() string { return StrategyPrivileged }

func (s Privileged) Applies(img *document.Image) bool {
	if s.Fetcher == nil {
		return false
	}
	src, err := currentSrc(img)
	return err == nil && isNetworkURL(src)
}

func (s Privileged) Acquire(ctx context.Context, img *document.Image) (tensor.PixelBuffer, error) {
	src, err := currentSrc(img)
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	data, contentType, err := s.Fetcher.FetchImage(ctx, src)
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	if len(data) == 0 {
		return tensor.PixelBuffer{}, errors.New("privileged fetch returned no data")
	}
	if contentType == "" {
		contentType = DefaultPrivilegedContentType
	}
	contentType = document.SniffContentType(contentType, data)
	return drawBytes(ctx, img.Document(), s.Surface, data, contentType)
}

// CORS fetches the source in CORS mode without credentials or referrer and
// draws the response through an object URL.
type CORS struct {
	Surface Surface
}

func (CORS) Name() string { return StrategyCORS }

func (CORS) Applies(img *document.Image) bool {
	src, err := currentSrc(img)
	return err == nil && isNetworkURL(src)
}

func (s CORS) Acquire(ctx context.Context, img *document.Image) (tensor.PixelBuffer, error) {
	doc := img.Document()
	res, err := doc.Fetch(ctx, img.Src(), document.ModeCORS)
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	return drawBytes(ctx, doc, s.Surface, res.Data, res.ContentType)
}

// Tainted reloads the source into a new crossorigin="anonymous" element.
// The load usually succeeds, but reading fails with ErrTainted unless the
// server granted CORS.
type Tainted struct {
	Surface Surface
}

func (Tainted) Name() string { return StrategyTainted }

func (Tainted) Applies(img *document.Image) bool {
	src := img.Src()
	return src != "" && !document.IsDataURI(src) && !document.IsBlobURL(src)
}

func (s Tainted) Acquire(ctx context.Context, img *document.Image) (tensor.PixelBuffer, error) {
	tmp, err := img.Document().NewImage(ctx, img.Src(), true)
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	res, err := tmp.Resource()
	if err != nil {
		return tensor.PixelBuffer{}, err
	}
	return s.Surface.Read(res)
}
