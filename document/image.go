package document

import (
	"bytes"
	"context"
	"errors"
	"image"
	"strconv"
	"strings"

	// Decoders for the formats pages commonly serve.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/net/html"
)

// Attributes written on replaced images.
const (
	AttrOriginalSrc = "data-original-src"
	AttrUpscaled    = "data-upscaled"
)

// ErrNotLoaded is returned by operations that need a loaded resource.
var ErrNotLoaded = errors.New("document: image not loaded")

// Box is the rendered size of an element in CSS pixels.
type Box struct {
	Width  float64
	Height float64
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Image is an <img> element and the resource currently loaded for it. The
// pointer is stable for the element's lifetime, so it can key identity sets.
type Image struct {
	node     *html.Node
	doc      *Document
	detached bool

	// guarded by doc.mu
	resource *Resource
	width    int
	height   int
	loadErr  error
}

// Document returns the owning document.
func (i *Image) Document() *Document { return i.doc }

// Node returns the underlying element.
func (i *Image) Node() *html.Node { return i.node }

// Detached reports whether the element was created with NewImage and is
// not part of the tree.
func (i *Image) Detached() bool { return i.detached }

// Src returns the src attribute as written.
func (i *Image) Src() string {
	v, _ := i.Attr("src")
	return v
}

// Attr returns an attribute value.
func (i *Image) Attr(key string) (string, bool) {
	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()
	return getAttr(i.node, key)
}

// SetAttr sets an attribute without reloading the image.
func (i *Image) SetAttr(key, val string) {
	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()
	setAttr(i.node, key, val)
}

// RemoveAttr deletes an attribute.
func (i *Image) RemoveAttr(key string) {
	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()
	removeAttr(i.node, key)
}

// CrossOrigin reports whether the element requests CORS for its load.
func (i *Image) CrossOrigin() bool {
	_, ok := i.Attr("crossorigin")
	return ok
}

// NaturalSize returns the intrinsic pixel size of the loaded resource, or
// 0, 0 when nothing is loaded.
func (i *Image) NaturalSize() (width, height int) {
	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()
	return i.width, i.height
}

// Loaded reports whether a decodable resource is loaded.
func (i *Image) Loaded() bool {
	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()
	return i.resource != nil
}

// Resource returns the loaded resource, or ErrNotLoaded with the load
// failure attached.
func (i *Image) Resource() (*Resource, error) {
	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()
	if i.resource == nil {
		if i.loadErr != nil {
			return nil, errors.Join(ErrNotLoaded, i.loadErr)
		}
		return nil, ErrNotLoaded
	}
	return i.resource, nil
}

// SetSource points the element at src and loads it. On failure the
// attribute is still updated and the image is left unloaded.
func (i *Image) SetSource(ctx context.Context, src string) error {
	i.SetAttr("src", src)
	return i.load(ctx)
}

// load fetches the current src. The mode follows the crossorigin attribute.
func (i *Image) load(ctx context.Context) error {
	src := i.Src()
	mode := ModeNoCORS
	if i.CrossOrigin() {
		mode = ModeAnonymous
	}

	var (
		res  *Resource
		w, h int
		err  error
	)
	if strings.TrimSpace(src) == "" {
		err = errors.New("document: empty src")
	} else if res, err = i.doc.Fetch(ctx, src, mode); err == nil {
		var cfg image.Config
		cfg, _, err = image.DecodeConfig(bytes.NewReader(res.Data))
		w, h = cfg.Width, cfg.Height
	}

	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()
	if cur, _ := getAttr(i.node, "src"); cur != src {
		// src changed while loading; the newer load wins
		return err
	}
	if err != nil {
		i.resource, i.width, i.height, i.loadErr = nil, 0, 0, err
		return err
	}
	i.resource, i.width, i.height, i.loadErr = res, w, h, nil
	return nil
}

// Box returns the rendered size. Elements that are hidden or inside a
// hidden ancestor have an empty box. Explicit width/height (attribute or
// inline style, in px) win; a single explicit dimension scales the other
// by the natural aspect ratio; otherwise the natural size is used.
func (i *Image) Box() Box {
	i.doc.mu.Lock()
	defer i.doc.mu.Unlock()

	if !i.detached && hiddenInTree(i.node) {
		return Box{}
	}
	nw, nh := float64(i.width), float64(i.height)

	w, wok := cssLength(i.node, "width")
	h, hok := cssLength(i.node, "height")
	switch {
	case wok && hok:
	case wok:
		h = 0
		if nw > 0 {
			h = w * nh / nw
		}
	case hok:
		w = 0
		if nh > 0 {
			w = h * nw / nh
		}
	default:
		w, h = nw, nh
	}
	return Box{Width: w, Height: h}
}

func hiddenInTree(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if _, ok := getAttr(p, "hidden"); ok {
			return true
		}
		if v, ok := styleProperty(p, "display"); ok && v == "none" {
			return true
		}
	}
	return false
}

// cssLength reads a px length from the inline style, falling back to the
// presentational attribute.
func cssLength(n *html.Node, prop string) (float64, bool) {
	if v, ok := styleProperty(n, prop); ok {
		if f, ok := parsePx(v); ok {
			return f, true
		}
	}
	if v, ok := getAttr(n, prop); ok {
		if f, ok := parsePx(v); ok {
			return f, true
		}
	}
	return 0, false
}

func parsePx(v string) (float64, bool) {
	v = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(v)), "px")
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

func styleProperty(n *html.Node, prop string) (string, bool) {
	style, ok := getAttr(n, "style")
	if !ok {
		return "", false
	}
	var (
		val   string
		found bool
	)
	for _, decl := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), prop) {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		val, found = strings.ToLower(v), true
	}
	return val, found
}
