// Package document models an HTML page and the image resources it has
// loaded: element access, resource fetching with cross-origin rules, object
// URLs, and serialization back to HTML.
package document

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMaxBytes caps a single fetched resource.
const DefaultMaxBytes = 50 << 20

// Document is a parsed page. Element mutations and image state are guarded
// by a single lock, so a Document may be shared between goroutines.
type Document struct {
	root     *html.Node
	base     *url.URL
	client   *http.Client
	blobs    *BlobStore
	logger   *zap.Logger
	maxBytes int64

	mu     sync.Mutex
	images map[*html.Node]*Image
}

// Option configures a Document.
type Option func(*Document)

// WithHTTPClient sets the client used for resource loads.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Document) {
		if c != nil {
			d.client = c
		}
	}
}

// WithBlobStore shares an object URL store with the document.
func WithBlobStore(s *BlobStore) Option {
	return func(d *Document) {
		if s != nil {
			d.blobs = s
		}
	}
}

// WithLogger sets the logger for resource load diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(d *Document) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMaxBytes caps fetched resource size. Zero or less disables the cap.
func WithMaxBytes(n int64) Option {
	return func(d *Document) {
		d.maxBytes = n
	}
}

func newDocument(base *url.URL, opts []Option) *Document {
	d := &Document{
		base:     base,
		client:   http.DefaultClient,
		logger:   zap.NewNop(),
		maxBytes: DefaultMaxBytes,
		images:   make(map[*html.Node]*Image),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.blobs == nil {
		d.blobs = NewBlobStore(d.Origin())
	}
	return d
}

// Parse reads HTML from r and loads every <img> it contains. baseURL is
// the page address used to resolve references and decide origin; it may
// be empty. Image load failures are logged, not returned: a broken image
// simply has no natural size.
func Parse(ctx context.Context, r io.Reader, baseURL string, opts ...Option) (*Document, error) {
	var base *url.URL
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("document: invalid base URL %q: %w", baseURL, err)
		}
		base = u
	}

	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("document: parse: %w", err)
	}

	d := newDocument(base, opts)
	d.root = root
	d.applyBaseElement()

	for _, img := range d.Images() {
		if err := img.load(ctx); err != nil {
			d.logger.Debug("image failed to load",
				zap.String("src", truncateURL(img.Src())),
				zap.Error(err))
		}
	}
	return d, nil
}

// Open loads a page from an http(s) URL or a local file path.
func Open(ctx context.Context, location string, opts ...Option) (*Document, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		probe := newDocument(nil, opts)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("document: %w", err)
		}
		resp, err := probe.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("document: fetch page: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("document: fetch page: status %d", resp.StatusCode)
		}
		body, err := readLimited(resp.Body, probe.maxBytes)
		if err != nil {
			return nil, fmt.Errorf("document: read page: %w", err)
		}
		return Parse(ctx, bytes.NewReader(body), resp.Request.URL.String(), opts...)
	}

	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	fileURL := &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	probe := newDocument(fileURL, opts)
	res, err := probe.fetchFile(fileURL, ModeNoCORS)
	if err != nil {
		return nil, err
	}
	return Parse(ctx, bytes.NewReader(res.Data), fileURL.String(), opts...)
}

// applyBaseElement honors the first <base href>.
func (d *Document) applyBaseElement() {
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Base {
			if _, ok := getAttr(n, "href"); ok {
				found = n
				return false
			}
		}
		return true
	})
	if found == nil {
		return
	}
	href, _ := getAttr(found, "href")
	ref, err := url.Parse(href)
	if err != nil {
		return
	}
	if d.base != nil {
		ref = d.base.ResolveReference(ref)
	}
	d.base = ref
}

// Origin returns the page origin as "scheme://host", "file://" for local
// pages, or "null" when the document has no base.
func (d *Document) Origin() string {
	if d.base == nil {
		return "null"
	}
	return originOf(d.base)
}

func originOf(u *url.URL) string {
	if u.Scheme == "file" {
		return "file://"
	}
	if u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// BaseURL returns the URL references are resolved against, empty if none.
func (d *Document) BaseURL() string {
	if d.base == nil {
		return ""
	}
	return d.base.String()
}

// Blobs returns the document's object URL store.
func (d *Document) Blobs() *BlobStore {
	return d.blobs
}

// Resolve turns ref into an absolute URL. data: and blob: URLs pass through.
func (d *Document) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("document: empty URL")
	}
	if IsDataURI(ref) || IsBlobURL(ref) {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if d.base != nil {
		u = d.base.ResolveReference(u)
	}
	return u.String(), nil
}

// SameOrigin reports whether ref, resolved against the base, shares the
// document origin. data: and blob: URLs count as same-origin.
func (d *Document) SameOrigin(ref string) bool {
	if IsDataURI(ref) || IsBlobURL(ref) {
		return true
	}
	abs, err := d.Resolve(ref)
	if err != nil {
		return false
	}
	u, err := url.Parse(abs)
	if err != nil {
		return false
	}
	origin := d.Origin()
	return origin != "null" && originOf(u) == origin
}

// Images returns every <img> element in document order.
func (d *Document) Images() []*Image {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Image
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Img {
			img, ok := d.images[n]
			if !ok {
				img = &Image{node: n, doc: d}
				d.images[n] = img
			}
			out = append(out, img)
		}
		return true
	})
	return out
}

// NewImage creates a detached <img> element and loads src into it.
// crossOrigin sets crossorigin="anonymous". The image is returned even when
// loading fails, together with the load error.
func (d *Document) NewImage(ctx context.Context, src string, crossOrigin bool) (*Image, error) {
	n := &html.Node{Type: html.ElementNode, DataAtom: atom.Img, Data: "img"}
	if crossOrigin {
		n.Attr = append(n.Attr, html.Attribute{Key: "crossorigin", Val: "anonymous"})
	}
	n.Attr = append(n.Attr, html.Attribute{Key: "src", Val: src})

	img := &Image{node: n, doc: d, detached: true}
	return img, img.load(ctx)
}

// RenderOptions controls Render.
type RenderOptions struct {
	// InlineBlobs writes object URLs as data: URIs so the output is
	// self-contained.
	InlineBlobs bool
}

// Render serializes the document as HTML.
func (d *Document) Render(w io.Writer, opts RenderOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !opts.InlineBlobs {
		return html.Render(w, d.root)
	}

	type swap struct {
		attr *html.Attribute
		orig string
	}
	var swaps []swap
	walk(d.root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		for i := range n.Attr {
			a := &n.Attr[i]
			if (a.Key == "src" || a.Key == AttrOriginalSrc) && IsBlobURL(a.Val) {
				if blob, ok := d.blobs.Resolve(a.Val); ok {
					swaps = append(swaps, swap{attr: a, orig: a.Val})
					a.Val = EncodeDataURI(blob.Data, blob.ContentType)
				}
			}
		}
		return true
	})
	defer func() {
		for _, s := range swaps {
			s.attr.Val = s.orig
		}
	}()
	return html.Render(w, d.root)
}

// walk visits n and its descendants depth-first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}
