package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Mode selects how a resource request treats cross-origin responses.
type Mode int

const (
	// ModeNoCORS is a plain page image load. Any 2xx succeeds; a
	// cross-origin response yields a resource that is not origin-clean.
	ModeNoCORS Mode = iota

	// ModeCORS is a script fetch with credentials omitted and no referrer.
	// Cross-origin responses must carry a granting Access-Control-Allow-Origin
	// and a non-empty body.
	ModeCORS

	// ModeAnonymous is an element load with crossorigin="anonymous". The load
	// succeeds on any 2xx; the resource is origin-clean only if CORS was granted.
	ModeAnonymous
)

func (m Mode) String() string {
	switch m {
	case ModeNoCORS:
		return "no-cors"
	case ModeCORS:
		return "cors"
	case ModeAnonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Fetch errors
var (
	ErrFetch             = errors.New("document: fetch failed")
	ErrCORSDenied        = errors.New("document: cross-origin response not granted")
	ErrEmptyBody         = errors.New("document: empty response body")
	ErrTooLarge          = errors.New("document: resource exceeds size limit")
	ErrRevoked           = errors.New("document: object URL not found or revoked")
	ErrUnsupportedScheme = errors.New("document: unsupported URL scheme")
)

// Resource is a fetched image resource.
type Resource struct {
	URL         string
	Data        []byte
	ContentType string

	// OriginClean is false when the bytes came from a cross-origin response
	// that did not grant CORS. Pixels of such a resource must not be read.
	OriginClean bool
}

// FetchError describes a failed resource request.
type FetchError struct {
	URL    string
	Mode   Mode
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s (%s): status %d: %v", e.URL, e.Mode, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Mode, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes every FetchError match ErrFetch.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Fetch loads ref, resolved against the document base, in the given mode.
// data: and blob: URLs are always origin-clean.
func (d *Document) Fetch(ctx context.Context, ref string, mode Mode) (*Resource, error) {
	abs, err := d.Resolve(ref)
	if err != nil {
		return nil, &FetchError{URL: ref, Mode: mode, Err: err}
	}

	switch {
	case IsDataURI(abs):
		data, ct, err := ParseDataURI(abs)
		if err != nil {
			return nil, &FetchError{URL: truncateURL(abs), Mode: mode, Err: err}
		}
		return &Resource{URL: abs, Data: data, ContentType: ct, OriginClean: true}, nil

	case IsBlobURL(abs):
		blob, ok := d.blobs.Resolve(abs)
		if !ok {
			return nil, &FetchError{URL: abs, Mode: mode, Err: ErrRevoked}
		}
		return &Resource{URL: abs, Data: blob.Data, ContentType: blob.ContentType, OriginClean: true}, nil
	}

	u, err := url.Parse(abs)
	if err != nil {
		return nil, &FetchError{URL: abs, Mode: mode, Err: err}
	}
	switch u.Scheme {
	case "http", "https":
		return d.fetchHTTP(ctx, u, mode)
	case "file":
		return d.fetchFile(u, mode)
	default:
		return nil, &FetchError{URL: abs, Mode: mode, Err: ErrUnsupportedScheme}
	}
}

func (d *Document) fetchHTTP(ctx context.Context, u *url.URL, mode Mode) (*Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Mode: mode, Err: err}
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/*;q=0.8,*/*;q=0.5")

	same := d.SameOrigin(u.String())
	client := d.client
	switch mode {
	case ModeNoCORS:
		if d.base != nil && (d.base.Scheme == "http" || d.base.Scheme == "https") {
			req.Header.Set("Referer", d.base.String())
		}
	case ModeCORS, ModeAnonymous:
		if !same {
			req.Header.Set("Origin", d.Origin())
		}
		// credentials omitted
		c := *d.client
		c.Jar = nil
		client = &c
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Mode: mode, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: u.String(), Mode: mode, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	granted := same || corsGranted(resp.Header.Get("Access-Control-Allow-Origin"), d.Origin())
	if mode == ModeCORS && !granted {
		return nil, &FetchError{URL: u.String(), Mode: mode, Status: resp.StatusCode, Err: ErrCORSDenied}
	}

	data, err := readLimited(resp.Body, d.maxBytes)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Mode: mode, Status: resp.StatusCode, Err: err}
	}
	if mode == ModeCORS && len(data) == 0 {
		return nil, &FetchError{URL: u.String(), Mode: mode, Status: resp.StatusCode, Err: ErrEmptyBody}
	}

	return &Resource{
		URL:         u.String(),
		Data:        data,
		ContentType: SniffContentType(resp.Header.Get("Content-Type"), data),
		OriginClean: same || (mode != ModeNoCORS && granted),
	}, nil
}

func (d *Document) fetchFile(u *url.URL, mode Mode) (*Resource, error) {
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Mode: mode, Err: err}
	}
	defer f.Close()

	data, err := readLimited(f, d.maxBytes)
	if err != nil {
		return nil, &FetchError{URL: u.String(), Mode: mode, Err: err}
	}
	return &Resource{
		URL:         u.String(),
		Data:        data,
		ContentType: SniffContentType("", data),
		OriginClean: d.SameOrigin(u.String()),
	}, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

func corsGranted(allowOrigin, origin string) bool {
	allowOrigin = strings.TrimSpace(allowOrigin)
	return allowOrigin == "*" || (allowOrigin != "" && allowOrigin == origin)
}

// SniffContentType returns declared unless it is empty or generic, in
// which case the type is detected from the data.
func SniffContentType(declared string, data []byte) string {
	ct := strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if ct == "" || ct == "application/octet-stream" || ct == "binary/octet-stream" {
		return http.DetectContentType(data)
	}
	return ct
}

func truncateURL(u string) string {
	if len(u) > 64 {
		return u[:64] + "..."
	}
	return u
}
