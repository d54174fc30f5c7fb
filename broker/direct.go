// Package broker performs privileged image fetches: requests made outside
// the page, without its credentials, and so not subject to its cross-origin
// restrictions.
//
// direct.go implements the in-process fetcher. server.go exposes the same
// fetcher over HTTP and client.go consumes it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dustin/go-humanize"

	"upscaler/core"
)

// DefaultContentType is reported when the upstream response has none.
const DefaultContentType = "application/octet-stream"

var (
	// ErrInvalidURL is returned for empty or non-http(s) URLs.
	ErrInvalidURL = errors.New("broker: URL must be http or https")

	// ErrTooLarge is returned when the body exceeds the configured limit.
	ErrTooLarge = errors.New("broker: response exceeds size limit")
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker: HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Direct downloads images with its own HTTP client.
//
// Thread Safety: Direct is safe for concurrent use.
type Direct struct {
	client   *http.Client
	maxBytes int64
}

// NewDirect creates a fetcher using the TLS and timeout settings from cfg.
// cfg may be nil.
func NewDirect(cfg *core.Config) *Direct {
	maxBytes := int64(core.DefaultMaxImageBytes)
	if cfg != nil && cfg.MaxImageBytes > 0 {
		maxBytes = cfg.MaxImageBytes
	}
	return NewDirectWithClient(core.GetDefaultHTTPClient(cfg), maxBytes)
}

// NewDirectWithClient creates a fetcher with an explicit client. The client's
// cookie jar is never used.
func NewDirectWithClient(client *http.Client, maxBytes int64) *Direct {
	c := *client
	c.Jar = nil
	return &Direct{client: &c, maxBytes: maxBytes}
}

// FetchImage downloads rawURL and returns its bytes and content type.
// Requests carry no cookies and no Referer.
func (d *Direct) FetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", ErrInvalidURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("broker: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.5")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("broker: failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	var r io.Reader = resp.Body
	if d.maxBytes > 0 {
		r = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("broker: failed to read image data: %w", err)
	}
	if d.maxBytes > 0 && int64(len(data)) > d.maxBytes {
		return nil, "", fmt.Errorf("%w (%s)", ErrTooLarge, humanize.IBytes(uint64(d.maxBytes)))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	return data, contentType, nil
}
