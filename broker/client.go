package broker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"upscaler/core"
)

// RemoteError is a failure reported by the broker service.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "broker: remote fetch failed: " + e.Message
}

// Client calls a broker Server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the broker at baseURL.
func NewClient(baseURL string, cfg *core.Config) *Client {
	return NewClientWithHTTP(baseURL, core.GetDefaultHTTPClient(cfg))
}

// NewClientWithHTTP creates a client with an explicit HTTP client.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// FetchImage asks the broker for rawURL.
func (c *Client) FetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	body, err := json.Marshal(FetchRequest{URL: rawURL})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fetch", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("broker: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("broker: request failed: %w", err)
	}
	defer resp.Body.Close()

	var out FetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("broker: invalid response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, "", &RemoteError{Message: msg}
	}

	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return nil, "", fmt.Errorf("broker: invalid image data: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("broker: empty image data")
	}
	return data, out.ContentType, nil
}

// Ping checks GET /healthz.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker: health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker: health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}
