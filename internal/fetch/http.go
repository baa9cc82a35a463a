package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zach-source/idleguard/internal/config"
)

// maxPayload bounds the settings body the daemon will read.
const maxPayload = 1 << 20

// HTTP fetches settings with a GET request returning JSON.
type HTTP struct {
	url    string
	header http.Header
	client *http.Client
}

// HTTPOption customises an HTTP fetcher.
type HTTPOption func(*HTTP)

// WithHeader adds a request header, e.g. an API key.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) { h.header.Add(key, value) }
}

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

func NewHTTP(url string, timeout time.Duration, opts ...HTTPOption) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := &HTTP{
		url:    url,
		header: make(http.Header),
		client: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Fetch(ctx context.Context) (*config.RemoteSettings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build settings request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settings request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("settings service returned %d: %w", resp.StatusCode, ErrNoSettings)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("settings service returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, fmt.Errorf("read settings response: %w", err)
	}
	if len(body) == 0 {
		return nil, ErrNoSettings
	}
	return Decode(body, ".json")
}
