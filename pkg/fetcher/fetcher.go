// Package fetcher is the HTTP transport used to exchange signed requests
// with the key service.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"keyfeed/pkg/version"
)

// Response is the outcome of a completed HTTP exchange. The body is fully
// read and the connection released before Response is returned.
type Response struct {
	StatusCode int
	Body       []byte
}

// Fetcher posts serialized requests to the key service. Implementations
// must be safe for concurrent use.
type Fetcher interface {
	Post(ctx context.Context, url string, body []byte) (Response, error)
}

const (
	// DefaultTimeout bounds one whole exchange, connection setup included.
	DefaultTimeout = time.Minute

	// maxResponseBodySize guards against a misbehaving server streaming
	// an endless body.
	maxResponseBodySize = 10 * 1024 * 1024
)

// Client is the default Fetcher on top of net/http.
type Client struct {
	client *http.Client
}

var _ Fetcher = (*Client)(nil)

// New returns a Client with the given timeout per exchange; zero or negative
// means DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{client: &http.Client{Timeout: timeout}}
}

// Post sends body as JSON and returns the HTTP status and response body.
// Non-2xx statuses are not an error here; classification is up to the
// caller.
func (c *Client) Post(ctx context.Context, url string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Response{}, fmt.Errorf("reading response body: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}
