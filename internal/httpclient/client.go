// Package httpclient provides the HTTP client used to talk to upstream registries.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/collection-registry/pkg/versions"
)

const (
	// DefaultTimeout bounds a whole Get, and the wait for response headers of a Download
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts is the number of tries for a request that fails transiently
	DefaultMaxAttempts = 3

	// MaxResponseSize bounds the body read by Get
	MaxResponseSize = 100 * 1024 * 1024
)

// UserAgent is sent with every request
var UserAgent = "collection-registry/" + versions.Version

// Client fetches documents and artifacts from upstream registries
type Client interface {
	// Get fetches a JSON document, reading at most MaxResponseSize bytes
	Get(ctx context.Context, url string) ([]byte, error)
	// Download opens a streaming download. The caller must close the body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithMaxAttempts sets how many times a request is tried. Values below one are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *DefaultClient) {
		if n > 0 {
			c.maxAttempts = uint(n)
		}
	}
}

// WithRetryInterval sets the first wait between attempts. Later waits grow exponentially.
func WithRetryInterval(d time.Duration) Option {
	return func(c *DefaultClient) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// DefaultClient is the net/http implementation of Client. Connection failures,
// 429 and 5xx responses are retried with exponential backoff.
type DefaultClient struct {
	client        *http.Client
	timeout       time.Duration
	maxAttempts   uint
	retryInterval time.Duration
}

// NewDefaultClient creates a client with the given timeout. Zero selects DefaultTimeout.
// Downloads are not bounded by the timeout once the response headers arrived.
func NewDefaultClient(timeout time.Duration, opts ...Option) *DefaultClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	c := &DefaultClient{
		client:        &http.Client{Transport: transport},
		timeout:       timeout,
		maxAttempts:   DefaultMaxAttempts,
		retryInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get implements Client
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, url, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %.2f MB",
			resp.ContentLength, float64(MaxResponseSize)/(1024*1024))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeds maximum allowed size of %.2f MB",
			float64(MaxResponseSize)/(1024*1024))
	}
	return data, nil
}

// Download implements Client
func (c *DefaultClient) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, url, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *DefaultClient) do(ctx context.Context, url, accept string) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = 10 * c.retryInterval

	attempt := 0
	return backoff.Retry(ctx, func() (*http.Response, error) {
		attempt++
		resp, err := c.once(ctx, url, accept)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		slog.DebugContext(ctx, "Upstream request failed", "url", url, "attempt", attempt, "error", err)
		return nil, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.maxAttempts))
}

func (c *DefaultClient) once(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		message := string(body)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, NewHTTPError(resp.StatusCode, url, message)
	}
	return resp, nil
}

// retryable reports whether a failed attempt may succeed when repeated
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	var opErr *net.OpError
	return errors.As(err, &netErr) || errors.As(err, &opErr)
}
