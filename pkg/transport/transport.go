// Package transport is the low-level HTTP layer shared by the XML method
// channel and the REST channel. It owns per-request timeouts, transparent
// gzip/deflate decompression and optional client-side rate limiting; request
// signing happens above it.
package transport

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Doer is the transport contract the SDK depends on. *Client satisfies it,
// and tests substitute fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the transport.
type Config struct {
	// Timeout bounds each request end to end. Default 30s.
	Timeout time.Duration

	// RequestsPerSecond enables client-side rate limiting when > 0. Burst
	// defaults to the ceiling of RequestsPerSecond.
	RequestsPerSecond float64
	Burst             int

	// UserAgent is sent on every request.
	UserAgent string
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "healthlink-go/1.0",
	}
}

// Client dispatches HTTP requests with decompression and rate limiting.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// New creates a transport client from cfg.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond + 1)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				// Compression is negotiated and decoded here so the signing
				// layer always hashes the identity body.
				DisableCompression:  true,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:   limiter,
		userAgent: cfg.UserAgent,
	}
}

// Do sends the request. The returned response body is already decompressed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: send request: %w", err)
	}

	if err := decompress(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// decompress swaps the response body for a decoding reader when the server
// compressed it.
func decompress(resp *http.Response) error {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("transport: gzip response: %w", err)
		}
		resp.Body = &wrappedBody{reader: gz, underlying: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.ContentLength = -1
	case "deflate":
		fl := flate.NewReader(resp.Body)
		resp.Body = &wrappedBody{reader: fl, underlying: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.ContentLength = -1
	}
	return nil
}

// wrappedBody closes both the decoder and the underlying connection body.
type wrappedBody struct {
	reader     io.ReadCloser
	underlying io.ReadCloser
}

func (w *wrappedBody) Read(p []byte) (int, error) { return w.reader.Read(p) }

func (w *wrappedBody) Close() error {
	if err := w.reader.Close(); err != nil {
		w.underlying.Close()
		return err
	}
	return w.underlying.Close()
}
