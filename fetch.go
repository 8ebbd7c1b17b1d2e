// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maximum size of a remote image, in bytes
const defaultMaxSize = 64 << 20

// A Fetcher retrieves the raw bytes of a remote image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts an ordinary function to a Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f(ctx, url).
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// HTTPFetcher fetches remote images over HTTP.  Each fetch is a single
// attempt.
type HTTPFetcher struct {
	Client *http.Client

	// UserAgent is sent with every remote request, if not empty.
	UserAgent string

	// MaxSize is the largest response body accepted, in bytes.  Zero means
	// a default of 64 MiB.
	MaxSize int64
}

// NewHTTPFetcher returns an HTTPFetcher using transport, or
// http.DefaultTransport if nil.  A timeout of zero means no time limit.
func NewHTTPFetcher(transport http.RoundTripper, timeout time.Duration) *HTTPFetcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPFetcher{
		Client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: remote URL %q returned status: %v", ErrDownload, url, resp.Status)
	}

	max := f.MaxSize
	if max <= 0 {
		max = defaultMaxSize
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%w: remote image exceeds %d bytes", ErrDownload, max)
	}
	return b, nil
}
