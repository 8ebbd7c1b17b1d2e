// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/greedyproxy/greedy/internal/weightedcache"
)

// countingFetcher serves a fixed image and counts how often it is called.
type countingFetcher struct {
	img   []byte
	err   error
	calls atomic.Int32

	// release, if set, blocks each fetch until closed
	release chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.img, f.err
}

func newTestCache(t *testing.T) *weightedcache.Cache {
	t.Helper()
	c, err := weightedcache.New(weightedcache.Options{MaxCapacity: 64 << 20})
	if err != nil {
		t.Fatalf("weightedcache.New returned error: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func newTestProxy(t *testing.T, f Fetcher) *Proxy {
	t.Helper()
	return NewProxy(NewWhitelist([]string{"good.test"}, nil), newTestCache(t), f, nil)
}

func TestProxy_Serve_MissThenHit(t *testing.T) {
	src := encodePNG(t, newImage(100, 50, red))
	f := &countingFetcher{img: src}
	p := newTestProxy(t, f)
	ctx := context.Background()

	req := Request{
		URL:     "http://good.test/a.png",
		Options: Options{Dimension: Dimension{Width: intp(50)}},
	}

	img, err := p.Serve(ctx, req)
	if err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	if img.Cached {
		t.Errorf("first Serve reported a cached image")
	}
	if img.ContentType != "image/png" {
		t.Errorf("Serve returned content type %q, want image/png", img.ContentType)
	}
	if _, w, h := decodeConfig(t, img.Bytes); w != 50 || h != 25 {
		t.Errorf("Serve returned %dx%d image, want 50x25", w, h)
	}

	p.Cache.RunPendingTasks()

	again, err := p.Serve(ctx, req)
	if err != nil {
		t.Fatalf("second Serve returned error: %v", err)
	}
	if !again.Cached {
		t.Errorf("second Serve did not report a cached image")
	}
	if !bytes.Equal(again.Bytes, img.Bytes) {
		t.Errorf("second Serve returned different bytes")
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetcher called %d times, want 1", n)
	}
}

func TestProxy_Serve_DistinctKeys(t *testing.T) {
	f := &countingFetcher{img: encodePNG(t, newImage(10, 10, red))}
	p := newTestProxy(t, f)
	ctx := context.Background()

	for _, opt := range []Options{
		{},
		{Format: formatp(Png)},
		{Dimension: Dimension{Width: intp(5)}},
	} {
		if _, err := p.Serve(ctx, Request{URL: "http://good.test/a.png", Options: opt}); err != nil {
			t.Fatalf("Serve(%v) returned error: %v", opt, err)
		}
		p.Cache.RunPendingTasks()
	}

	if n := f.calls.Load(); n != 3 {
		t.Errorf("fetcher called %d times, want 3", n)
	}
	if n := p.Cache.EntryCount(); n != 3 {
		t.Errorf("cache holds %d entries, want 3", n)
	}
}

func TestProxy_Serve_NotAllowed(t *testing.T) {
	f := &countingFetcher{img: encodePNG(t, newImage(1, 1, red))}
	p := newTestProxy(t, f)

	for _, u := range []string{"http://bad.test/a.png", "http://good.test/%zz", "not a url"} {
		if _, err := p.Serve(context.Background(), Request{URL: u}); !errors.Is(err, ErrHostNotAllowed) {
			t.Errorf("Serve(%q) returned error %v, want %v", u, err, ErrHostNotAllowed)
		}
		if err := p.Preload(context.Background(), Request{URL: u}); !errors.Is(err, ErrHostNotAllowed) {
			t.Errorf("Preload(%q) returned error %v, want %v", u, err, ErrHostNotAllowed)
		}
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("fetcher called %d times for disallowed hosts, want 0", n)
	}
}

func TestProxy_Serve_Errors(t *testing.T) {
	tests := []struct {
		fetcher *countingFetcher
		want    error
	}{
		{&countingFetcher{err: fmt.Errorf("%w: boom", ErrDownload)}, ErrDownload},
		{&countingFetcher{err: fmt.Errorf("%w: short read", ErrIO)}, ErrIO},
		{&countingFetcher{img: []byte("<html>")}, ErrInvalidImageFormat},
	}

	for _, tt := range tests {
		p := newTestProxy(t, tt.fetcher)
		req := Request{URL: "http://good.test/a.png", Options: Options{Format: formatp(Webp)}}
		if _, err := p.Serve(context.Background(), req); !errors.Is(err, tt.want) {
			t.Errorf("Serve returned error %v, want %v", err, tt.want)
		}

		// failures are not cached
		p.Cache.RunPendingTasks()
		if n := p.Cache.EntryCount(); n != 0 {
			t.Errorf("cache holds %d entries after failure, want 0", n)
		}
	}
}

func TestProxy_Serve_UnrecognizedPassthrough(t *testing.T) {
	// without operations the bytes are not decoded, but they still must be a
	// servable image
	f := &countingFetcher{img: []byte("plain text")}
	p := newTestProxy(t, f)

	if _, err := p.Serve(context.Background(), Request{URL: "http://good.test/a.txt"}); !errors.Is(err, ErrInvalidImageFormat) {
		t.Errorf("Serve returned error %v, want %v", err, ErrInvalidImageFormat)
	}
	p.Cache.RunPendingTasks()
	if n := p.Cache.EntryCount(); n != 0 {
		t.Errorf("cache holds %d entries, want 0", n)
	}
}

func TestProxy_Preload(t *testing.T) {
	f := &countingFetcher{img: encodePNG(t, newImage(10, 10, red))}
	p := newTestProxy(t, f)
	ctx := context.Background()
	req := Request{URL: "http://good.test/a.png"}

	if err := p.Preload(ctx, req); err != nil {
		t.Fatalf("Preload returned error: %v", err)
	}
	p.Cache.RunPendingTasks()
	if err := p.Preload(ctx, req); err != nil {
		t.Fatalf("second Preload returned error: %v", err)
	}
	img, err := p.Serve(ctx, req)
	if err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	if !img.Cached {
		t.Errorf("Serve after Preload did not report a cached image")
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetcher called %d times, want 1", n)
	}
}

func TestProxy_Coalesce(t *testing.T) {
	for _, coalesce := range []bool{true, false} {
		f := &countingFetcher{
			img:     encodePNG(t, newImage(10, 10, red)),
			release: make(chan struct{}),
		}
		p := newTestProxy(t, f)
		p.Coalesce = coalesce

		const n = 5
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := p.Serve(context.Background(), Request{URL: "http://good.test/a.png"})
				errs <- err
			}()
		}

		// wait for the first fetch to start, then give the others time to
		// reach the cache miss
		for f.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		close(f.release)
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Errorf("coalesce=%v: Serve returned error: %v", coalesce, err)
			}
		}
		calls := f.calls.Load()
		if coalesce && calls != 1 {
			t.Errorf("coalesce=true: fetcher called %d times, want 1", calls)
		}
		if !coalesce && calls != n {
			t.Errorf("coalesce=false: fetcher called %d times, want %d", calls, n)
		}
	}
}

func TestProxy_ServeHTTP(t *testing.T) {
	src := encodePNG(t, newImage(100, 50, red))
	f := &countingFetcher{img: src}
	p := newTestProxy(t, f)
	router := p.Router()

	tests := []struct {
		url         string
		code        int
		contentType string
	}{
		{"/http://good.test/a.png", http.StatusOK, "image/png"},
		{"/http://good.test/a.png?width=10", http.StatusOK, "image/png"},
		{"/http://good.test/a.png?format=webp", http.StatusOK, "image/webp"},
		{"/http://bad.test/a.png", http.StatusForbidden, "application/json"},
		{"/http://good.test/a.png?width=0", http.StatusBadRequest, "application/json"},
		{"/http://good.test/a.png?format=jpeg", http.StatusBadRequest, "application/json"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "http://localhost"+tt.url, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if got := resp.Code; got != tt.code {
			t.Errorf("GET %s returned status %d, want %d: %s", tt.url, got, tt.code, resp.Body)
		}
		if got := resp.Header().Get("Content-Type"); got != tt.contentType {
			t.Errorf("GET %s returned content type %q, want %q", tt.url, got, tt.contentType)
		}
		if resp.Code != http.StatusOK {
			continue
		}
		if got := resp.Header().Get("Cache-Control"); got != "max-age=31536000" {
			t.Errorf("GET %s returned Cache-Control %q", tt.url, got)
		}
		if got, want := resp.Header().Get("Content-Length"), strconv.Itoa(resp.Body.Len()); got != want {
			t.Errorf("GET %s returned Content-Length %s, want %s", tt.url, got, want)
		}
	}
}

func TestProxy_ServeHTTP_Resized(t *testing.T) {
	p := newTestProxy(t, &countingFetcher{img: encodePNG(t, newImage(100, 50, red))})

	req := httptest.NewRequest("GET", "http://localhost/http://good.test/a.png?width=50", nil)
	resp := httptest.NewRecorder()
	p.Router().ServeHTTP(resp, req)

	m, _, err := image.DecodeConfig(resp.Body)
	if err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if m.Width != 50 || m.Height != 25 {
		t.Errorf("response image is %dx%d, want 50x25", m.Width, m.Height)
	}
}

func TestProxy_ServeHTTP_Error(t *testing.T) {
	p := newTestProxy(t, &countingFetcher{err: fmt.Errorf("%w: remote returned 404", ErrDownload)})

	req := httptest.NewRequest("GET", "http://localhost/http://good.test/missing.png", nil)
	resp := httptest.NewRecorder()
	p.Router().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadGateway {
		t.Errorf("returned status %d, want %d", resp.Code, http.StatusBadGateway)
	}
	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if body.Error != ErrDownload.Error() {
		t.Errorf("returned error %q, want %q", body.Error, ErrDownload.Error())
	}
}

func TestProxy_Routes(t *testing.T) {
	f := &countingFetcher{img: encodePNG(t, newImage(10, 10, red))}
	p := newTestProxy(t, f)
	router := p.Router()

	tests := []struct {
		url  string
		code int
		body string
	}{
		{"/", http.StatusTeapot, `{"message":"Hello"}`},
		{"/favicon.ico", http.StatusNoContent, ``},
		{"/preload/http://good.test/a.png?width=5", http.StatusOK, `{"message":"ok"}`},
		{"/preload/http://bad.test/a.png", http.StatusForbidden, `{"error":"host not allowed"}`},
		{"/preload/", http.StatusBadRequest, `{"error":"invalid url: missing remote url"}`},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "http://localhost"+tt.url, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != tt.code {
			t.Errorf("GET %s returned status %d, want %d", tt.url, resp.Code, tt.code)
		}
		if got := string(bytes.TrimSpace(resp.Body.Bytes())); got != tt.body {
			t.Errorf("GET %s returned body %s, want %s", tt.url, got, tt.body)
		}
	}

	// the preload above populated the cache
	p.Cache.RunPendingTasks()
	if _, ok := p.Cache.Get(context.Background(), CacheKey("http://good.test/a.png", Dimension{Width: intp(5)}, nil)); !ok {
		t.Errorf("preloaded image not found in cache")
	}
}

func TestProxy_Stats(t *testing.T) {
	src := encodePNG(t, newImage(10, 10, red))
	p := newTestProxy(t, &countingFetcher{img: src})
	router := p.Router()

	get := func() cacheStats {
		req := httptest.NewRequest("GET", "http://localhost/stats", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("GET /stats returned status %d", resp.Code)
		}
		var s cacheStats
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			t.Fatalf("error decoding stats: %v", err)
		}
		return s
	}

	if s := get(); s.Entries != 0 || s.Size != "0.00 MiB/64 MiB" {
		t.Errorf("empty cache stats = %+v", s)
	}

	// stats flush pending inserts before reporting
	if _, err := p.Serve(context.Background(), Request{URL: "http://good.test/a.png"}); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	if s := get(); s.Entries != 1 {
		t.Errorf("stats reported %d entries, want 1", s.Entries)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		size, capacity int64
		want           string
	}{
		{0, 1 << 30, "0.00 MiB/1024 MiB"},
		{1 << 20, 1 << 30, "1.00 MiB/1024 MiB"},
		{3 << 19, 512 << 20, "1.50 MiB/512 MiB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.size, tt.capacity); got != tt.want {
			t.Errorf("formatSize(%d, %d) returned %q, want %q", tt.size, tt.capacity, got, tt.want)
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
		msg  string
	}{
		{fmt.Errorf("%w: %q", ErrHostNotAllowed, "bad"), http.StatusForbidden, "host not allowed"},
		{fmt.Errorf("%w: 404", ErrDownload), http.StatusBadGateway, "error fetching image"},
		{RequestError{"width", "bad"}, http.StatusBadRequest, "invalid width: bad"},
		{fmt.Errorf("%w: x", ErrConversion), http.StatusInternalServerError, "conversion error"},
		{ErrResizeEmptyDimension, http.StatusInternalServerError, "missing dimensions to resize"},
		{fmt.Errorf("%w: x", ErrInvalidImageFormat), http.StatusInternalServerError, "invalid file format"},
		{fmt.Errorf("%w: x", ErrIO), http.StatusInternalServerError, "io error"},
		{errors.New("something else"), http.StatusInternalServerError, "unknown error"},
	}
	for _, tt := range tests {
		if got := statusCode(tt.err); got != tt.code {
			t.Errorf("statusCode(%v) returned %d, want %d", tt.err, got, tt.code)
		}
		if got := errorMessage(tt.err); got != tt.msg {
			t.Errorf("errorMessage(%v) returned %q, want %q", tt.err, got, tt.msg)
		}
	}
}
