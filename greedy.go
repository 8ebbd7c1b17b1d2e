// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package greedy provides an image proxy that fetches remote images once,
// transforms them and keeps the results in a size bounded cache.  For typical
// use of creating and using a Proxy, see cmd/greedy/main.go.
package greedy // import "github.com/greedyproxy/greedy"

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache is the store of transformed images used by a Proxy.  Implementations
// must be safe for concurrent use.  Inserts may be applied asynchronously;
// RunPendingTasks applies any outstanding work.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Insert(key string, value []byte)
	RunPendingTasks()
	CacheStats
}

// Image is a transformed image ready to be served.
type Image struct {
	Bytes       []byte
	ContentType string

	// Cached reports whether the image was served from the cache.
	Cached bool
}

// Proxy serves image requests.
//
// Note that a Proxy should not be run behind a http.ServeMux, since the
// ServeMux aggressively cleans URLs and removes the double slash in the
// embedded request URL.  Use Router instead.
type Proxy struct {
	Whitelist Whitelist
	Cache     Cache
	Fetcher   Fetcher
	Logger    *zap.Logger

	// Coalesce makes concurrent misses for the same cache key share a
	// single fetch and transform.
	Coalesce bool

	group singleflight.Group
}

// NewProxy constructs a new proxy.  If fetcher is nil, images are fetched
// with http.DefaultTransport and no timeout.
func NewProxy(whitelist Whitelist, cache Cache, fetcher Fetcher, logger *zap.Logger) *Proxy {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		Whitelist: whitelist,
		Cache:     cache,
		Fetcher:   fetcher,
		Logger:    logger,
		Coalesce:  true,
	}
}

func (p *Proxy) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Serve returns the image for req, from the cache if present, otherwise by
// fetching and transforming the remote image.  Hosts not on the whitelist are
// rejected before any cache lookup or fetch.
func (p *Proxy) Serve(ctx context.Context, req Request) (*Image, error) {
	if err := p.Whitelist.Check(req.URL); err != nil {
		return nil, err
	}

	key := req.Key()
	if b, ok := p.Cache.Get(ctx, key); ok {
		requestServedFromCacheCount.Inc()
		ct, err := ContentType(req.Options.Format, b)
		if err != nil {
			return nil, err
		}
		return &Image{Bytes: b, ContentType: ct, Cached: true}, nil
	}

	return p.load(ctx, req, key)
}

// Preload makes sure the image for req is in the cache.  It does nothing if
// the image is already cached.
func (p *Proxy) Preload(ctx context.Context, req Request) error {
	if err := p.Whitelist.Check(req.URL); err != nil {
		return err
	}

	key := req.Key()
	if _, ok := p.Cache.Get(ctx, key); ok {
		return nil
	}

	_, err := p.load(ctx, req, key)
	return err
}

// load fetches and transforms the image for req and stores it under key.
func (p *Proxy) load(ctx context.Context, req Request, key string) (*Image, error) {
	if !p.Coalesce {
		return p.fetchAndTransform(ctx, req, key)
	}

	// the shared call must not fail because the first caller went away
	sharedCtx := context.WithoutCancel(ctx)
	v, err, shared := p.group.Do(key, func() (interface{}, error) {
		return p.fetchAndTransform(sharedCtx, req, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger().Debug("coalesced image request", zap.String("key", key))
	}
	img := *v.(*Image)
	return &img, nil
}

func (p *Proxy) fetchAndTransform(ctx context.Context, req Request, key string) (*Image, error) {
	logger := p.logger().With(zap.String("url", req.URL), zap.String("key", key))

	logger.Debug("fetching remote image")
	src, err := p.Fetcher.Fetch(ctx, req.URL)
	if err != nil {
		remoteImageFetchErrors.Inc()
		logger.Error("error fetching remote image", zap.Error(err))
		return nil, err
	}

	start := time.Now()
	b, err := Transform(src, BuildOperations(req.Options.Format, req.Options.Dimension))
	if err != nil {
		imageTransformationErrors.Inc()
		logger.Error("error transforming image", zap.Stringer("options", req.Options), zap.Error(err))
		return nil, err
	}
	imageTransformationSummary.Observe(time.Since(start).Seconds())

	ct, err := ContentType(req.Options.Format, b)
	if err != nil {
		logger.Error("unable to determine content type", zap.Error(err))
		return nil, err
	}

	p.Cache.Insert(key, b)
	return &Image{Bytes: b, ContentType: ct}, nil
}
