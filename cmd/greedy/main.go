// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// greedy starts an HTTP server that proxies, transforms and caches remote
// images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/PaulARoy/azurestoragecache"
	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	aia "github.com/fcjr/aia-transport-go"
	"github.com/gomodule/redigo/redis"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	rediscache "github.com/gregjones/httpcache/redis"
	"github.com/peterbourgon/diskv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/greedyproxy/greedy"
	"github.com/greedyproxy/greedy/internal/gcscache"
	"github.com/greedyproxy/greedy/internal/s3cache"
	"github.com/greedyproxy/greedy/internal/weightedcache"
)

// default size of a memory tier, in megabytes
const defaultMemorySize = 100

func main() {
	var c config
	registerFlags(flag.CommandLine, &c)
	if err := loadConfig(flag.CommandLine, &c, os.Args[1:], os.LookupEnv); err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(c.Verbose)
	if err != nil {
		log.Fatalf("error creating logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(c, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(c config, logger *zap.Logger) error {
	tier, err := c.Cache.build(logger)
	if err != nil {
		return err
	}

	cache, err := weightedcache.New(weightedcache.Options{
		MaxCapacity: c.Capacity,
		Tier:        tier,
		Logger:      logger.Named("cache"),
	})
	if err != nil {
		return err
	}
	defer cache.Close()
	prometheus.MustRegister(greedy.NewCacheCollector(cache))

	var transport http.RoundTripper
	if c.AIA {
		tr, err := aia.NewTransport()
		if err != nil {
			return fmt.Errorf("error creating transport: %w", err)
		}
		transport = tr
	}
	fetcher := greedy.NewHTTPFetcher(transport, c.Timeout)
	fetcher.UserAgent = c.UserAgent

	p := greedy.NewProxy(greedy.NewWhitelist(c.Whitelist, logger), cache, fetcher, logger)
	p.Coalesce = c.Coalesce

	server := &http.Server{
		Addr:    c.Addr,
		Handler: p.Router(),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: c.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("greedy listening",
			zap.String("addr", server.Addr),
			zap.Strings("whitelist", c.Whitelist),
			zap.Int64("capacity", c.Capacity))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// tieredCache allows specifying multiple second tier caches via flags, which
// are chained using the twotier package.
type tieredCache struct {
	locations []string
}

func (tc *tieredCache) String() string {
	return strings.Join(tc.locations, " ")
}

func (tc *tieredCache) Set(value string) error {
	for _, v := range strings.Fields(value) {
		if _, err := url.Parse(v); err != nil {
			return fmt.Errorf("error parsing cache flag: %w", err)
		}
		tc.locations = append(tc.locations, v)
	}
	return nil
}

// build returns the cache chain for the configured locations, or nil if
// there are none.
func (tc *tieredCache) build(logger *zap.Logger) (httpcache.Cache, error) {
	var cache httpcache.Cache
	for _, v := range tc.locations {
		c, err := parseCache(v, logger)
		if err != nil {
			return nil, err
		}
		if cache == nil {
			cache = c
		} else {
			cache = twotier.New(cache, c)
		}
	}
	return cache, nil
}

// parseCache parses c and returns the specified Cache implementation.
func parseCache(c string, logger *zap.Logger) (httpcache.Cache, error) {
	if c == "memory" {
		c = fmt.Sprintf("memory:%d", defaultMemorySize)
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache flag: %w", err)
	}

	switch u.Scheme {
	case "azure":
		return azurestoragecache.New("", "", u.Host)
	case "gcs":
		return gcscache.New(u.Host, strings.TrimPrefix(u.Path, "/"), logger.Named("gcs"))
	case "memory":
		return lruCache(u.Opaque)
	case "redis":
		conn, err := redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err != nil {
			return nil, err
		}
		return rediscache.NewWithClient(conn), nil
	case "s3":
		return s3cache.New(u.String(), logger.Named("s3"))
	case "file":
		return diskCache(u.Path), nil
	default:
		return diskCache(c), nil
	}
}

// lruCache creates an LRU Cache with the specified options of the form
// "maxSize:maxAge".  maxSize is specified in megabytes, maxAge is a duration.
func lruCache(options string) (*lrucache.LruCache, error) {
	parts := strings.SplitN(options, ":", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}

	var age time.Duration
	if len(parts) > 1 {
		age, err = time.ParseDuration(parts[1])
		if err != nil {
			return nil, err
		}
	}

	return lrucache.New(size*1e6, int64(age.Seconds())), nil
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
