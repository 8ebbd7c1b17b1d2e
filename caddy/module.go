// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package caddy provides the greedy image proxy as a Caddy module.
package caddy

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	caddy "github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/dustin/go-humanize"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"
	"go.uber.org/zap"

	"github.com/greedyproxy/greedy"
	"github.com/greedyproxy/greedy/internal/weightedcache"
)

const (
	defaultCapacity = 1 << 30
	defaultTimeout  = 30 * time.Second
)

func init() {
	caddy.RegisterModule(Greedy{})
	httpcaddyfile.RegisterHandlerDirective("greedy", parseCaddyfile)
}

type Greedy struct {
	// Whitelist is the set of hosts images may be fetched from.
	Whitelist []string `json:"whitelist,omitempty"`

	// Capacity is the size in bytes of the in-memory cache.
	Capacity int64 `json:"capacity,omitempty"`

	// Cache is an optional disk directory used as a second tier.
	Cache string `json:"cache,omitempty"`

	Timeout   caddy.Duration `json:"timeout,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`

	// DisableCoalesce turns off sharing of concurrent loads for a key.
	DisableCoalesce bool `json:"disable_coalesce,omitempty"`

	logger *zap.Logger
	cache  *weightedcache.Cache
	router http.Handler
}

// interface guard
var (
	_ caddy.Provisioner           = (*Greedy)(nil)
	_ caddy.CleanerUpper          = (*Greedy)(nil)
	_ caddyhttp.MiddlewareHandler = (*Greedy)(nil)
)

// CaddyModule returns the Caddy module information.
func (Greedy) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.greedy",
		New: func() caddy.Module { return new(Greedy) },
	}
}

func (g *Greedy) Provision(ctx caddy.Context) error {
	g.logger = ctx.Logger()

	tier, err := parseCache(g.Cache)
	if err != nil {
		return err
	}
	capacity := g.Capacity
	if capacity == 0 {
		capacity = defaultCapacity
	}
	g.cache, err = weightedcache.New(weightedcache.Options{
		MaxCapacity: capacity,
		Tier:        tier,
		Logger:      g.logger.Named("cache"),
	})
	if err != nil {
		return err
	}

	timeout := time.Duration(g.Timeout)
	if timeout == 0 {
		timeout = defaultTimeout
	}
	fetcher := greedy.NewHTTPFetcher(nil, timeout)
	if g.UserAgent != "" {
		fetcher.UserAgent = g.UserAgent
	}

	p := greedy.NewProxy(greedy.NewWhitelist(g.Whitelist, g.logger), g.cache, fetcher, g.logger)
	p.Coalesce = !g.DisableCoalesce
	g.router = p.Router()
	return nil
}

func (g *Greedy) Cleanup() error {
	if g.cache != nil {
		g.cache.Close()
	}
	return nil
}

func (g *Greedy) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	g.router.ServeHTTP(w, r)
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	g := new(Greedy)

	h.Next() // consume the directive name
	for nesting := h.Nesting(); h.NextBlock(nesting); {
		key := h.Val()
		if !h.NextArg() {
			return nil, h.ArgErr()
		}
		val := h.Val()

		switch key {
		case "whitelist":
			g.Whitelist = append(g.Whitelist, strings.Split(val, ",")...)
		case "capacity":
			n, err := humanize.ParseBytes(val)
			if err != nil || n == 0 || n > math.MaxInt64 {
				return nil, h.Errf("invalid capacity %q", val)
			}
			g.Capacity = int64(n)
		case "cache":
			g.Cache = val
		case "timeout":
			d, err := caddy.ParseDuration(val)
			if err != nil {
				return nil, h.Errf("invalid timeout %q: %v", val, err)
			}
			g.Timeout = caddy.Duration(d)
		case "user_agent":
			g.UserAgent = val
		case "coalesce":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, h.Errf("invalid coalesce %q", val)
			}
			g.DisableCoalesce = !b
		default:
			return nil, h.Errf("unrecognized subdirective %q", key)
		}
	}
	return g, nil
}

// parseCache returns the disk tier for c, or nil if c is empty.
func parseCache(c string) (httpcache.Cache, error) {
	if c == "" {
		return nil, nil
	}

	u, err := url.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache: %w", err)
	}

	switch u.Scheme {
	case "file":
		return diskCache(u.Path), nil
	case "":
		return diskCache(c), nil
	default:
		return nil, fmt.Errorf("unsupported cache %q", c)
	}
}

func diskCache(path string) *diskcache.Cache {
	d := diskv.New(diskv.Options{
		BasePath: path,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return diskcache.NewWithDiskv(d)
}
