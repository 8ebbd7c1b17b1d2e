// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/greedyproxy/greedy/internal/envy"
)

const envPrefix = "GREEDY"

const defaultCapacity = 1 << 30

// config holds the server settings.  Values come from, in order of
// precedence, command line flags, GREEDY_* environment variables, the YAML
// file named by -config, and the flag defaults.
type config struct {
	Addr      string
	Whitelist []string
	Capacity  int64
	Cache     tieredCache
	Timeout   time.Duration
	Coalesce  bool
	AIA       bool
	UserAgent string
	Verbose   bool

	file string
}

// registerFlags defines a flag for every config field on fs.
func registerFlags(fs *flag.FlagSet, c *config) {
	c.Capacity = defaultCapacity

	fs.StringVar(&c.Addr, "addr", "localhost:8080", "TCP address to listen on")
	fs.Var((*hostList)(&c.Whitelist), "whitelist", "comma separated list of allowed remote hosts")
	fs.Var((*byteSize)(&c.Capacity), "capacity", "maximum size of the in-memory cache, such as 512MiB or 1GiB")
	fs.Var(&c.Cache, "cache", "space separated list of second tier cache locations")
	fs.DurationVar(&c.Timeout, "timeout", 30*time.Second, "time limit for fetching remote images")
	fs.BoolVar(&c.Coalesce, "coalesce", true, "share one fetch between concurrent requests for the same image")
	fs.BoolVar(&c.AIA, "aia", true, "fetch missing intermediate certificates of remote hosts")
	fs.StringVar(&c.UserAgent, "userAgent", "greedy", "user agent used when fetching remote images")
	fs.BoolVar(&c.Verbose, "verbose", false, "print verbose logging messages")
	fs.StringVar(&c.file, "config", "", "YAML file with default settings")
}

// loadConfig parses args into fs, then fills flags not given on the command
// line from the environment and from the config file.
func loadConfig(fs *flag.FlagSet, c *config, args []string, lookup func(string) (string, bool)) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := envy.Update(envPrefix, fs, lookup); err != nil {
		return err
	}
	if c.file == "" {
		return nil
	}

	b, err := os.ReadFile(c.file)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	fc, err := parseFileConfig(b)
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", c.file, err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	for name, value := range fc.values() {
		if set[name] {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("invalid %s in config file: %w", name, err)
		}
	}
	return nil
}

// fileConfig is the YAML form of config.  Absent keys leave the flag alone.
type fileConfig struct {
	Addr      *string  `yaml:"addr"`
	Whitelist []string `yaml:"whitelist"`
	Capacity  *string  `yaml:"capacity"`
	Cache     []string `yaml:"cache"`
	Timeout   *string  `yaml:"timeout"`
	Coalesce  *bool    `yaml:"coalesce"`
	AIA       *bool    `yaml:"aia"`
	UserAgent *string  `yaml:"userAgent"`
	Verbose   *bool    `yaml:"verbose"`
}

func parseFileConfig(b []byte) (fileConfig, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, err
	}
	return fc, nil
}

// values returns the flag values set in fc, keyed by flag name.
func (fc fileConfig) values() map[string]string {
	v := make(map[string]string)
	str := func(name string, s *string) {
		if s != nil {
			v[name] = *s
		}
	}
	boolean := func(name string, b *bool) {
		if b != nil {
			v[name] = strconv.FormatBool(*b)
		}
	}

	str("addr", fc.Addr)
	str("capacity", fc.Capacity)
	str("timeout", fc.Timeout)
	str("userAgent", fc.UserAgent)
	boolean("coalesce", fc.Coalesce)
	boolean("aia", fc.AIA)
	boolean("verbose", fc.Verbose)
	if len(fc.Whitelist) > 0 {
		v["whitelist"] = strings.Join(fc.Whitelist, ",")
	}
	if len(fc.Cache) > 0 {
		v["cache"] = strings.Join(fc.Cache, " ")
	}
	return v
}

// hostList is a flag.Value holding a comma separated list of hosts.
type hostList []string

func (h *hostList) String() string {
	return strings.Join(*h, ",")
}

func (h *hostList) Set(value string) error {
	for _, host := range strings.Split(value, ",") {
		if host = strings.TrimSpace(host); host != "" {
			*h = append(*h, host)
		}
	}
	return nil
}

// byteSize is a flag.Value holding a size in bytes.
type byteSize int64

func (b *byteSize) String() string {
	return strconv.FormatInt(int64(*b), 10)
}

func (b *byteSize) Set(value string) error {
	n, err := parseBytes(value)
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

// parseBytes parses a size such as "1024", "512MiB" or "1g".  Suffixes are
// those of go-humanize: k, m, g and t (with an optional b) are powers of
// 1000, while ki, mi, gi and ti (with an optional b) are powers of 1024.
func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil || n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(n), nil
}
