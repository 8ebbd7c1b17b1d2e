// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Format is an output image format that can be requested explicitly.
type Format int

// Supported output formats.
const (
	Avif Format = iota + 1
	Png
	Webp
)

// formats maps each Format to its canonical name and content type.
var formats = []struct {
	format      Format
	name        string
	contentType string
}{
	{Avif, "avif", "image/avif"},
	{Png, "png", "image/png"},
	{Webp, "webp", "image/webp"},
}

// ParseFormat returns the Format with the canonical name s.
func ParseFormat(s string) (Format, error) {
	for _, f := range formats {
		if f.name == s {
			return f.format, nil
		}
	}
	return 0, fmt.Errorf("unknown format %q", s)
}

// String returns the canonical lowercase name of f.
func (f Format) String() string {
	for _, e := range formats {
		if e.format == f {
			return e.name
		}
	}
	return "Format(" + strconv.Itoa(int(f)) + ")"
}

// ContentType returns the MIME type served for images encoded as f.
func (f Format) ContentType() string {
	for _, e := range formats {
		if e.format == f {
			return e.contentType
		}
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	for _, e := range formats {
		if e.format == f {
			return []byte(e.name), nil
		}
	}
	return nil, fmt.Errorf("unknown format %d", int(f))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(text []byte) error {
	v, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Dimension is a requested resize target.  A nil axis is derived from the
// other one, preserving the aspect ratio of the source image.
type Dimension struct {
	Width  *int
	Height *int
}

// IsZero reports whether no resize was requested.
func (d Dimension) IsZero() bool {
	return d.Width == nil && d.Height == nil
}

func (d Dimension) String() string {
	return axisPart(d.Width) + "x" + axisPart(d.Height)
}

const original = "original"

func axisPart(v *int) string {
	if v == nil {
		return original
	}
	return strconv.Itoa(*v)
}

// CacheKey returns the cache key for the image at url transformed to dim and
// format.  Absent values render as "original".
func CacheKey(url string, dim Dimension, format *Format) string {
	formatPart := original
	if format != nil {
		formatPart = format.String()
	}
	return url + "_" + axisPart(dim.Width) + "_" + axisPart(dim.Height) + "_" + formatPart
}

// Options specifies transformations that can be performed on a requested
// image.
type Options struct {
	Format    *Format
	Dimension Dimension
}

func (o Options) String() string {
	f := original
	if o.Format != nil {
		f = o.Format.String()
	}
	return o.Dimension.String() + "," + f
}

// ParseOptions reads the format, width and height parameters from q.  Absent
// parameters stay nil; present ones must be valid.
func ParseOptions(q url.Values) (Options, error) {
	var o Options

	if v := q.Get("format"); v != "" {
		f, err := ParseFormat(v)
		if err != nil {
			return o, RequestError{"format", err.Error()}
		}
		o.Format = &f
	}

	var err error
	if o.Dimension.Width, err = parseAxis(q, "width"); err != nil {
		return o, err
	}
	if o.Dimension.Height, err = parseAxis(q, "height"); err != nil {
		return o, err
	}
	return o, nil
}

func parseAxis(q url.Values, name string) (*int, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return nil, RequestError{name, fmt.Sprintf("must be a positive integer, got %q", v)}
	}
	return &n, nil
}

// Request is an image request: the remote URL to proxy and the
// transformations to apply to it.
type Request struct {
	URL     string
	Options Options
}

func (r Request) String() string {
	return r.URL + "#" + r.Options.String()
}

// Key returns the cache key for r.
func (r Request) Key() string {
	return CacheKey(r.URL, r.Options.Dimension, r.Options.Format)
}

// transformParams are consumed by the proxy; all other query parameters are
// part of the remote URL.
var transformParams = []string{"format", "width", "height"}

// NewRequest parses an http.Request into an image request.  The remote URL is
// everything in the path after prefix.  prefix must include the leading
// slash, e.g. "/" or "/preload/".
func NewRequest(r *http.Request, prefix string) (Request, error) {
	path := r.URL.EscapedPath()
	if !strings.HasPrefix(path, prefix) {
		return Request{}, RequestError{"url", "missing remote url"}
	}
	remote, err := url.PathUnescape(strings.TrimPrefix(path, prefix))
	if err != nil {
		return Request{}, RequestError{"url", err.Error()}
	}
	if remote == "" {
		return Request{}, RequestError{"url", "missing remote url"}
	}

	opt, err := ParseOptions(r.URL.Query())
	if err != nil {
		return Request{}, err
	}

	if query := remoteQuery(r.URL.RawQuery); query != "" {
		remote += "?" + query
	}

	return Request{URL: remote, Options: opt}, nil
}

// remoteQuery removes the transform parameters from rawQuery.  The remaining
// pairs keep their order and escaping, since origins may sign them.
func remoteQuery(rawQuery string) string {
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		name, _, _ := strings.Cut(pair, "=")
		if n, err := url.QueryUnescape(name); err == nil && slices.Contains(transformParams, n) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}
