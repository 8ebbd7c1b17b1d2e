// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"bytes"
	"fmt"
)

// signature identifies an image format by the bytes at a fixed offset.
type signature struct {
	offset int
	magic  []byte
}

// sniffTable lists the formats that can be served without an explicit
// format, along with the magic numbers used to recognize them.
var sniffTable = []struct {
	format      string
	contentType string
	signatures  []signature
}{
	{"png", "image/png", []signature{{0, []byte("\x89PNG\r\n\x1a\n")}}},
	{"jpeg", "image/jpeg", []signature{{0, []byte("\xff\xd8\xff")}}},
	{"gif", "image/gif", []signature{{0, []byte("GIF87a")}, {0, []byte("GIF89a")}}},
	{"webp", "image/webp", []signature{{8, []byte("WEBP")}}},
	{"tiff", "image/tiff", []signature{{0, []byte("II*\x00")}, {0, []byte("MM\x00*")}}},
	{"bmp", "image/bmp", []signature{{0, []byte("BM")}}},
	{"ico", "image/x-icon", []signature{{0, []byte("\x00\x00\x01\x00")}}},
	{"avif", "image/avif", []signature{{4, []byte("ftypavif")}, {4, []byte("ftypavis")}}},
}

// guessFormat returns the name of the image format of img, or "" if it is
// not one of the sniffable formats.
func guessFormat(img []byte) string {
	for _, f := range sniffTable {
		for _, sig := range f.signatures {
			if len(img) >= sig.offset+len(sig.magic) && bytes.Equal(img[sig.offset:sig.offset+len(sig.magic)], sig.magic) {
				if f.format == "webp" && !bytes.HasPrefix(img, []byte("RIFF")) {
					continue
				}
				return f.format
			}
		}
	}
	return ""
}

// ContentType returns the MIME type to serve img with.  An explicitly
// requested format determines the type directly; otherwise it is sniffed
// from the image bytes.
func ContentType(requested *Format, img []byte) (string, error) {
	if requested != nil {
		return requested.ContentType(), nil
	}
	format := guessFormat(img)
	for _, f := range sniffTable {
		if f.format == format {
			return f.contentType, nil
		}
	}
	return "", fmt.Errorf("%w: unrecognized image data", ErrInvalidImageFormat)
}
