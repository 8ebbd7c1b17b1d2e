// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // register webp format
	"willnorris.com/go/gifresize"
)

// default compression quality of resized jpegs
const defaultQuality = 95

// maximum distance into image to look for EXIF tags
const maxExifSize = 1 << 20

// encoding parameters for the formats gen2brain handles
const (
	webpQuality = 80
	avifQuality = 60
	avifSpeed   = 10
)

// resample filter used when resizing images
var resampleFilter = imaging.Lanczos

// OpKind identifies the kind of an Operation.
type OpKind int

// Operation kinds, in the order they are applied.
const (
	Convert OpKind = iota + 1
	Resize
)

func (k OpKind) String() string {
	switch k {
	case Convert:
		return "convert"
	case Resize:
		return "resize"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Operation is a single step of a transform pipeline.  Format is set for
// Convert operations, Dimension for Resize operations.
type Operation struct {
	Kind      OpKind
	Format    Format
	Dimension Dimension
}

func (op Operation) String() string {
	switch op.Kind {
	case Convert:
		return "convert(" + op.Format.String() + ")"
	case Resize:
		return "resize(" + op.Dimension.String() + ")"
	}
	return op.Kind.String()
}

// BuildOperations returns the pipeline for a request.  Conversion always
// happens before resizing so that the resize re-encodes in the target format.
func BuildOperations(format *Format, dim Dimension) []Operation {
	ops := make([]Operation, 0, 2)
	if format != nil {
		ops = append(ops, Operation{Kind: Convert, Format: *format})
	}
	if !dim.IsZero() {
		ops = append(ops, Operation{Kind: Resize, Dimension: dim})
	}
	return ops
}

// Transform applies ops in order to img, which should contain the raw bytes
// of an encoded image.  Each operation consumes the output of the previous
// one.  With no operations img is returned as is.
func Transform(img []byte, ops []Operation) ([]byte, error) {
	if len(ops) == 0 {
		// bail if no transformation was requested
		return img, nil
	}

	if _, _, err := image.DecodeConfig(bytes.NewReader(img)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImageFormat, err)
	}

	var err error
	for _, op := range ops {
		switch op.Kind {
		case Convert:
			img, err = convertImage(img, op.Format)
		case Resize:
			img, err = resizeImage(img, op.Dimension)
		default:
			err = fmt.Errorf("%w: unsupported operation %v", ErrUnknown, op.Kind)
		}
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}

// convertImage re-encodes img as format.  An image already in format is
// returned unchanged.
func convertImage(img []byte, format Format) ([]byte, error) {
	m, src, err := decode(img)
	if err != nil {
		return nil, err
	}
	if src == format.String() {
		return img, nil
	}
	return encode(m, format.String())
}

// resizeImage scales img down to dim and re-encodes it in its own format.
func resizeImage(img []byte, dim Dimension) ([]byte, error) {
	if dim.IsZero() {
		return nil, ErrResizeEmptyDimension
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImageFormat, err)
	}

	if format == "gif" {
		buf := new(bytes.Buffer)
		fn := func(m image.Image) image.Image {
			return resize(m, dim)
		}
		if err := gifresize.Process(buf, bytes.NewReader(img), fn); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return buf.Bytes(), nil
	}

	m, format, err := decode(img)
	if err != nil {
		return nil, err
	}
	return encode(resize(m, dim), format)
}

// resizeParams determines the target size for resizing m to dim.  Each axis
// is capped at the source size, and a missing axis is computed to keep the
// source aspect ratio.  It returns false when m already fits.
func resizeParams(m image.Image, dim Dimension) (w, h int, resize bool) {
	imgW := m.Bounds().Dx()
	imgH := m.Bounds().Dy()
	if imgW == 0 || imgH == 0 {
		return 0, 0, false
	}

	if dim.Width != nil {
		w = *dim.Width
	}
	if dim.Height != nil {
		h = *dim.Height
	}

	// never resize larger than the original image
	if w > imgW {
		w = imgW
	}
	if h > imgH {
		h = imgH
	}

	switch {
	case dim.Width != nil && dim.Height == nil:
		h = int(math.Round(float64(imgH) * float64(w) / float64(imgW)))
	case dim.Height != nil && dim.Width == nil:
		w = int(math.Round(float64(imgW) * float64(h) / float64(imgH)))
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	if w == imgW && h == imgH {
		return 0, 0, false
	}
	return w, h, true
}

// resize scales m to fit dim without upscaling and without changing its
// aspect ratio.
func resize(m image.Image, dim Dimension) image.Image {
	w, h, ok := resizeParams(m, dim)
	if !ok {
		return m
	}
	if dim.Width != nil && dim.Height != nil {
		return imaging.Fit(m, w, h, resampleFilter)
	}
	return imaging.Resize(m, w, h, resampleFilter)
}

// decode decodes img, applying any EXIF orientation, and returns the image
// along with its format name.
func decode(img []byte) (image.Image, string, error) {
	m, format, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrConversion, err)
	}
	// only jpeg and tiff carry EXIF orientation
	if format == "jpeg" || format == "tiff" {
		m = orient(m, exifOrientation(bytes.NewReader(img)))
	}
	return m, format, nil
}

// encode writes m in the named format.
func encode(m image.Image, format string) ([]byte, error) {
	buf := new(bytes.Buffer)
	var err error
	switch format {
	case "gif":
		err = gif.Encode(buf, m, nil)
	case "jpeg":
		err = jpeg.Encode(buf, m, &jpeg.Options{Quality: defaultQuality})
	case "png":
		err = png.Encode(buf, m)
	case "bmp":
		err = bmp.Encode(buf, m)
	case "tiff":
		err = tiff.Encode(buf, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case "webp":
		err = webp.Encode(buf, m, webp.Options{Quality: webpQuality})
	case "avif":
		err = avif.Encode(buf, m, avif.Options{Quality: avifQuality, QualityAlpha: avifQuality, Speed: avifSpeed})
	default:
		return nil, fmt.Errorf("%w: cannot encode %q", ErrInvalidImageFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	return buf.Bytes(), nil
}

// orient applies EXIF orientation o to m so that it displays upright.
func orient(m image.Image, o int) image.Image {
	// Exif Orientation Tag values
	// http://sylvana.net/jpegcrop/exif_orientation.html
	switch o {
	case 2: // top right side
		return imaging.FlipH(m)
	case 3: // bottom right side
		return imaging.Rotate180(m)
	case 4: // bottom left side
		return imaging.FlipV(m)
	case 5: // left side top
		return imaging.Transpose(m)
	case 6: // right side top
		return imaging.Rotate270(m)
	case 7: // right side bottom
		return imaging.Transverse(m)
	case 8: // left side bottom
		return imaging.Rotate90(m)
	}
	return m
}

// exifOrientation parses the EXIF data in r and returns the orientation tag,
// or 0 if there is none.
func exifOrientation(r io.Reader) int {
	ex, err := exif.Decode(io.LimitReader(r, maxExifSize))
	if err != nil {
		return 0
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	o, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return o
}
