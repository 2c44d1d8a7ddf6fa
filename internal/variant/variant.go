// Package variant derives resized image variants from an original upload.
//
// Two fits are supported. A spec with both width and height produces an
// aspect-filling centred crop of exactly that box; a spec with width only
// scales proportionally. Neither ever enlarges the source: a target larger
// than the source in some axis is clamped to the source in that axis.
package variant

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"path"
	"strings"

	"github.com/disintegration/imaging"
)

// ErrUnsupportedFormat is returned for content types that cannot be
// re-encoded in their own format.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// jpegQuality is the encoder quality used for JPEG variants.
const jpegQuality = 80

// Spec describes one configured variant. Height 0 means scale by width only.
type Spec struct {
	Name   string `yaml:"name" json:"name"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height,omitempty" json:"height,omitempty"`
}

// Result is a derived variant.
type Result struct {
	Data   []byte
	Width  int
	Height int
}

// Defaults returns the stock variant specs.
func Defaults() []Spec {
	return []Spec{
		{Name: "thumbnail", Width: 400, Height: 300},
		{Name: "card", Width: 768},
		{Name: "tablet", Width: 1024},
	}
}

// Validate checks that a spec can be rendered.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("variant name is required")
	}
	if strings.ContainsAny(s.Name, "/\\") {
		return fmt.Errorf("variant name %q must not contain path separators", s.Name)
	}
	if s.Width <= 0 {
		return fmt.Errorf("variant %q: width must be positive", s.Name)
	}
	if s.Height < 0 {
		return fmt.Errorf("variant %q: height must not be negative", s.Name)
	}
	return nil
}

// Filename inserts the variant name before filename's extension:
// "photo.png" becomes "photo-thumbnail.png".
func Filename(filename, name string) string {
	ext := path.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return base + "-" + name + ext
}

// Dimensions returns the output size for a source of srcW x srcH under spec.
func Dimensions(srcW, srcH int, spec Spec) (int, int) {
	if spec.Height > 0 {
		return min(srcW, spec.Width), min(srcH, spec.Height)
	}
	if srcW <= spec.Width {
		return srcW, srcH
	}
	h := float64(spec.Width) * float64(srcH) / float64(srcW)
	return spec.Width, int(math.Max(1, math.Floor(h+0.5)))
}

// Derive renders spec from the original image bytes. The output is encoded
// in the format named by contentType, which is the original's type.
func Derive(data []byte, contentType string, spec Spec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	format, err := formatFor(contentType)
	if err != nil {
		return nil, err
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	b := src.Bounds()
	w, h := Dimensions(b.Dx(), b.Dy(), spec)

	var out image.Image
	switch {
	case w == b.Dx() && h == b.Dy():
		out = src
	case spec.Height > 0:
		out = imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos)
	default:
		out = imaging.Resize(src, w, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, format, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encoding %s variant: %w", contentType, err)
	}

	ob := out.Bounds()
	return &Result{Data: buf.Bytes(), Width: ob.Dx(), Height: ob.Dy()}, nil
}

func formatFor(contentType string) (imaging.Format, error) {
	base, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(base) {
	case "image/jpeg", "image/jpg":
		return imaging.JPEG, nil
	case "image/png":
		return imaging.PNG, nil
	case "image/gif":
		return imaging.GIF, nil
	case "image/tiff":
		return imaging.TIFF, nil
	case "image/bmp":
		return imaging.BMP, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}
}
