// Package raster holds the decoded bitmap type shared by the renderer, the
// differ and the iteration loop, plus PNG encoding and data URL helpers.
package raster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image is a decoded RGBA bitmap with explicit dimensions.
type Image struct {
	*image.NRGBA
}

// DecodeError is returned when raw bytes cannot be decoded into an Image.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("raster: decode: %v", e.Err)
	}
	return fmt.Sprintf("raster: decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrEmpty is wrapped in a DecodeError when the input has no bytes.
var ErrEmpty = errors.New("empty image data")

// New allocates a transparent Image of the given size.
func New(width, height int) *Image {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Image{NRGBA: image.NewNRGBA(image.Rect(0, 0, width, height))}
}

// Solid returns an opaque Image filled with c.
func Solid(width, height int, c color.Color) *Image {
	img := New(width, height)
	draw.Draw(img.NRGBA, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

// FromImage converts any image.Image into an Image anchored at the origin.
func FromImage(src image.Image) *Image {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return &Image{NRGBA: n}
	}
	b := src.Bounds()
	dst := New(b.Dx(), b.Dy())
	draw.Draw(dst.NRGBA, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// StackVertical draws imgs top to bottom, left aligned, on a white canvas as
// wide as the widest input. Nil entries are skipped.
func StackVertical(imgs ...*Image) *Image {
	w, h := 0, 0
	for _, img := range imgs {
		if img == nil {
			continue
		}
		w = max(w, img.Width())
		h += img.Height()
	}
	out := Solid(w, h, color.White)
	y := 0
	for _, img := range imgs {
		if img == nil {
			continue
		}
		r := image.Rect(0, y, img.Width(), y+img.Height())
		draw.Draw(out.NRGBA, r, img.NRGBA, img.Bounds().Min, draw.Over)
		y += img.Height()
	}
	return out
}

// Width returns the image width in pixels.
func (img *Image) Width() int {
	if img == nil || img.NRGBA == nil {
		return 0
	}
	return img.Rect.Dx()
}

// Height returns the image height in pixels.
func (img *Image) Height() int {
	if img == nil || img.NRGBA == nil {
		return 0
	}
	return img.Rect.Dy()
}

// Decode parses PNG, JPEG, GIF, WebP, BMP or TIFF bytes. A data URL prefix
// ("data:image/png;base64,") is accepted and stripped.
func Decode(data []byte) (*Image, error) {
	if raw, ok := stripDataURL(data); ok {
		data = raw
	}
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmpty}
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	img := FromImage(src)
	if img.Width() == 0 || img.Height() == 0 {
		return nil, &DecodeError{Source: format, Err: fmt.Errorf("zero-area image %dx%d", img.Width(), img.Height())}
	}
	return img, nil
}

// EncodePNG encodes the image as PNG.
func (img *Image) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img.NRGBA); err != nil {
		return nil, fmt.Errorf("raster: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL encodes the image as a PNG data URL.
func (img *Image) DataURL() (string, error) {
	data, err := img.EncodePNG()
	if err != nil {
		return "", err
	}
	return PNGDataURL(data), nil
}

// PNGDataURL wraps already-encoded PNG bytes in a data URL.
func PNGDataURL(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func stripDataURL(data []byte) ([]byte, bool) {
	s := string(bytes.TrimSpace(data))
	if !strings.HasPrefix(s, "data:") {
		return nil, false
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 || !strings.Contains(s[:comma], ";base64") {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(s[comma+1:])
	if err != nil {
		return nil, false
	}
	return raw, true
}

// DecodeBase64 decodes a plain base64 string or a data URL into an Image.
func DecodeBase64(s string) (*Image, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		return Decode([]byte(s))
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Source: "base64", Err: err}
	}
	return Decode(raw)
}
