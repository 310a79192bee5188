// Package pixeldiff compares two raster images of possibly different sizes.
//
// Both images are placed at the top-left of a canvas sized to the larger
// width and height; uncovered canvas area is opaque white. The padded
// canvases are then compared pixel by pixel in YIQ space with anti-aliasing
// detection (pixelmatch), yielding a differing-pixel count and a diff image.
package pixeldiff

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/orisano/pixelmatch"
	"golang.org/x/image/draw"

	"github.com/hazyhaar/designloop/raster"
)

// DefaultTolerance treats colours within roughly 10% YIQ distance as equal.
const DefaultTolerance = 0.1

// Padding is the fill colour for canvas area not covered by a source image.
var Padding = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Result is the outcome of one comparison.
type Result struct {
	DiffPercentage  float64       `json:"diffPercentage"`
	DiffImage       *raster.Image `json:"-"`
	DifferingPixels int           `json:"numDiffPixels"`
	TotalPixels     int           `json:"totalPixels"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
}

// Diff compares reference against candidate. tolerance is clamped to [0,1];
// lower values flag more pixels as differing.
func Diff(reference, candidate *raster.Image, tolerance float64) (*Result, error) {
	if reference == nil || candidate == nil {
		return nil, fmt.Errorf("pixeldiff: nil image")
	}
	tolerance = clamp(tolerance)

	w := max(reference.Width(), candidate.Width())
	h := max(reference.Height(), candidate.Height())
	if w == 0 || h == 0 {
		return &Result{DiffImage: raster.New(0, 0)}, nil
	}

	a := Pad(reference, w, h)
	b := Pad(candidate, w, h)

	var out image.Image
	n, err := pixelmatch.MatchPixel(walkAll{a.NRGBA}, walkAll{b.NRGBA},
		pixelmatch.Threshold(tolerance),
		pixelmatch.WriteTo(&out),
	)
	if err != nil {
		return nil, fmt.Errorf("pixeldiff: match: %w", err)
	}

	total := w * h
	res := &Result{
		DiffPercentage:  100 * float64(n) / float64(total),
		DifferingPixels: n,
		TotalPixels:     total,
		Width:           w,
		Height:          h,
	}
	if out != nil {
		res.DiffImage = raster.FromImage(out)
	} else {
		res.DiffImage = raster.New(w, h)
	}
	return res, nil
}

// DiffBytes decodes both inputs and compares them. Decode failures are
// returned as *raster.DecodeError.
func DiffBytes(reference, candidate []byte, tolerance float64) (*Result, error) {
	ref, err := raster.Decode(reference)
	if err != nil {
		return nil, err
	}
	cand, err := raster.Decode(candidate)
	if err != nil {
		return nil, err
	}
	return Diff(ref, cand, tolerance)
}

// Pad returns src copied onto a white canvas of width x height. src is
// returned unchanged when it already has that size.
func Pad(src *raster.Image, width, height int) *raster.Image {
	if src.Width() == width && src.Height() == height {
		return src
	}
	dst := raster.New(width, height)
	draw.Draw(dst.NRGBA, dst.Bounds(), &image.Uniform{C: Padding}, image.Point{}, draw.Src)
	draw.Draw(dst.NRGBA, src.Bounds(), src.NRGBA, image.Point{}, draw.Src)
	return dst
}

// walkAll hides the concrete *image.NRGBA type from pixelmatch. Its
// same-type fast path compares only the first quarter of each row and can
// report partially different images as identical.
type walkAll struct {
	*image.NRGBA
}

func clamp(t float64) float64 {
	switch {
	case math.IsNaN(t), t < 0:
		return 0
	case t > 1:
		return 1
	}
	return t
}
