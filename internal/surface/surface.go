// Package surface provides the drawable raster surfaces the render pipeline
// draws on. Two back ends implement the same Surface contract:
//
//   - Canvas keeps an affine matrix and resamples every destination pixel.
//     It serves interactive previews.
//   - Imaging decomposes the matrix into axis-aligned flips and rotations
//     and runs them through github.com/disintegration/imaging. It serves
//     batch conversion.
//
// Both share the compositor, the clip predicate and the text rasteriser, so
// for axis-aligned transforms their output is identical byte for byte.
package surface

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/math/f64"

	"github.com/dunamismax/editflow/internal/filter"
)

var (
	ErrSurfaceUnavailable   = errors.New("raster surface unavailable")
	ErrUnsupportedTransform = errors.New("unsupported surface transform")
)

// DefaultMaxPixels bounds a single surface allocation.
const DefaultMaxPixels = 100_000_000

// Matrix is a 2D affine transform in row-major order:
//
//	x' = m[0]*x + m[1]*y + m[2]
//	y' = m[3]*x + m[4]*y + m[5]
type Matrix = f64.Aff3

// Identity is the matrix that maps every point to itself.
var Identity = Matrix{1, 0, 0, 0, 1, 0}

// TextStyle describes a FillText call. Font uses the CSS shorthand
// "<size>px <family>"; the baseline is always the top of the em box.
type TextStyle struct {
	Font  string
	Color color.NRGBA
	Alpha float64
}

type Surface interface {
	Width() int
	Height() int

	// Translate, Rotate, Scale and Transform post-multiply the current matrix,
	// so the most recent call applies to drawn content first.
	Translate(x, y float64)
	// Rotate turns clockwise by degrees in the y-down pixel space.
	Rotate(degrees float64)
	Scale(x, y float64)
	Transform(m Matrix)
	ResetTransform()

	// SetFilter sets the filter applied to source pixels by DrawImage. A nil
	// chain clears it.
	SetFilter(chain filter.Chain)

	// ClipCircle restricts drawing to pixels whose centres fall inside the
	// circle. Coordinates are surface pixels; the current matrix does not apply.
	ClipCircle(cx, cy, r float64)
	ResetClip()

	// DrawImage draws img with its top-left corner at (x, y) in the current
	// coordinate space, compositing source-over.
	DrawImage(img image.Image, x, y float64) error
	FillText(style TextStyle, text string, x, y float64) error

	// Image returns the backing raster. It is not copied.
	Image() *image.NRGBA
}

type Factory interface {
	Name() string
	New(width, height int) (Surface, error)
}

// NewFactory returns the back end registered under name.
func NewFactory(name string, maxPixels int) (Factory, error) {
	switch name {
	case "", "canvas":
		return CanvasFactory{MaxPixels: maxPixels}, nil
	case "imaging":
		return ImagingFactory{MaxPixels: maxPixels}, nil
	default:
		return nil, fmt.Errorf("unknown surface back end %q", name)
	}
}

func allocate(width, height, maxPixels int) (*image.NRGBA, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrSurfaceUnavailable, width, height)
	}
	if int64(width)*int64(height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrSurfaceUnavailable, width, height, maxPixels)
	}
	return image.NewNRGBA(image.Rect(0, 0, width, height)), nil
}
