// Package orient bakes EXIF orientation into pixels so nothing downstream has
// to know the tag existed.
package orient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/editflow/internal/surface"
)

var ErrDecode = errors.New("decode source image")

// Orientation is the EXIF orientation tag value, 1 through 8.
type Orientation int

const (
	Upright Orientation = 1
)

func (o Orientation) Valid() bool {
	return o >= 1 && o <= 8
}

// SwapsAxes reports whether upright output exchanges width and height.
func (o Orientation) SwapsAxes() bool {
	return o >= 5 && o <= 8
}

// ReadOrientation returns the orientation tag of an encoded image. Any
// missing, malformed or out-of-range tag reads as Upright. The EXIF block is
// bounds-checked before it reaches the decoder, which allocates by the
// declared tag count.
func ReadOrientation(data []byte) Orientation {
	tiff, ok := exifTIFF(data)
	if !ok || !validTIFF(tiff) {
		return Upright
	}
	x, err := exif.Decode(bytes.NewReader(tiff))
	if err != nil {
		return Upright
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return Upright
	}
	v, err := tag.Int(0)
	if err != nil {
		return Upright
	}
	o := Orientation(v)
	if !o.Valid() {
		return Upright
	}
	return o
}

// Normalize decodes data and returns an upright raster plus the orientation
// that was applied. Only a decode failure or a surface failure is an error.
func Normalize(ctx context.Context, data []byte, factory surface.Factory) (*image.NRGBA, Orientation, error) {
	if err := ctx.Err(); err != nil {
		return nil, Upright, err
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Upright, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	o := ReadOrientation(data)
	out, err := Apply(img, o, factory)
	if err != nil {
		return nil, Upright, err
	}
	return out, o, nil
}

// Apply draws img through the fixed transform for o. Upright and invalid
// orientations return an NRGBA copy of img unchanged.
func Apply(img image.Image, o Orientation, factory surface.Factory) (*image.NRGBA, error) {
	if o == Upright || !o.Valid() {
		return imaging.Clone(img), nil
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if o.SwapsAxes() {
		dw, dh = h, w
	}

	s, err := factory.New(dw, dh)
	if err != nil {
		return nil, fmt.Errorf("orientation surface: %w", err)
	}
	s.Transform(Matrix(o, w, h))
	if err := s.DrawImage(img, 0, 0); err != nil {
		return nil, fmt.Errorf("draw oriented image: %w", err)
	}
	return s.Image(), nil
}

// Matrix returns the transform that maps a w x h source with orientation o
// onto the upright surface.
func Matrix(o Orientation, w, h int) surface.Matrix {
	fw, fh := float64(w), float64(h)
	switch o {
	case 2:
		return surface.Matrix{-1, 0, fw, 0, 1, 0}
	case 3:
		return surface.Matrix{-1, 0, fw, 0, -1, fh}
	case 4:
		return surface.Matrix{1, 0, 0, 0, -1, fh}
	case 5:
		return surface.Matrix{0, 1, 0, 1, 0, 0}
	case 6:
		return surface.Matrix{0, -1, fh, 1, 0, 0}
	case 7:
		return surface.Matrix{0, -1, fh, -1, 0, fw}
	case 8:
		return surface.Matrix{0, 1, 0, -1, 0, fw}
	default:
		return surface.Identity
	}
}
