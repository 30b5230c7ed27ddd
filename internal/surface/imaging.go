package surface

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

type ImagingFactory struct {
	MaxPixels int
}

func (ImagingFactory) Name() string { return "imaging" }

func (f ImagingFactory) New(width, height int) (Surface, error) {
	dst, err := allocate(width, height, f.MaxPixels)
	if err != nil {
		return nil, err
	}
	return &Imaging{state: newState(dst)}, nil
}

// Imaging only handles matrices whose linear part is a signed permutation:
// the eight combinations of quarter turns and mirrors.
type Imaging struct {
	state
}

type orientOp func(image.Image) *image.NRGBA

func (s *Imaging) DrawImage(img image.Image, x, y float64) error {
	sb := img.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if sw == 0 || sh == 0 {
		return nil
	}

	m := multiply(s.matrix, translation(x, y))
	op, err := axisAligned(m)
	if err != nil {
		return err
	}

	var out *image.NRGBA
	if op != nil {
		out = op(img)
	} else {
		out = asNRGBA(img)
	}
	if s.filter != nil {
		out = imaging.AdjustFunc(out, s.filter.Apply)
	}

	// The linear part is a signed permutation, so the top-left corner of the
	// mapped rectangle takes the negative terms only.
	w, h := float64(sw), float64(sh)
	minX := m[2] + math.Min(0, m[0]*w) + math.Min(0, m[1]*h)
	minY := m[5] + math.Min(0, m[3]*w) + math.Min(0, m[4]*h)
	composite(s.dst, s.clip, out, pixelOrigin(minX), pixelOrigin(minY))
	return nil
}

// pixelOrigin picks the destination pixel whose centre lands on the first
// source pixel, matching Canvas sampling for whole-pixel placements.
func pixelOrigin(v float64) int {
	return int(math.Ceil(v - 0.5))
}

// axisAligned maps the linear part of m to an imaging operation. A nil op
// means the identity.
func axisAligned(m Matrix) (orientOp, error) {
	a, b, c, d := m[0], m[1], m[3], m[4]
	switch {
	case a == 1 && b == 0 && c == 0 && d == 1:
		return nil, nil
	case a == -1 && b == 0 && c == 0 && d == 1:
		return imaging.FlipH, nil
	case a == 1 && b == 0 && c == 0 && d == -1:
		return imaging.FlipV, nil
	case a == -1 && b == 0 && c == 0 && d == -1:
		return imaging.Rotate180, nil
	case a == 0 && b == -1 && c == 1 && d == 0:
		// x' = -y, y' = x is a clockwise quarter turn.
		return imaging.Rotate270, nil
	case a == 0 && b == 1 && c == -1 && d == 0:
		return imaging.Rotate90, nil
	case a == 0 && b == 1 && c == 1 && d == 0:
		return imaging.Transpose, nil
	case a == 0 && b == -1 && c == -1 && d == 0:
		return imaging.Transverse, nil
	default:
		return nil, fmt.Errorf("%w: linear part [%g %g; %g %g]", ErrUnsupportedTransform, a, b, c, d)
	}
}
