package surface

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
)

type CanvasFactory struct {
	MaxPixels int
}

func (CanvasFactory) Name() string { return "canvas" }

func (f CanvasFactory) New(width, height int) (Surface, error) {
	dst, err := allocate(width, height, f.MaxPixels)
	if err != nil {
		return nil, err
	}
	return &Canvas{state: newState(dst)}, nil
}

// Canvas resamples through the full affine matrix with nearest-neighbour
// sampling: every destination pixel centre is mapped back into the source.
type Canvas struct {
	state
}

func (c *Canvas) DrawImage(img image.Image, x, y float64) error {
	src := asNRGBA(img)
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	if sw == 0 || sh == 0 {
		return nil
	}

	m := multiply(c.matrix, translation(x, y))
	if det := m[0]*m[4] - m[1]*m[3]; det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return nil
	}

	// The RGBA Src fast path copies pixel bytes verbatim, so non-premultiplied
	// samples pass through it unchanged when both sides are viewed as RGBA.
	from := &image.RGBA{Pix: src.Pix, Stride: src.Stride, Rect: image.Rect(0, 0, sw, sh)}
	scratch := image.NewRGBA(c.dst.Rect)
	xdraw.NearestNeighbor.Transform(scratch, m, from, from.Rect, xdraw.Src, nil)

	out := &image.NRGBA{Pix: scratch.Pix, Stride: scratch.Stride, Rect: scratch.Rect}
	if c.filter != nil {
		out = imaging.AdjustFunc(out, c.filter.Apply)
	}
	composite(c.dst, c.clip, out, c.dst.Rect.Min.X, c.dst.Rect.Min.Y)
	return nil
}

// asNRGBA avoids a copy when the source already has the working pixel layout.
func asNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	return imaging.Clone(img)
}
