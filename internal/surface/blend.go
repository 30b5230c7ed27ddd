package surface

import (
	"image"
	"image/color"
)

type circle struct {
	cx, cy, r float64
}

// contains tests the centre of pixel (x, y).
func (c *circle) contains(x, y int) bool {
	if c == nil {
		return true
	}
	dx := float64(x) + 0.5 - c.cx
	dy := float64(y) + 0.5 - c.cy
	return dx*dx+dy*dy <= c.r*c.r
}

// blend composites src over the destination pixel at (x, y) in
// non-premultiplied space. Coverage scales the source alpha.
func blend(dst *image.NRGBA, clip *circle, x, y int, src color.NRGBA, coverage uint8) {
	if !clip.contains(x, y) {
		return
	}

	sa := uint32(src.A) * uint32(coverage)
	sa = (sa + 127) / 255
	if sa == 0 {
		return
	}

	i := dst.PixOffset(x, y)
	d := dst.Pix[i : i+4 : i+4]
	if sa == 255 {
		d[0], d[1], d[2], d[3] = src.R, src.G, src.B, 255
		return
	}

	da := uint32(d[3]) * (255 - sa) / 255
	oa := sa + da
	d[0] = uint8((uint32(src.R)*sa + uint32(d[0])*da + oa/2) / oa)
	d[1] = uint8((uint32(src.G)*sa + uint32(d[1])*da + oa/2) / oa)
	d[2] = uint8((uint32(src.B)*sa + uint32(d[2])*da + oa/2) / oa)
	d[3] = uint8(oa)
}

// composite draws src onto dst with its top-left pixel at (ox, oy).
func composite(dst *image.NRGBA, clip *circle, src *image.NRGBA, ox, oy int) {
	sb := src.Bounds()
	area := image.Rect(ox, oy, ox+sb.Dx(), oy+sb.Dy()).Intersect(dst.Rect)
	for y := area.Min.Y; y < area.Max.Y; y++ {
		row := src.PixOffset(sb.Min.X+area.Min.X-ox, sb.Min.Y+y-oy)
		for x := area.Min.X; x < area.Max.X; x++ {
			p := src.Pix[row : row+4 : row+4]
			blend(dst, clip, x, y, color.NRGBA{R: p[0], G: p[1], B: p[2], A: p[3]}, 255)
			row += 4
		}
	}
}
