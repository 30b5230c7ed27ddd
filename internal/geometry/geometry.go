// Package geometry converts between display, natural and post-crop pixel spaces.
//
// Display and natural aspect ratios can differ after rounding or letterboxing, so
// every mapping here keeps the horizontal and vertical scale factors separate.
package geometry

import "math"

type Point struct {
	X float64
	Y float64
}

// Rect is an axis-aligned rectangle in image pixels.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// DisplayRect is the on-screen bounding box of a displayed image.
type DisplayRect struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

type Scales struct {
	X float64
	Y float64
}

type AspectMode int

const (
	// AspectWidth keeps the width and derives the height.
	AspectWidth AspectMode = iota
	// AspectHeight keeps the height and derives the width.
	AspectHeight
)

// CanvasScales returns the natural-pixels-per-display-pixel factor for each axis.
func CanvasScales(canvasW, canvasH, naturalW, naturalH float64) Scales {
	s := Scales{X: 1, Y: 1}
	if canvasW != 0 {
		s.X = naturalW / canvasW
	}
	if canvasH != 0 {
		s.Y = naturalH / canvasH
	}
	return s
}

// DisplayToNatural maps a point in display pixels to natural image pixels.
func DisplayToNatural(displayX, displayY float64, display DisplayRect, naturalW, naturalH float64) Point {
	s := CanvasScales(display.Width, display.Height, naturalW, naturalH)
	return Point{
		X: (displayX - display.Left) * s.X,
		Y: (displayY - display.Top) * s.Y,
	}
}

// NaturalToDisplay is the inverse of DisplayToNatural.
func NaturalToDisplay(p Point, display DisplayRect, naturalW, naturalH float64) Point {
	s := CanvasScales(display.Width, display.Height, naturalW, naturalH)
	return Point{
		X: p.X/s.X + display.Left,
		Y: p.Y/s.Y + display.Top,
	}
}

// ClampCropRect keeps r inside a maxW x maxH raster. The result is never smaller than 1x1.
func ClampCropRect(r Rect, maxW, maxH float64) Rect {
	x := clamp(r.X, 0, math.Max(0, maxW-1))
	y := clamp(r.Y, 0, math.Max(0, maxH-1))
	return Rect{
		X:      x,
		Y:      y,
		Width:  clamp(r.Width, 1, math.Max(1, maxW-x)),
		Height: clamp(r.Height, 1, math.Max(1, maxH-y)),
	}
}

// WorkingDimensions returns the raster size after a clockwise rotation.
func WorkingDimensions(width, height, rotation int) (int, int) {
	switch rotation {
	case 90, 270:
		return height, width
	default:
		return width, height
	}
}

// AspectRatio is width/height, or 1 for a zero height.
func AspectRatio(width, height float64) float64 {
	if height == 0 {
		return 1
	}
	return width / height
}

// ApplyAspectRatio derives one side from the other so that w/h equals ratio.
func ApplyAspectRatio(width, height, ratio float64, mode AspectMode) (float64, float64) {
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return width, height
	}
	if mode == AspectHeight {
		return height * ratio, height
	}
	return width, width / ratio
}

// SelectionToCrop turns a drag between two display points into a natural-space crop.
func SelectionToCrop(a, b Point, display DisplayRect, naturalW, naturalH float64) Rect {
	p := DisplayToNatural(a.X, a.Y, display, naturalW, naturalH)
	q := DisplayToNatural(b.X, b.Y, display, naturalW, naturalH)
	r := Rect{
		X:      math.Min(p.X, q.X),
		Y:      math.Min(p.Y, q.Y),
		Width:  math.Abs(q.X - p.X),
		Height: math.Abs(q.Y - p.Y),
	}
	return ClampCropRect(r, naturalW, naturalH)
}

// ConstrainDimensions shrinks width x height to fit the optional bounds. A zero bound
// is unbounded. It never upscales. With keepAspect the original ratio is preserved;
// otherwise each axis is clamped on its own.
func ConstrainDimensions(width, height, maxW, maxH int, keepAspect bool) (int, int) {
	if width <= 0 || height <= 0 {
		return width, height
	}

	if !keepAspect {
		if maxW > 0 && width > maxW {
			width = maxW
		}
		if maxH > 0 && height > maxH {
			height = maxH
		}
		return width, height
	}

	scale := 1.0
	if maxW > 0 {
		scale = math.Min(scale, float64(maxW)/float64(width))
	}
	if maxH > 0 {
		scale = math.Min(scale, float64(maxH)/float64(height))
	}
	if scale >= 1 {
		return width, height
	}

	w := int(math.Round(float64(width) * scale))
	h := int(math.Round(float64(height) * scale))
	return max(1, w), max(1, h)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
