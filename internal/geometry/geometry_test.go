package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkingDimensions(t *testing.T) {
	sizes := [][2]int{{1, 1}, {100, 100}, {1000, 800}, {3, 7}}
	for _, size := range sizes {
		for _, rotation := range []int{0, 90, 180, 270} {
			w, h := WorkingDimensions(size[0], size[1], rotation)
			if rotation == 90 || rotation == 270 {
				assert.Equal(t, size[1], w, "rotation %d", rotation)
				assert.Equal(t, size[0], h, "rotation %d", rotation)
				continue
			}
			assert.Equal(t, size[0], w, "rotation %d", rotation)
			assert.Equal(t, size[1], h, "rotation %d", rotation)
		}
	}
}

func TestClampCropRectStaysInBounds(t *testing.T) {
	values := []float64{-50, -1, 0, 0.5, 1, 10, 99, 100, 150, 1100}
	bounds := [][2]float64{{1, 1}, {100, 100}, {1000, 800}, {3, 200}}

	for _, b := range bounds {
		for _, x := range values {
			for _, y := range values {
				for _, size := range values {
					got := ClampCropRect(Rect{X: x, Y: y, Width: size, Height: size}, b[0], b[1])
					require.GreaterOrEqual(t, got.X, 0.0)
					require.GreaterOrEqual(t, got.Y, 0.0)
					require.GreaterOrEqual(t, got.Width, 1.0)
					require.GreaterOrEqual(t, got.Height, 1.0)
					require.LessOrEqual(t, got.X+got.Width, b[0])
					require.LessOrEqual(t, got.Y+got.Height, b[1])
				}
			}
		}
	}
}

func TestClampCropRectBeyondRightEdge(t *testing.T) {
	got := ClampCropRect(Rect{X: 1100, Y: 100, Width: 100, Height: 100}, 1000, 800)

	assert.Equal(t, Rect{X: 999, Y: 100, Width: 1, Height: 100}, got)
}

func TestDisplayToNaturalUsesIndependentScales(t *testing.T) {
	display := DisplayRect{Left: 10, Top: 20, Width: 200, Height: 100}

	got := DisplayToNatural(110, 70, display, 1000, 800)

	assert.InDelta(t, 500, got.X, 1e-9)
	assert.InDelta(t, 400, got.Y, 1e-9)
}

func TestDisplayNaturalRoundTrip(t *testing.T) {
	display := DisplayRect{Left: 13.5, Top: 7.25, Width: 333, Height: 187}
	naturalW, naturalH := 4032.0, 3024.0
	scales := CanvasScales(display.Width, display.Height, naturalW, naturalH)

	for _, p := range []Point{{13.5, 7.25}, {100, 100}, {346.5, 194.25}, {200.125, 33.3}} {
		natural := DisplayToNatural(p.X, p.Y, display, naturalW, naturalH)
		assert.InDelta(t, (p.X-display.Left)*scales.X, natural.X, 1e-9)
		assert.InDelta(t, (p.Y-display.Top)*scales.Y, natural.Y, 1e-9)

		back := NaturalToDisplay(natural, display, naturalW, naturalH)
		assert.InDelta(t, p.X, back.X, 1e-9)
		assert.InDelta(t, p.Y, back.Y, 1e-9)
	}
}

func TestAspectRatio(t *testing.T) {
	assert.Equal(t, 2.0, AspectRatio(200, 100))
	assert.Equal(t, 1.0, AspectRatio(200, 0))
}

func TestApplyAspectRatio(t *testing.T) {
	w, h := ApplyAspectRatio(1600, 900, 16.0/9.0, AspectWidth)
	assert.Equal(t, 1600.0, w)
	assert.InDelta(t, 900, h, 1e-9)

	w, h = ApplyAspectRatio(1600, 900, 16.0/9.0, AspectHeight)
	assert.InDelta(t, 1600, w, 1e-9)
	assert.Equal(t, 900.0, h)

	w, h = ApplyAspectRatio(10, 20, 0, AspectWidth)
	assert.Equal(t, 10.0, w)
	assert.Equal(t, 20.0, h)
}

func TestCanvasScalesZeroCanvas(t *testing.T) {
	assert.Equal(t, Scales{X: 1, Y: 1}, CanvasScales(0, 0, 100, 100))
	assert.Equal(t, Scales{X: 2, Y: 4}, CanvasScales(50, 25, 100, 100))
}

func TestSelectionToCrop(t *testing.T) {
	display := DisplayRect{Left: 0, Top: 0, Width: 100, Height: 50}

	got := SelectionToCrop(Point{X: 80, Y: 40}, Point{X: 20, Y: 10}, display, 1000, 1000)

	assert.InDelta(t, 200, got.X, 1e-9)
	assert.InDelta(t, 200, got.Y, 1e-9)
	assert.InDelta(t, 600, got.Width, 1e-9)
	assert.InDelta(t, 600, got.Height, 1e-9)
}

func TestConstrainDimensions(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		maxW, maxH int
		keep       bool
		wantW      int
		wantH      int
	}{
		{name: "unbounded", w: 800, h: 600, wantW: 800, wantH: 600, keep: true},
		{name: "width bound keeps aspect", w: 800, h: 600, maxW: 400, keep: true, wantW: 400, wantH: 300},
		{name: "height bound keeps aspect", w: 800, h: 600, maxH: 300, keep: true, wantW: 400, wantH: 300},
		{name: "tightest bound wins", w: 800, h: 600, maxW: 400, maxH: 100, keep: true, wantW: 133, wantH: 100},
		{name: "never upscales", w: 200, h: 100, maxW: 400, maxH: 400, keep: true, wantW: 200, wantH: 100},
		{name: "independent axes", w: 800, h: 600, maxW: 400, maxH: 500, keep: false, wantW: 400, wantH: 500},
		{name: "independent axes no upscale", w: 300, h: 600, maxW: 400, maxH: 500, keep: false, wantW: 300, wantH: 500},
		{name: "minimum one pixel", w: 1000, h: 1, maxW: 10, keep: true, wantW: 10, wantH: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ConstrainDimensions(tt.w, tt.h, tt.maxW, tt.maxH, tt.keep)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}
