package surface

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const defaultFontSize = 16

var fonts struct {
	sync.Mutex
	parsed map[string]*opentype.Font
}

// ParseFont splits a "<size>px <family>" shorthand. Missing or invalid sizes
// fall back to 16px.
func ParseFont(spec string) (float64, string) {
	spec = strings.TrimSpace(spec)
	sizePart, family, _ := strings.Cut(spec, " ")
	size, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(sizePart), "px"), 64)
	if err != nil || size <= 0 || math.IsInf(size, 0) || math.IsNaN(size) {
		return defaultFontSize, spec
	}
	return size, strings.TrimSpace(family)
}

// fontFor maps a CSS family list to one of the bundled Go fonts.
func fontFor(family string) (*opentype.Font, error) {
	family = strings.ToLower(family)

	key, data := "regular", goregular.TTF
	switch {
	case strings.Contains(family, "mono"), strings.Contains(family, "courier"):
		key, data = "mono", gomono.TTF
	case strings.Contains(family, "bold"):
		key, data = "bold", gobold.TTF
	case strings.Contains(family, "italic"):
		key, data = "italic", goitalic.TTF
	}

	fonts.Lock()
	defer fonts.Unlock()
	if f, ok := fonts.parsed[key]; ok {
		return f, nil
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s font: %w", key, err)
	}
	if fonts.parsed == nil {
		fonts.parsed = make(map[string]*opentype.Font)
	}
	fonts.parsed[key] = f
	return f, nil
}

// fillText rasterises text into a coverage mask, then blends the style colour
// through the shared compositor. (x, y) is the top-left of the em box.
func fillText(dst *image.NRGBA, clip *circle, style TextStyle, text string, x, y float64) error {
	if text == "" {
		return nil
	}
	alpha := style.Alpha
	if math.IsNaN(alpha) || alpha <= 0 {
		return nil
	}
	alpha = math.Min(alpha, 1)

	size, family := ParseFont(style.Font)
	f, err := fontFor(family)
	if err != nil {
		return err
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return fmt.Errorf("create font face: %w", err)
	}
	defer face.Close()

	mask := image.NewAlpha(dst.Rect)
	drawer := &font.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: face,
		Dot:  fixed.Point26_6{X: floatToFixed(x), Y: floatToFixed(y) + face.Metrics().Ascent},
	}
	drawer.DrawString(text)

	src := style.Color
	src.A = uint8(math.Round(float64(style.Color.A) * alpha))
	for py := mask.Rect.Min.Y; py < mask.Rect.Max.Y; py++ {
		row := mask.PixOffset(mask.Rect.Min.X, py)
		for px := mask.Rect.Min.X; px < mask.Rect.Max.X; px++ {
			if cov := mask.Pix[row]; cov != 0 {
				blend(dst, clip, px, py, src, cov)
			}
			row++
		}
	}
	return nil
}

func floatToFixed(v float64) fixed.Int26_6 {
	return fixed.Int26_6(math.Round(v * 64))
}
