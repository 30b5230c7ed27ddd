package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidEditState = errors.New("invalid edit state")

// Rotation is a clockwise rotation in degrees.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Normalize folds any multiple of 90 into [0, 360). Other values are treated as no rotation.
func (r Rotation) Normalize() Rotation {
	if r%90 != 0 {
		return Rotate0
	}
	n := r % 360
	if n < 0 {
		n += 360
	}
	return n
}

// SwapsAxes reports whether the rotation exchanges width and height.
func (r Rotation) SwapsAxes() bool {
	n := r.Normalize()
	return n == Rotate90 || n == Rotate270
}

type CropShape string

const (
	CropShapeRectangle CropShape = "rectangle"
	CropShapeCircle    CropShape = "circle"
)

// Filters holds colour adjustments. Percentages use 100 as identity.
type Filters struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Grayscale  bool    `json:"grayscale"`
	Sepia      bool    `json:"sepia"`
}

// IdentityFilters returns a filter set that changes nothing.
func IdentityFilters() Filters {
	return Filters{Brightness: 100, Contrast: 100, Saturation: 100}
}

// UnmarshalJSON starts from the identity values so omitted percentages do not
// decode as zero.
func (f *Filters) UnmarshalJSON(data []byte) error {
	type plain Filters
	decoded := plain(IdentityFilters())
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*f = Filters(decoded)
	return nil
}

// PreCropRect is a rectangle in the working raster's pixel space: after rotation,
// flip and filters have been applied, before the crop.
type PreCropRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PostCropPoint is a position in the final raster's pixel space, after the crop.
type PostCropPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Crop selects the region of the working raster that becomes the final raster.
type Crop struct {
	PreCropRect
	Shape CropShape `json:"shape,omitempty"`
}

// IsCircle reports whether the crop masks everything outside the inscribed circle.
func (c *Crop) IsCircle() bool {
	return c != nil && strings.EqualFold(string(c.Shape), string(CropShapeCircle))
}

// TextOverlay is the single text layer. Its position is always post-crop.
type TextOverlay struct {
	PostCropPoint
	Text       string  `json:"text"`
	FontSize   float64 `json:"fontSize"`
	FontFamily string  `json:"fontFamily"`
	Color      string  `json:"color"`
	Opacity    float64 `json:"opacity"`
}

const (
	DefaultFontSize   = 32
	DefaultFontFamily = "sans-serif"
	DefaultTextColor  = "#ffffff"
)

func (t *TextOverlay) UnmarshalJSON(data []byte) error {
	type plain TextOverlay
	decoded := plain{
		FontSize:   DefaultFontSize,
		FontFamily: DefaultFontFamily,
		Color:      DefaultTextColor,
		Opacity:    1,
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*t = TextOverlay(decoded)
	return nil
}

// EditState is the declarative description of every pending edit for one image.
type EditState struct {
	Rotation       Rotation     `json:"rotation"`
	FlipHorizontal bool         `json:"flipHorizontal"`
	FlipVertical   bool         `json:"flipVertical"`
	Filters        *Filters     `json:"filters,omitempty"`
	Crop           *Crop        `json:"crop,omitempty"`
	TextOverlay    *TextOverlay `json:"textOverlay,omitempty"`
}

// Clone returns a deep copy so the renderer never observes later mutations.
func (s *EditState) Clone() EditState {
	if s == nil {
		return EditState{}
	}
	out := *s
	if s.Filters != nil {
		f := *s.Filters
		out.Filters = &f
	}
	if s.Crop != nil {
		c := *s.Crop
		out.Crop = &c
	}
	if s.TextOverlay != nil {
		t := *s.TextOverlay
		out.TextOverlay = &t
	}
	return out
}

// HasCircleCrop reports whether a circular crop is part of the state.
func (s *EditState) HasCircleCrop() bool {
	return s != nil && s.Crop.IsCircle()
}

// Validate rejects states that cannot come from a well-behaved editor.
// The render pipeline does not call it: it clamps instead.
func (s *EditState) Validate() error {
	if s == nil {
		return nil
	}
	if s.Rotation%90 != 0 {
		return fmt.Errorf("%w: rotation %d is not a multiple of 90", ErrInvalidEditState, s.Rotation)
	}

	if f := s.Filters; f != nil {
		percents := []struct {
			name  string
			value float64
		}{
			{"brightness", f.Brightness},
			{"contrast", f.Contrast},
			{"saturation", f.Saturation},
		}
		for _, p := range percents {
			if !finite(p.value) || p.value < 0 || p.value > 200 {
				return fmt.Errorf("%w: filters.%s must be within [0,200]", ErrInvalidEditState, p.name)
			}
		}
	}

	if c := s.Crop; c != nil {
		if !finite(c.X) || !finite(c.Y) || !finite(c.Width) || !finite(c.Height) {
			return fmt.Errorf("%w: crop values must be finite", ErrInvalidEditState)
		}
		if c.Width < 0 || c.Height < 0 {
			return fmt.Errorf("%w: crop size must not be negative", ErrInvalidEditState)
		}
		switch CropShape(strings.ToLower(string(c.Shape))) {
		case "", CropShapeRectangle, CropShapeCircle:
		default:
			return fmt.Errorf("%w: unknown crop shape %q", ErrInvalidEditState, c.Shape)
		}
	}

	if t := s.TextOverlay; t != nil {
		if !finite(t.X) || !finite(t.Y) || !finite(t.FontSize) {
			return fmt.Errorf("%w: text overlay values must be finite", ErrInvalidEditState)
		}
		if !finite(t.Opacity) || t.Opacity < 0 || t.Opacity > 1 {
			return fmt.Errorf("%w: textOverlay.opacity must be within [0,1]", ErrInvalidEditState)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
