package surface

import (
	"image"

	"github.com/dunamismax/editflow/internal/filter"
)

// state is the drawing state both back ends share. Only DrawImage differs.
type state struct {
	dst    *image.NRGBA
	matrix Matrix
	filter filter.Chain
	clip   *circle
}

func newState(dst *image.NRGBA) state {
	return state{dst: dst, matrix: Identity}
}

func (s *state) Width() int          { return s.dst.Rect.Dx() }
func (s *state) Height() int         { return s.dst.Rect.Dy() }
func (s *state) Image() *image.NRGBA { return s.dst }

func (s *state) Translate(x, y float64) {
	s.matrix = multiply(s.matrix, translation(x, y))
}

func (s *state) Rotate(degrees float64) {
	s.matrix = multiply(s.matrix, rotation(degrees))
}

func (s *state) Scale(x, y float64) {
	s.matrix = multiply(s.matrix, scaling(x, y))
}

func (s *state) Transform(m Matrix) {
	s.matrix = multiply(s.matrix, m)
}

func (s *state) ResetTransform() {
	s.matrix = Identity
}

func (s *state) SetFilter(chain filter.Chain) {
	if chain.IsIdentity() {
		chain = nil
	}
	s.filter = chain
}

func (s *state) ClipCircle(cx, cy, r float64) {
	s.clip = &circle{cx: cx, cy: cy, r: r}
}

func (s *state) ResetClip() {
	s.clip = nil
}

// FillText honours the translation of the current matrix only; any rotation
// or scale is rejected.
func (s *state) FillText(style TextStyle, text string, x, y float64) error {
	m := s.matrix
	if m[0] != 1 || m[1] != 0 || m[3] != 0 || m[4] != 1 {
		return ErrUnsupportedTransform
	}
	return fillText(s.dst, s.clip, style, text, x+m[2], y+m[5])
}
