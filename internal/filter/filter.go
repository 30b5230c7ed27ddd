// Package filter builds and evaluates CSS-style colour filter expressions.
//
// The expression is the single hand-off between an edit state and a drawing
// surface: Build produces it, Parse turns it back into a Chain that surfaces
// evaluate per pixel.
package filter

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/dunamismax/editflow/internal/domain"
)

var ErrInvalidFilter = errors.New("invalid filter expression")

// None is the expression for a filter set that changes nothing.
const None = "none"

// Kind names one filter function.
type Kind string

const (
	Brightness Kind = "brightness"
	Contrast   Kind = "contrast"
	Saturate   Kind = "saturate"
	Grayscale  Kind = "grayscale"
	Sepia      Kind = "sepia"
)

// Func is one filter function with its amount as a fraction (1 = 100%).
type Func struct {
	Kind   Kind
	Amount float64
}

// Chain is an ordered list of filter functions. A nil Chain is the identity.
type Chain []Func

// Build maps a filter configuration to an expression. Clauses are only emitted
// for values that differ from identity and always appear in the order
// brightness, contrast, saturate, grayscale, sepia.
func Build(f *domain.Filters) string {
	if f == nil {
		return None
	}

	clauses := make([]string, 0, 5)
	if f.Brightness != 100 {
		clauses = append(clauses, percentClause(Brightness, f.Brightness))
	}
	if f.Contrast != 100 {
		clauses = append(clauses, percentClause(Contrast, f.Contrast))
	}
	if f.Saturation != 100 {
		clauses = append(clauses, percentClause(Saturate, f.Saturation))
	}
	if f.Grayscale {
		clauses = append(clauses, percentClause(Grayscale, 100))
	}
	if f.Sepia {
		clauses = append(clauses, percentClause(Sepia, 100))
	}

	if len(clauses) == 0 {
		return None
	}
	return strings.Join(clauses, " ")
}

func percentClause(kind Kind, percent float64) string {
	return string(kind) + "(" + strconv.FormatFloat(percent, 'f', -1, 64) + "%)"
}

// Parse reads an expression produced by Build. Amounts may be a bare number
// or a percentage, so grayscale(1) and grayscale(100%) are equivalent.
func Parse(expr string) (Chain, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.EqualFold(expr, None) {
		return nil, nil
	}

	var chain Chain
	rest := expr
	for rest != "" {
		open := strings.IndexByte(rest, '(')
		end := strings.IndexByte(rest, ')')
		if open <= 0 || end < open {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, expr)
		}

		kind := Kind(strings.ToLower(strings.TrimSpace(rest[:open])))
		switch kind {
		case Brightness, Contrast, Saturate, Grayscale, Sepia:
		default:
			return nil, fmt.Errorf("%w: unknown function %q", ErrInvalidFilter, kind)
		}

		amount, err := parseAmount(rest[open+1 : end])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, kind, err)
		}
		chain = append(chain, Func{Kind: kind, Amount: amount})
		rest = strings.TrimSpace(rest[end+1:])
	}
	return chain, nil
}

func parseAmount(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}

	percent := strings.HasSuffix(raw, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("amount %q out of range", raw)
	}
	if percent {
		v /= 100
	}
	return v, nil
}

// IsIdentity reports whether applying the chain can never change a pixel.
func (c Chain) IsIdentity() bool {
	for _, fn := range c {
		switch fn.Kind {
		case Grayscale, Sepia:
			if fn.Amount != 0 {
				return false
			}
		default:
			if fn.Amount != 1 {
				return false
			}
		}
	}
	return true
}

func (c Chain) String() string {
	if len(c) == 0 {
		return None
	}
	parts := make([]string, len(c))
	for i, fn := range c {
		parts[i] = percentClause(fn.Kind, fn.Amount*100)
	}
	return strings.Join(parts, " ")
}

// Apply runs every function in order on an un-premultiplied colour. Channels
// are clamped to [0,1] after each function and alpha is never touched.
func (c Chain) Apply(px color.NRGBA) color.NRGBA {
	if len(c) == 0 {
		return px
	}

	r := float64(px.R) / 255
	g := float64(px.G) / 255
	b := float64(px.B) / 255
	for _, fn := range c {
		r, g, b = fn.apply(r, g, b)
	}
	return color.NRGBA{R: toByte(r), G: toByte(g), B: toByte(b), A: px.A}
}

func (fn Func) apply(r, g, b float64) (float64, float64, float64) {
	a := fn.Amount
	switch fn.Kind {
	case Brightness:
		return clamp01(r * a), clamp01(g * a), clamp01(b * a)
	case Contrast:
		off := 0.5 - 0.5*a
		return clamp01(r*a + off), clamp01(g*a + off), clamp01(b*a + off)
	case Saturate:
		return mul(saturateMatrix(a), r, g, b)
	case Grayscale:
		return mul(grayscaleMatrix(math.Min(a, 1)), r, g, b)
	case Sepia:
		return mul(sepiaMatrix(math.Min(a, 1)), r, g, b)
	default:
		return r, g, b
	}
}

type matrix [3][3]float64

func saturateMatrix(s float64) matrix {
	return matrix{
		{0.213 + 0.787*s, 0.715 - 0.715*s, 0.072 - 0.072*s},
		{0.213 - 0.213*s, 0.715 + 0.285*s, 0.072 - 0.072*s},
		{0.213 - 0.213*s, 0.715 - 0.715*s, 0.072 + 0.928*s},
	}
}

func grayscaleMatrix(amount float64) matrix {
	g := 1 - amount
	return matrix{
		{0.2126 + 0.7874*g, 0.7152 - 0.7152*g, 0.0722 - 0.0722*g},
		{0.2126 - 0.2126*g, 0.7152 + 0.2848*g, 0.0722 - 0.0722*g},
		{0.2126 - 0.2126*g, 0.7152 - 0.7152*g, 0.0722 + 0.9278*g},
	}
}

func sepiaMatrix(amount float64) matrix {
	g := 1 - amount
	return matrix{
		{0.393 + 0.607*g, 0.769 - 0.769*g, 0.189 - 0.189*g},
		{0.349 - 0.349*g, 0.686 + 0.314*g, 0.168 - 0.168*g},
		{0.272 - 0.272*g, 0.534 - 0.534*g, 0.131 + 0.869*g},
	}
}

func mul(m matrix, r, g, b float64) (float64, float64, float64) {
	return clamp01(m[0][0]*r + m[0][1]*g + m[0][2]*b),
		clamp01(m[1][0]*r + m[1][1]*g + m[1][2]*b),
		clamp01(m[2][0]*r + m[2][1]*g + m[2][2]*b)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toByte(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}
