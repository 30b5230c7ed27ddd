package export

import (
	"context"
	"errors"
	"image"

	"github.com/dunamismax/editflow/internal/domain"
)

var (
	ErrEmptyOutput       = errors.New("encoder produced no output")
	ErrUnsupportedFormat = domain.ErrUnsupportedFormat
)

// EncodeParams is the resolved encoder input. Quality is already clamped to
// [1,100]; PNG ignores it.
type EncodeParams struct {
	Format   domain.Format
	Quality  int
	Lossless bool
}

type Encoder interface {
	Name() string
	// Supports lets callers check a format before converting anything.
	Supports(format domain.Format) bool
	Encode(ctx context.Context, img image.Image, params EncodeParams) ([]byte, error)
}
