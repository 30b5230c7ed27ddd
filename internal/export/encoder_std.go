package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/editflow/internal/domain"
)

// stdEncoder covers the formats the Go image codecs can write.
type stdEncoder struct{}

func (stdEncoder) Name() string { return "std" }

func (stdEncoder) Supports(format domain.Format) bool {
	return format == domain.FormatJPEG || format == domain.FormatPNG
}

func (e stdEncoder) Encode(ctx context.Context, img image.Image, params EncodeParams) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var buf bytes.Buffer
	switch params.Format {
	case domain.FormatJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(params.Quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatWebP, domain.FormatAVIF:
		return nil, fmt.Errorf("%w: %s export requires govips build tag", ErrUnsupportedFormat, params.Format)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, params.Format)
	}

	return buf.Bytes(), nil
}
