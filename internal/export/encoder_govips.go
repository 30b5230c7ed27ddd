//go:build govips && cgo

package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/dunamismax/editflow/internal/domain"
)

// govipsEncoder hands the raster to libvips as lossless PNG and exports the
// requested container from there.
type govipsEncoder struct{}

func (govipsEncoder) Name() string { return "govips" }

func (govipsEncoder) Supports(format domain.Format) bool {
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatWebP, domain.FormatAVIF:
		return true
	default:
		return false
	}
}

func (e govipsEncoder) Encode(ctx context.Context, img image.Image, params EncodeParams) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var staged bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&staged, img); err != nil {
		return nil, fmt.Errorf("stage raster: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load raster into vips: %w", err)
	}
	defer ref.Close()

	return exportGovipsImage(ref, params)
}

func exportGovipsImage(img *vips.ImageRef, params EncodeParams) ([]byte, error) {
	switch params.Format {
	case domain.FormatJPEG:
		p := vips.NewJpegExportParams()
		p.Quality = params.Quality
		data, _, err := img.ExportJpeg(p)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatPNG:
		p := vips.NewPngExportParams()
		data, _, err := img.ExportPng(p)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.FormatWebP:
		p := vips.NewWebpExportParams()
		p.Quality = params.Quality
		p.Lossless = params.Lossless
		data, _, err := img.ExportWebp(p)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case domain.FormatAVIF:
		p := vips.NewAvifExportParams()
		p.Quality = params.Quality
		p.Lossless = params.Lossless
		data, _, err := img.ExportAvif(p)
		if err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, params.Format)
	}
}
