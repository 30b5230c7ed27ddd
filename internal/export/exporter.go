// Package export encodes a final raster into a named artifact with size
// statistics.
package export

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/geometry"
	"github.com/dunamismax/editflow/internal/surface"
)

const DefaultBackground = "#ffffff"

// SourceInfo describes the original upload an artifact is derived from.
type SourceInfo struct {
	Filename string
	Size     int64
}

type Exporter struct {
	Encoder Encoder
	// Background is used when a JPEG export has to be flattened and the
	// request does not name a colour.
	Background string
	// DefaultQuality replaces an unset request quality. Zero means
	// domain.DefaultQuality.
	DefaultQuality int
	Now            func() time.Time
}

func NewExporter(encoder Encoder, background string) *Exporter {
	if encoder == nil {
		encoder = NewEncoder()
	}
	return &Exporter{Encoder: encoder, Background: background, Now: time.Now}
}

// Export flattens, resizes and encodes final. An encoder failure or empty
// output fails this artifact only.
func (e *Exporter) Export(ctx context.Context, final *image.NRGBA, state *domain.EditState, opts domain.ExportOptions, source SourceInfo) (domain.ExportArtifact, error) {
	format, err := domain.ParseFormat(string(opts.Format))
	if err != nil {
		return domain.ExportArtifact{}, err
	}
	if !e.Encoder.Supports(format) {
		return domain.ExportArtifact{}, fmt.Errorf("%w: %s is not available with the %s encoder", ErrUnsupportedFormat, format, e.Encoder.Name())
	}

	var img image.Image = final
	if format == domain.FormatJPEG && state.HasCircleCrop() {
		img = e.flatten(final, opts.Background)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if opts.MaxWidth > 0 || opts.MaxHeight > 0 {
		tw, th := geometry.ConstrainDimensions(w, h, opts.MaxWidth, opts.MaxHeight, opts.MaintainAspectRatio)
		if tw != w || th != h {
			img = imaging.Resize(img, tw, th, imaging.Lanczos)
			w, h = tw, th
		}
	}

	if opts.Quality == 0 && e.DefaultQuality > 0 {
		opts.Quality = e.DefaultQuality
	}
	params := EncodeParams{Format: format, Quality: ResolveQuality(format, opts)}
	params.Lossless = opts.Lossless && format != domain.FormatPNG
	data, err := e.Encoder.Encode(ctx, img, params)
	if err != nil {
		return domain.ExportArtifact{}, err
	}
	if len(data) == 0 {
		return domain.ExportArtifact{}, fmt.Errorf("%w: %s", ErrEmptyOutput, format)
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	return domain.ExportArtifact{
		Data:         data,
		MIMEType:     format.MIMEType(),
		Format:       format,
		Filename:     BuildFilename(source.Filename, format, w, h, opts.Naming, now()),
		Width:        w,
		Height:       h,
		OriginalSize: source.Size,
		EncodedSize:  int64(len(data)),
		Reduction:    Reduction(source.Size, int64(len(data))),
	}, nil
}

// flatten composites final onto an opaque background so pixels outside a
// circular crop do not turn black in a format without alpha.
func (e *Exporter) flatten(final *image.NRGBA, requested string) *image.NRGBA {
	bg := requested
	if bg == "" {
		bg = e.Background
	}
	if bg == "" {
		bg = DefaultBackground
	}
	fill, err := surface.ParseColor(bg)
	if err != nil {
		fill = color.NRGBA{R: 255, G: 255, B: 255}
	}
	fill.A = 255

	b := final.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), fill)
	return imaging.Overlay(canvas, final, image.Pt(0, 0), 1)
}

// ResolveQuality maps export options to an encoder quality. PNG is always
// lossless and reports 100.
func ResolveQuality(format domain.Format, opts domain.ExportOptions) int {
	if format == domain.FormatPNG || opts.Lossless {
		return 100
	}
	q := opts.Quality
	if q == 0 {
		q = domain.DefaultQuality
	}
	return max(1, min(100, q))
}

// Reduction is the rounded percentage saved against the original size. It is
// negative when the output grew and zero when the original size is unknown.
func Reduction(original, encoded int64) int {
	if original <= 0 {
		return 0
	}
	return int(math.Round(float64(original-encoded) / float64(original) * 100))
}
