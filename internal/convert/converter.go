// Package convert runs the per-file chain (transcode, orient, render, export)
// and the sequential batch loop built on top of it.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/export"
	"github.com/dunamismax/editflow/internal/orient"
	"github.com/dunamismax/editflow/internal/render"
	"github.com/dunamismax/editflow/internal/surface"
)

var (
	ErrUnsupportedInput = errors.New("unsupported input format")
	ErrEmptyInput       = errors.New("empty input")
)

// Transcoder turns a container the Go decoders cannot read (HEIC/HEIF) into
// one they can.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte) ([]byte, error)
}

// Request is one file conversion.
type Request struct {
	Blob         []byte
	Filename     string
	OriginalSize int64
	Edits        *domain.EditState
	Options      domain.ExportOptions
}

// Progress steps reported by Convert, in order.
const (
	ProgressStarted  = 5
	ProgressDecoded  = 25
	ProgressRendered = 50
	ProgressEncoding = 75
	ProgressDone     = 100
)

type Converter struct {
	Factory    surface.Factory
	Exporter   *export.Exporter
	Transcoder Transcoder
	Logger     *log.Logger
	Tracer     trace.Tracer
}

// Options configures New.
type Options struct {
	Surface        string
	MaxPixels      int
	Background     string
	DefaultQuality int
	Logger         *log.Logger
	Tracer         trace.Tracer
}

// New wires a Converter from the named surface back end, the runtime encoder
// and the runtime HEIC/HEIF transcoder.
func New(opts Options) (*Converter, error) {
	factory, err := surface.NewFactory(opts.Surface, opts.MaxPixels)
	if err != nil {
		return nil, err
	}
	exporter := export.NewExporter(export.NewEncoder(), opts.Background)
	exporter.DefaultQuality = opts.DefaultQuality
	return &Converter{
		Factory:    factory,
		Exporter:   exporter,
		Transcoder: NewTranscoder(),
		Logger:     opts.Logger,
		Tracer:     opts.Tracer,
	}, nil
}

func (c *Converter) logger() *log.Logger {
	if c.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return c.Logger
}

func (c *Converter) tracer() trace.Tracer {
	if c.Tracer == nil {
		return noop.NewTracerProvider().Tracer("editflow/convert")
	}
	return c.Tracer
}

// Convert runs the full chain for one file. progress may be nil; when set it
// receives strictly increasing percentages ending at 100 on success.
func (c *Converter) Convert(ctx context.Context, req Request, progress func(int)) (domain.ExportArtifact, error) {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}

	ctx, span := c.tracer().Start(ctx, "convert.file")
	defer span.End()
	span.SetAttributes(
		attribute.String("convert.filename", req.Filename),
		attribute.String("convert.format", string(req.Options.Format)),
		attribute.Int("convert.input_bytes", len(req.Blob)),
	)

	artifact, err := c.convert(ctx, req, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion failed")
		c.logger().Printf("convert failed filename=%q err=%v", req.Filename, err)
		return domain.ExportArtifact{}, err
	}

	span.SetAttributes(attribute.Int64("convert.output_bytes", artifact.EncodedSize))
	c.logger().Printf("convert done filename=%q output=%q size=%dx%d bytes=%d reduction=%d%%",
		req.Filename, artifact.Filename, artifact.Width, artifact.Height, artifact.EncodedSize, artifact.Reduction)
	return artifact, nil
}

func (c *Converter) convert(ctx context.Context, req Request, report func(int)) (domain.ExportArtifact, error) {
	if len(req.Blob) == 0 {
		return domain.ExportArtifact{}, ErrEmptyInput
	}
	report(ProgressStarted)

	data := req.Blob
	if IsHEIF(data) || isHEIFName(req.Filename) {
		if c.Transcoder == nil {
			return domain.ExportArtifact{}, fmt.Errorf("%w: heic/heif requires a transcoder", ErrUnsupportedInput)
		}
		transcoded, err := c.Transcoder.Transcode(ctx, data)
		if err != nil {
			return domain.ExportArtifact{}, fmt.Errorf("transcode heic: %w", err)
		}
		data = transcoded
	}

	upright, o, err := orient.Normalize(ctx, data, c.Factory)
	if err != nil {
		return domain.ExportArtifact{}, err
	}
	if o != orient.Upright {
		c.logger().Printf("orientation applied filename=%q orientation=%d", req.Filename, o)
	}
	report(ProgressDecoded)

	final, err := render.Render(ctx, c.Factory, upright, req.Edits, true,
		render.WithTracer(c.tracer()),
		render.WithLogger(c.Logger),
	)
	if err != nil {
		return domain.ExportArtifact{}, fmt.Errorf("render: %w", err)
	}
	report(ProgressRendered)

	size := req.OriginalSize
	if size <= 0 {
		size = int64(len(req.Blob))
	}
	report(ProgressEncoding)
	artifact, err := c.Exporter.Export(ctx, final, req.Edits, req.Options, export.SourceInfo{Filename: req.Filename, Size: size})
	if err != nil {
		return domain.ExportArtifact{}, fmt.Errorf("export: %w", err)
	}
	report(ProgressDone)
	return artifact, nil
}

var heifBrands = []string{"heic", "heix", "hevc", "hevx", "heim", "heis", "mif1", "msf1"}

// IsHEIF sniffs the ISO-BMFF ftyp box for a HEIC/HEIF major brand.
func IsHEIF(data []byte) bool {
	if len(data) < 12 || !bytes.Equal(data[4:8], []byte("ftyp")) {
		return false
	}
	brand := string(data[8:12])
	for _, b := range heifBrands {
		if brand == b {
			return true
		}
	}
	return false
}

func isHEIFName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".heic", ".heif":
		return true
	default:
		return false
	}
}
