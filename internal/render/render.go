// Package render turns a source raster and an edit state into the final raster
// shared by previews and exports.
//
// The step order is fixed: rotate, flip and filter on a working surface, crop
// (optionally through a circular clip) onto the final surface, then the text
// overlay. Text positions are post-crop, crop rectangles are pre-crop.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"math"

	"github.com/disintegration/imaging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/filter"
	"github.com/dunamismax/editflow/internal/geometry"
	"github.com/dunamismax/editflow/internal/surface"
)

type config struct {
	tracer trace.Tracer
	logger *log.Logger
}

type Option func(*config)

// WithTracer records one span per render plus a child span per step.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *config) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Render applies state to src on surfaces from factory. A nil state renders
// the source unchanged. includeText controls whether the text overlay is
// baked in.
func Render(ctx context.Context, factory surface.Factory, src image.Image, state *domain.EditState, includeText bool, opts ...Option) (*image.NRGBA, error) {
	cfg := config{
		tracer: noop.NewTracerProvider().Tracer("editflow/render"),
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	edits := state.Clone()
	ctx, span := cfg.tracer.Start(ctx, "render")
	defer span.End()
	span.SetAttributes(
		attribute.String("render.surface", factory.Name()),
		attribute.Int("render.rotation", int(edits.Rotation.Normalize())),
		attribute.Bool("render.include_text", includeText),
	)

	out, err := render(ctx, cfg, factory, src, edits, includeText)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return nil, err
	}
	return out, nil
}

func render(ctx context.Context, cfg config, factory surface.Factory, src image.Image, edits domain.EditState, includeText bool) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source := imaging.Clone(src)
	working, err := transform(ctx, cfg, factory, source, edits)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final, err := crop(ctx, cfg, factory, working, edits.Crop)
	if err != nil {
		return nil, err
	}

	if includeText && edits.TextOverlay != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := overlay(ctx, cfg, final, edits.TextOverlay); err != nil {
			return nil, err
		}
	}

	out := final.Image()
	cfg.logger.Printf("render surface=%s source=%dx%d output=%dx%d", factory.Name(), source.Rect.Dx(), source.Rect.Dy(), out.Rect.Dx(), out.Rect.Dy())
	return out, nil
}

// transform draws the source centred on a working surface with rotation,
// flips and filters applied.
func transform(ctx context.Context, cfg config, factory surface.Factory, source *image.NRGBA, edits domain.EditState) (*image.NRGBA, error) {
	_, span := cfg.tracer.Start(ctx, "render.transform")
	defer span.End()

	sw, sh := source.Rect.Dx(), source.Rect.Dy()
	rotation := int(edits.Rotation.Normalize())
	w, h := geometry.WorkingDimensions(sw, sh, rotation)

	s, err := factory.New(w, h)
	if err != nil {
		return nil, fmt.Errorf("transform surface: %w", err)
	}

	expr := filter.Build(edits.Filters)
	chain, err := filter.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	span.SetAttributes(attribute.String("render.filter", expr))

	s.Translate(float64(w)/2, float64(h)/2)
	if rotation != 0 {
		s.Rotate(float64(rotation))
	}
	s.Scale(flipScale(edits.FlipHorizontal), flipScale(edits.FlipVertical))
	s.SetFilter(chain)
	if err := s.DrawImage(source, -float64(sw)/2, -float64(sh)/2); err != nil {
		return nil, fmt.Errorf("draw working surface: %w", err)
	}
	s.SetFilter(nil)
	return s.Image(), nil
}

func flipScale(flip bool) float64 {
	if flip {
		return -1
	}
	return 1
}

// ResolveCrop rounds c to whole pixels and clamps it inside a w x h working
// raster. It reports false when there is no crop.
func ResolveCrop(c *domain.Crop, w, h int) (image.Rectangle, bool) {
	if c == nil {
		return image.Rectangle{}, false
	}
	r := geometry.ClampCropRect(geometry.Rect{
		X:      math.Round(c.X),
		Y:      math.Round(c.Y),
		Width:  math.Round(c.Width),
		Height: math.Round(c.Height),
	}, float64(w), float64(h))

	x, y := int(r.X), int(r.Y)
	return image.Rect(x, y, x+int(r.Width), y+int(r.Height)), true
}

func crop(ctx context.Context, cfg config, factory surface.Factory, working *image.NRGBA, c *domain.Crop) (surface.Surface, error) {
	_, span := cfg.tracer.Start(ctx, "render.crop")
	defer span.End()

	rect, ok := ResolveCrop(c, working.Rect.Dx(), working.Rect.Dy())
	if !ok {
		rect = working.Rect
	}
	span.SetAttributes(
		attribute.Int("render.crop.x", rect.Min.X),
		attribute.Int("render.crop.y", rect.Min.Y),
		attribute.Int("render.crop.width", rect.Dx()),
		attribute.Int("render.crop.height", rect.Dy()),
		attribute.Bool("render.crop.circle", c.IsCircle()),
	)

	s, err := factory.New(rect.Dx(), rect.Dy())
	if err != nil {
		return nil, fmt.Errorf("final surface: %w", err)
	}

	if c.IsCircle() {
		w, h := float64(rect.Dx()), float64(rect.Dy())
		s.ClipCircle(w/2, h/2, math.Min(w, h)/2)
	}
	if err := s.DrawImage(working.SubImage(rect), 0, 0); err != nil {
		return nil, fmt.Errorf("draw final surface: %w", err)
	}
	s.ResetClip()
	return s, nil
}

// overlay is always the last step so the crop shape never clips the text.
func overlay(ctx context.Context, cfg config, s surface.Surface, t *domain.TextOverlay) error {
	_, span := cfg.tracer.Start(ctx, "render.text")
	defer span.End()

	size := t.FontSize
	if !finite(size) || size <= 0 {
		size = domain.DefaultFontSize
	}
	family := t.FontFamily
	if family == "" {
		family = domain.DefaultFontFamily
	}

	fill, err := surface.ParseColor(t.Color)
	if err != nil {
		cfg.logger.Printf("text overlay color=%q invalid, using black", t.Color)
		fill = color.NRGBA{A: 255}
	}

	alpha := t.Opacity
	if math.IsNaN(alpha) {
		alpha = 0
	}
	alpha = math.Max(0, math.Min(1, alpha))

	x, y := t.X, t.Y
	if !finite(x) {
		x = 0
	}
	if !finite(y) {
		y = 0
	}

	style := surface.TextStyle{
		Font:  fmt.Sprintf("%gpx %s", size, family),
		Color: fill,
		Alpha: alpha,
	}
	if err := s.FillText(style, t.Text, x, y); err != nil {
		return fmt.Errorf("draw text overlay: %w", err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
