package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/dunamismax/editflow/internal/domain"
)

func BenchmarkProcessorResize(b *testing.B) {
	source := benchmarkPNG(b, 1920, 1080)
	processor, err := NewLocalProcessor(b.TempDir(), Config{})
	if err != nil {
		b.Fatalf("new local processor: %v", err)
	}
	processor.fetcher = staticFetcher{data: source}
	processor.emitter = discardEmitter{}

	req := Request{
		JobID:      "bench",
		SourceType: SourceTypeLocalFile,
		Files:      []domain.JobFile{{ID: "f", ObjectKey: "ignored.png", Filename: "ignored.png"}},
		Export:     domain.ExportOptions{Format: domain.FormatJPEG, Quality: 82, MaxWidth: 640, MaintainAspectRatio: true},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-resize-%d", i)
		if _, err := processor.Process(context.Background(), req, nil); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

func BenchmarkProcessorFullEdit(b *testing.B) {
	source := benchmarkPNG(b, 1920, 1080)
	processor, err := NewLocalProcessor(b.TempDir(), Config{})
	if err != nil {
		b.Fatalf("new local processor: %v", err)
	}
	processor.fetcher = staticFetcher{data: source}
	processor.emitter = discardEmitter{}

	edits := &domain.EditState{
		Rotation:       90,
		FlipHorizontal: true,
		Filters:        &domain.Filters{Brightness: 110, Contrast: 95, Saturation: 120, Sepia: true},
		Crop: &domain.Crop{
			PreCropRect: domain.PreCropRect{X: 100, Y: 100, Width: 800, Height: 800},
			Shape:       domain.CropShapeCircle,
		},
		TextOverlay: &domain.TextOverlay{
			PostCropPoint: domain.PostCropPoint{X: 40, Y: 400},
			Text:          "editflow",
			FontSize:      48,
			FontFamily:    domain.DefaultFontFamily,
			Color:         domain.DefaultTextColor,
			Opacity:       1,
		},
	}

	req := Request{
		JobID:      "bench",
		SourceType: SourceTypeLocalFile,
		Files:      []domain.JobFile{{ID: "f", ObjectKey: "ignored.png", Filename: "ignored.png", Edits: edits}},
		Export:     domain.ExportOptions{Format: domain.FormatPNG},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-edit-%d", i)
		if _, err := processor.Process(context.Background(), req, nil); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (staticFetcher) SourceType() string { return SourceTypeLocalFile }

func (f staticFetcher) Fetch(context.Context, Request, domain.JobFile) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, file domain.JobFile, artifact domain.ExportArtifact) (Output, error) {
	return outputFor(file, artifact, ""), nil
}

func benchmarkPNG(b *testing.B, w, h int) []byte {
	b.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		b.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}
