package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/editflow/internal/convert"
	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/export"
	"github.com/dunamismax/editflow/internal/surface"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var (
	ErrUnsupportedSourceType = errors.New("unsupported sourceType")
	ErrInvalidRequest        = errors.New("invalid pipeline request")
)

type Request struct {
	JobID      string
	SourceType string
	Files      []domain.JobFile
	Export     domain.ExportOptions
}

type Output struct {
	FileID       string
	Filename     string
	Format       domain.Format
	Path         string
	Bytes        int
	Width        int
	Height       int
	OriginalSize int64
	Reduction    int
}

type Result struct {
	Outputs     []Output
	Files       []domain.FileResult
	Summary     convert.Summary
	SourceBytes int
}

type Fetcher interface {
	SourceType() string
	Fetch(ctx context.Context, req Request, file domain.JobFile) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, file domain.JobFile, artifact domain.ExportArtifact) (Output, error)
}

// Config tunes a Processor. A nil Converter gets the pure Go default chain.
type Config struct {
	Converter convert.FileConverter
	Yield     time.Duration
	Logger    *log.Logger
}

type Processor struct {
	fetcher   Fetcher
	converter convert.FileConverter
	emitter   Emitter
	yield     time.Duration
	logger    *log.Logger
}

func newProcessor(fetcher Fetcher, emitter Emitter, cfg Config) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	conv := cfg.Converter
	if conv == nil {
		conv = &convert.Converter{
			Factory:  surface.ImagingFactory{MaxPixels: surface.DefaultMaxPixels},
			Exporter: export.NewExporter(nil, ""),
			Logger:   logger,
		}
	}
	return &Processor{
		fetcher:   fetcher,
		converter: conv,
		emitter:   emitter,
		yield:     cfg.Yield,
		logger:    logger,
	}, nil
}

func NewLocalProcessor(outputDir string, cfg Config) (*Processor, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	return newProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, cfg)
}

// Process converts every file of req in order. Fetch, convert and emit
// failures are recorded per file; only a malformed request fails the call.
// batchHook, when set, sees the batch before it starts so the caller can
// cancel it or observe progress.
func (p *Processor) Process(ctx context.Context, req Request, batchHook func(*convert.Batch)) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, fmt.Errorf("%w: job_id is required", ErrInvalidRequest)
	}
	if len(req.Files) == 0 {
		return Result{}, fmt.Errorf("%w: files must contain at least one entry", ErrInvalidRequest)
	}
	if !strings.EqualFold(req.SourceType, p.fetcher.SourceType()) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	var (
		sourceBytes int
		names       = newNameSet()
		outputs     = make([]*Output, len(req.Files))
	)

	items := make([]convert.Item, len(req.Files))
	for i, file := range req.Files {
		items[i] = convert.Item{
			ID:       file.ID,
			Filename: file.Filename,
			Edits:    file.Edits,
			Options:  req.Export,
			Open: func(ctx context.Context) ([]byte, error) {
				data, err := p.fetcher.Fetch(ctx, req, file)
				if err != nil {
					return nil, err
				}
				sourceBytes += len(data)
				return data, nil
			},
			Save: func(ctx context.Context, artifact domain.ExportArtifact) error {
				artifact.Filename = names.claim(artifact.Filename)
				out, err := p.emitter.Emit(ctx, req, file, artifact)
				if err != nil {
					return err
				}
				outputs[i] = &out
				return nil
			},
		}
	}

	batch := convert.NewBatch(p.converter, p.yield)
	if batchHook != nil {
		batchHook(batch)
	}

	files := make([]domain.FileResult, 0, len(req.Files))
	summary := batch.Run(ctx, items, func(r convert.ItemResult) {
		fr := domain.FileResult{FileID: r.ID, Filename: r.Filename, Status: r.Status}
		switch {
		case r.Err != nil:
			fr.Error = r.Err.Error()
			p.logger.Printf("file failed job_id=%s file_id=%s filename=%q err=%v", req.JobID, r.ID, r.Filename, r.Err)
		case outputs[r.Index] != nil:
			out := outputs[r.Index]
			fr.Path = out.Path
			fr.Format = out.Format
			fr.Width, fr.Height = out.Width, out.Height
			fr.OriginalSize = out.OriginalSize
			fr.EncodedSize = int64(out.Bytes)
			fr.Reduction = out.Reduction
		}
		files = append(files, fr)
	})

	result := Result{Files: files, Summary: summary, SourceBytes: sourceBytes}
	for _, out := range outputs {
		if out != nil {
			result.Outputs = append(result.Outputs, *out)
		}
	}
	return result, nil
}

func outputFor(file domain.JobFile, artifact domain.ExportArtifact, path string) Output {
	return Output{
		FileID:       file.ID,
		Filename:     artifact.Filename,
		Format:       artifact.Format,
		Path:         path,
		Bytes:        len(artifact.Data),
		Width:        artifact.Width,
		Height:       artifact.Height,
		OriginalSize: artifact.OriginalSize,
		Reduction:    artifact.Reduction,
	}
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) SourceType() string { return SourceTypeLocalFile }

func (LocalFileFetcher) Fetch(ctx context.Context, _ Request, file domain.JobFile) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(file.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", file.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, file domain.JobFile, artifact domain.ExportArtifact) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, filepath.Base(artifact.Filename))
	if err := os.WriteFile(fullPath, artifact.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}
	return outputFor(file, artifact, fullPath), nil
}

// nameSet keeps output names unique within one job by numbering repeats.
type nameSet struct {
	seen map[string]int
}

func newNameSet() *nameSet {
	return &nameSet{seen: make(map[string]int)}
}

func (n *nameSet) claim(name string) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for {
		count := n.seen[strings.ToLower(candidate)]
		n.seen[strings.ToLower(candidate)] = count + 1
		if count == 0 {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, count, ext)
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
