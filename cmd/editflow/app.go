package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/urfave/cli/v2"

	"github.com/dunamismax/editflow/internal/convert"
	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/export"
	"github.com/dunamismax/editflow/internal/orient"
	"github.com/dunamismax/editflow/internal/render"
	"github.com/dunamismax/editflow/internal/surface"
)

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "editflow",
		Usage:     "Apply declarative edits to images and convert them",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print results as JSON"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log render and encode steps to stderr"},
		},
		Before: func(c *cli.Context) error {
			return export.Startup()
		},
		After: func(c *cli.Context) error {
			export.Shutdown()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "convert",
				Usage:     "Render edits into every file and export it",
				ArgsUsage: "FILE...",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: "edits", Usage: "JSON edit state applied to every file"},
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: string(domain.FormatPNG), Usage: "webp, jpeg, png or avif"},
					&cli.IntFlag{Name: "quality", Aliases: []string{"q"}, Usage: "encoder quality 1-100"},
					&cli.BoolFlag{Name: "lossless", Usage: "lossless webp/avif"},
					&cli.IntFlag{Name: "max-width", Usage: "shrink to at most this width"},
					&cli.IntFlag{Name: "max-height", Usage: "shrink to at most this height"},
					&cli.BoolFlag{Name: "keep-aspect", Value: true, Usage: "keep the aspect ratio when shrinking"},
					&cli.StringFlag{Name: "background", Usage: "fill behind a circular crop in jpeg output"},
					&cli.StringFlag{Name: "prefix", Usage: "output filename prefix"},
					&cli.StringFlag{Name: "suffix", Usage: "output filename suffix"},
					&cli.BoolFlag{Name: "timestamp", Usage: "append a timestamp to output filenames"},
					&cli.BoolFlag{Name: "dimensions", Usage: "append WxH to output filenames"},
					&cli.StringFlag{Name: "surface", Value: "imaging", Usage: "raster back end: imaging or canvas"},
					&cli.PathFlag{Name: "out", Aliases: []string{"o"}, Value: ".", Usage: "output directory"},
					&cli.BoolFlag{Name: "overwrite", Usage: "replace existing output files"},
				},
				Action: convertCommand,
			},
			{
				Name:      "preview",
				Usage:     "Render edits into one file and write it as an image",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: "edits", Usage: "JSON edit state"},
					&cli.PathFlag{Name: "out", Aliases: []string{"o"}, Required: true, Usage: "output path; the extension picks the format"},
					&cli.BoolFlag{Name: "no-text", Usage: "leave the text overlay out"},
				},
				Action: previewCommand,
			},
		},
	}
}

func loadEdits(path string) (*domain.EditState, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edits: %w", err)
	}
	var edits domain.EditState
	if err := json.Unmarshal(data, &edits); err != nil {
		return nil, fmt.Errorf("parse edits: %w", err)
	}
	if err := edits.Validate(); err != nil {
		return nil, err
	}
	return &edits, nil
}

func stepLogger(c *cli.Context) *log.Logger {
	if !c.Bool("verbose") {
		return nil
	}
	return log.New(c.App.ErrWriter, "[editflow] ", log.LstdFlags|log.Lmsgprefix)
}

type fileReport struct {
	Input     string `json:"input"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Reduction int    `json:"reduction,omitempty"`
}

type convertReport struct {
	Files     []fileReport `json:"files"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Cancelled bool         `json:"cancelled"`
}

func convertCommand(c *cli.Context) error {
	inputs := c.Args().Slice()
	if len(inputs) == 0 {
		return errors.New("convert: at least one FILE is required")
	}

	edits, err := loadEdits(c.Path("edits"))
	if err != nil {
		return err
	}

	format, err := domain.ParseFormat(c.String("format"))
	if err != nil {
		return err
	}
	opts := domain.ExportOptions{
		Format:              format,
		Quality:             c.Int("quality"),
		Lossless:            c.Bool("lossless"),
		MaxWidth:            c.Int("max-width"),
		MaxHeight:           c.Int("max-height"),
		MaintainAspectRatio: c.Bool("keep-aspect"),
		Background:          c.String("background"),
		Naming: domain.Naming{
			Prefix:           c.String("prefix"),
			Suffix:           c.String("suffix"),
			AppendTimestamp:  c.Bool("timestamp"),
			AppendDimensions: c.Bool("dimensions"),
		},
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	outDir := c.Path("out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	conv, err := convert.New(convert.Options{
		Surface: c.String("surface"),
		Logger:  stepLogger(c),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := convertReport{Files: make([]fileReport, len(inputs))}
	items := make([]convert.Item, len(inputs))
	for i, input := range inputs {
		report.Files[i] = fileReport{Input: input}
		items[i] = convert.Item{
			ID:       input,
			Filename: filepath.Base(input),
			Edits:    edits,
			Options:  opts,
			Open: func(context.Context) ([]byte, error) {
				return os.ReadFile(input)
			},
			Save: func(_ context.Context, artifact domain.ExportArtifact) error {
				path, err := writeOutput(outDir, artifact, c.Bool("overwrite"))
				report.Files[i].Output = path
				return err
			},
		}
	}

	batch := convert.NewBatch(conv, 0)
	summary := batch.Run(ctx, items, func(res convert.ItemResult) {
		fr := &report.Files[res.Index]
		fr.Status = res.Status
		if res.Err != nil {
			fr.Error = res.Err.Error()
		}
		if a := res.Artifact; a != nil {
			fr.Width, fr.Height = a.Width, a.Height
			fr.Bytes, fr.Reduction = a.EncodedSize, a.Reduction
		}
		if !c.Bool("json") {
			printFile(c.App.Writer, *fr)
		}
	})
	report.Succeeded, report.Failed, report.Skipped = summary.Succeeded, summary.Failed, summary.Skipped
	report.Cancelled = summary.Cancelled

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(c.App.Writer, "%d files: %d succeeded, %d failed, %d skipped\n",
			summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)
	}

	switch {
	case summary.Cancelled:
		return cli.Exit("cancelled", 130)
	case summary.Failed > 0:
		return cli.Exit("", 1)
	}
	return nil
}

func printFile(w io.Writer, fr fileReport) {
	switch fr.Status {
	case domain.FileStatusSucceeded:
		fmt.Fprintf(w, "ok    %s -> %s %dx%d %d bytes (%d%% smaller)\n", fr.Input, fr.Output, fr.Width, fr.Height, fr.Bytes, fr.Reduction)
	case domain.FileStatusFailed:
		fmt.Fprintf(w, "fail  %s: %s\n", fr.Input, fr.Error)
	default:
		fmt.Fprintf(w, "skip  %s\n", fr.Input)
	}
}

// writeOutput writes the artifact under dir. Without overwrite an existing
// name gets a numeric suffix: a.png, a-1.png, a-2.png.
func writeOutput(dir string, artifact domain.ExportArtifact, overwrite bool) (string, error) {
	ext := filepath.Ext(artifact.Filename)
	stem := strings.TrimSuffix(artifact.Filename, ext)

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	for n := 0; ; n++ {
		name := artifact.Filename
		if n > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, flags, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(artifact.Data); err != nil {
			_ = f.Close()
			return path, err
		}
		return path, f.Close()
	}
}

func previewCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("preview: exactly one FILE is required")
	}

	edits, err := loadEdits(c.Path("edits"))
	if err != nil {
		return err
	}

	input := c.Args().First()
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	if convert.IsHEIF(data) {
		transcoder := convert.NewTranscoder()
		if transcoder == nil {
			return fmt.Errorf("%w: heic/heif requires a libvips build", convert.ErrUnsupportedInput)
		}
		if data, err = transcoder.Transcode(c.Context, data); err != nil {
			return err
		}
	}

	start := time.Now()
	factory := surface.CanvasFactory{}
	upright, _, err := orient.Normalize(c.Context, data, factory)
	if err != nil {
		return err
	}
	final, err := render.Render(c.Context, factory, upright, edits, !c.Bool("no-text"), render.WithLogger(stepLogger(c)))
	if err != nil {
		return err
	}

	out := c.Path("out")
	if err := imaging.Save(final, out); err != nil {
		return err
	}

	b := final.Bounds()
	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(map[string]any{
			"input": input, "output": out, "width": b.Dx(), "height": b.Dy(),
		})
	}
	fmt.Fprintf(c.App.Writer, "%s -> %s %dx%d in %s\n", input, out, b.Dx(), b.Dy(), time.Since(start).Round(time.Millisecond))
	return nil
}
