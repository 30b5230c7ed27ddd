package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// Format is an export container format.
type Format string

const (
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatAVIF Format = "avif"
)

const DefaultQuality = 80

// ParseFormat accepts the canonical names plus the "jpg" alias.
func ParseFormat(in string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "avif":
		return FormatAVIF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, in)
	}
}

// Extension returns the canonical file extension without a dot.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	default:
		return string(f)
	}
}

func (f Format) MIMEType() string {
	return "image/" + string(f)
}

// SupportsAlpha reports whether the container can carry transparent pixels.
func (f Format) SupportsAlpha() bool {
	return f != FormatJPEG
}

// Naming controls how the output filename is assembled.
type Naming struct {
	Prefix           string `json:"prefix,omitempty"`
	Suffix           string `json:"suffix,omitempty"`
	AppendTimestamp  bool   `json:"appendTimestamp,omitempty"`
	AppendDimensions bool   `json:"appendDimensions,omitempty"`
}

// ExportOptions describes how a final raster is encoded.
type ExportOptions struct {
	Format              Format `json:"format"`
	Quality             int    `json:"quality,omitempty"`
	Lossless            bool   `json:"lossless,omitempty"`
	MaxWidth            int    `json:"maxWidth,omitempty"`
	MaxHeight           int    `json:"maxHeight,omitempty"`
	MaintainAspectRatio bool   `json:"maintainAspectRatio"`
	Background          string `json:"background,omitempty"`
	Naming              Naming `json:"naming,omitempty"`
}

// UnmarshalJSON keeps the aspect ratio unless the request turns it off.
func (o *ExportOptions) UnmarshalJSON(data []byte) error {
	type plain ExportOptions
	decoded := plain{MaintainAspectRatio: true}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*o = ExportOptions(decoded)
	return nil
}

func (o ExportOptions) Validate() error {
	if _, err := ParseFormat(string(o.Format)); err != nil {
		return err
	}
	if o.Quality < 0 || o.Quality > 100 {
		return fmt.Errorf("quality must be within [1,100], got %d", o.Quality)
	}
	if o.MaxWidth < 0 || o.MaxHeight < 0 {
		return errors.New("maxWidth and maxHeight must not be negative")
	}
	return nil
}

// ExportArtifact is one encoded output together with its size statistics.
type ExportArtifact struct {
	Data         []byte `json:"data,omitempty"`
	MIMEType     string `json:"mimeType"`
	Format       Format `json:"format"`
	Filename     string `json:"filename"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	OriginalSize int64  `json:"originalSize"`
	EncodedSize  int64  `json:"encodedSize"`
	Reduction    int    `json:"reduction"`
}
