//go:build govips && cgo

package convert

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

// vipsTranscoder decodes HEIC/HEIF through libvips (libheif) and hands back a
// PNG. libheif applies the container's own transforms, so the PNG is upright.
type vipsTranscoder struct{}

func (vipsTranscoder) Transcode(ctx context.Context, data []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}
	defer ref.Close()

	out, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("re-encode heif as png: %w", err)
	}
	return out, nil
}

// NewTranscoder returns the libvips HEIC/HEIF transcoder.
func NewTranscoder() Transcoder {
	return vipsTranscoder{}
}
