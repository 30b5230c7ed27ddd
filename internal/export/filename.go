package export

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/editflow/internal/domain"
)

const timestampLayout = "20060102-150405"

// BuildFilename assembles {prefix}{stem}{suffix}[_{w}x{h}][_{timestamp}].{ext}.
func BuildFilename(original string, format domain.Format, width, height int, naming domain.Naming, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "image"
	}

	var b strings.Builder
	b.WriteString(sanitize(naming.Prefix))
	b.WriteString(stem)
	b.WriteString(sanitize(naming.Suffix))
	if naming.AppendDimensions {
		fmt.Fprintf(&b, "_%dx%d", width, height)
	}
	if naming.AppendTimestamp {
		b.WriteString("_")
		b.WriteString(now.Format(timestampLayout))
	}
	b.WriteString(".")
	b.WriteString(format.Extension())
	return b.String()
}

func sanitize(part string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		default:
			return r
		}
	}, part)
}
