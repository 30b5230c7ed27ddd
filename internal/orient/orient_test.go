package orient

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/dunamismax/editflow/internal/surface"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func redBlue() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, blue)
	return img
}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	value    uint32
}

// littleEndianTIFF lays out a TIFF header, one IFD at offset 8 holding
// entries, and the given next-IFD offset.
func littleEndianTIFF(next uint32, entries ...ifdEntry) []byte {
	var tiff bytes.Buffer
	tiff.WriteString("II*\x00")
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(8))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&tiff, binary.LittleEndian, e.tag)
		_ = binary.Write(&tiff, binary.LittleEndian, e.typ)
		_ = binary.Write(&tiff, binary.LittleEndian, e.count)
		_ = binary.Write(&tiff, binary.LittleEndian, e.value)
	}
	_ = binary.Write(&tiff, binary.LittleEndian, next)
	return tiff.Bytes()
}

// withEXIF splices an APP1 segment carrying tiff into an encoded JPEG.
func withEXIF(jpg, tiff []byte) []byte {
	payload := append([]byte("Exif\x00\x00"), tiff...)
	segment := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(segment[2:], uint16(len(payload)+2))
	segment = append(segment, payload...)

	out := append([]byte{}, jpg[:2]...)
	out = append(out, segment...)
	return append(out, jpg[2:]...)
}

func withOrientation(t *testing.T, jpg []byte, o uint16) []byte {
	t.Helper()
	return withEXIF(jpg, littleEndianTIFF(0, ifdEntry{tag: 0x0112, typ: 3, count: 1, value: uint32(o)}))
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestReadOrientation(t *testing.T) {
	jpg := encodeJPEG(t, image.NewRGBA(image.Rect(0, 0, 8, 4)))

	if got := ReadOrientation(withOrientation(t, jpg, 6)); got != 6 {
		t.Fatalf("expected orientation 6, got %d", got)
	}
	if got := ReadOrientation(jpg); got != Upright {
		t.Fatalf("expected upright without exif, got %d", got)
	}
	if got := ReadOrientation(withOrientation(t, jpg, 42)); got != Upright {
		t.Fatalf("expected upright for invalid tag, got %d", got)
	}
	if got := ReadOrientation([]byte("not an image")); got != Upright {
		t.Fatalf("expected upright for garbage, got %d", got)
	}
}

func TestReadOrientationRejectsOversizedTagCount(t *testing.T) {
	jpg := encodeJPEG(t, image.NewRGBA(image.Rect(0, 0, 8, 4)))
	// A SHORT count of 0x80000002 wraps the 32-bit value length to 4 bytes,
	// which would make the decoder allocate billions of values.
	data := withEXIF(jpg, littleEndianTIFF(0, ifdEntry{tag: 0x0112, typ: 3, count: 0x80000002, value: 6}))

	if got := ReadOrientation(data); got != Upright {
		t.Fatalf("expected upright for oversized count, got %d", got)
	}

	out, o, err := Normalize(context.Background(), data, surface.CanvasFactory{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if o != Upright || out.Bounds().Dx() != 8 || out.Bounds().Dy() != 4 {
		t.Fatalf("expected untouched 8x4 upright output, got %d %v", o, out.Bounds())
	}
}

func TestReadOrientationRejectsMalformedDirectories(t *testing.T) {
	jpg := encodeJPEG(t, image.NewRGBA(image.Rect(0, 0, 8, 4)))
	orientation := ifdEntry{tag: 0x0112, typ: 3, count: 1, value: 6}

	tests := []struct {
		name string
		tiff []byte
	}{
		{name: "value offset past end", tiff: littleEndianTIFF(0, orientation, ifdEntry{tag: 0x010F, typ: 2, count: 64, value: 4000})},
		{name: "ifd chain loops back", tiff: littleEndianTIFF(8, orientation)},
		{name: "next ifd past end", tiff: littleEndianTIFF(0xFFFF, orientation)},
		{name: "exif sub-ifd past end", tiff: littleEndianTIFF(0, orientation, ifdEntry{tag: 0x8769, typ: 4, count: 1, value: 0x7FFFFFFF})},
		{name: "sub-ifd points at itself", tiff: littleEndianTIFF(0, orientation, ifdEntry{tag: 0x8769, typ: 4, count: 1, value: 8})},
		{name: "truncated header", tiff: []byte("II*\x00\x08")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadOrientation(withEXIF(jpg, tt.tiff)); got != Upright {
				t.Fatalf("expected upright, got %d", got)
			}
		})
	}
}

func TestExifTIFFStopsAtBrokenSegments(t *testing.T) {
	jpg := encodeJPEG(t, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	tagged := withOrientation(t, jpg, 3)

	if _, ok := exifTIFF(tagged); !ok {
		t.Fatal("expected exif block in tagged jpeg")
	}
	if _, ok := exifTIFF(jpg); ok {
		t.Fatal("expected no exif block in plain jpeg")
	}

	// Segment length claims more bytes than the file holds.
	truncated := append([]byte{}, tagged[:2]...)
	truncated = append(truncated, 0xFF, 0xE1, 0xFF, 0xF0, 'E', 'x', 'i', 'f', 0, 0)
	if _, ok := exifTIFF(truncated); ok {
		t.Fatal("expected truncated segment to be ignored")
	}

	// Stray FF E1 bytes in a non-JPEG stream are not an EXIF block.
	if _, ok := exifTIFF(append([]byte("\x89PNG\xFF\xE1\x00\x20Exif\x00\x00"), make([]byte, 32)...)); ok {
		t.Fatal("expected non-jpeg data to be ignored")
	}
}

func TestNormalizeRotatesTaggedJPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 8))
	data := withOrientation(t, encodeJPEG(t, src), 6)

	out, o, err := Normalize(context.Background(), data, surface.CanvasFactory{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if o != 6 {
		t.Fatalf("expected orientation 6, got %d", o)
	}
	if out.Bounds().Dx() != 8 || out.Bounds().Dy() != 16 {
		t.Fatalf("expected 8x16 output, got %v", out.Bounds())
	}
}

func TestNormalizeFailsOpenOnMissingMetadata(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, redBlue()); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	out, o, err := Normalize(context.Background(), buf.Bytes(), surface.ImagingFactory{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if o != Upright {
		t.Fatalf("expected upright, got %d", o)
	}
	if out.NRGBAAt(0, 0) != red || out.NRGBAAt(1, 0) != blue {
		t.Fatalf("expected untouched pixels, got %v %v", out.NRGBAAt(0, 0), out.NRGBAAt(1, 0))
	}
}

func TestNormalizeDecodeFailure(t *testing.T) {
	_, _, err := Normalize(context.Background(), []byte("nope"), surface.CanvasFactory{})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestNormalizeHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := Normalize(ctx, []byte{}, surface.CanvasFactory{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestApplyOrientations(t *testing.T) {
	// Where the red (left) source pixel ends up for each orientation.
	cases := []struct {
		o       Orientation
		w, h    int
		redAt   image.Point
		blueAt  image.Point
		comment string
	}{
		{o: 1, w: 2, h: 1, redAt: image.Pt(0, 0), blueAt: image.Pt(1, 0), comment: "upright"},
		{o: 2, w: 2, h: 1, redAt: image.Pt(1, 0), blueAt: image.Pt(0, 0), comment: "mirror horizontal"},
		{o: 3, w: 2, h: 1, redAt: image.Pt(1, 0), blueAt: image.Pt(0, 0), comment: "rotate 180"},
		{o: 4, w: 2, h: 1, redAt: image.Pt(0, 0), blueAt: image.Pt(1, 0), comment: "mirror vertical"},
		{o: 5, w: 1, h: 2, redAt: image.Pt(0, 0), blueAt: image.Pt(0, 1), comment: "transpose"},
		{o: 6, w: 1, h: 2, redAt: image.Pt(0, 0), blueAt: image.Pt(0, 1), comment: "rotate 90 cw"},
		{o: 7, w: 1, h: 2, redAt: image.Pt(0, 1), blueAt: image.Pt(0, 0), comment: "transverse"},
		{o: 8, w: 1, h: 2, redAt: image.Pt(0, 1), blueAt: image.Pt(0, 0), comment: "rotate 90 ccw"},
	}

	for _, factory := range []surface.Factory{surface.CanvasFactory{}, surface.ImagingFactory{}} {
		for _, tc := range cases {
			out, err := Apply(redBlue(), tc.o, factory)
			if err != nil {
				t.Fatalf("%s %s: apply: %v", factory.Name(), tc.comment, err)
			}
			if out.Bounds().Dx() != tc.w || out.Bounds().Dy() != tc.h {
				t.Fatalf("%s %s: expected %dx%d, got %v", factory.Name(), tc.comment, tc.w, tc.h, out.Bounds())
			}
			if got := out.NRGBAAt(tc.redAt.X, tc.redAt.Y); got != red {
				t.Fatalf("%s %s: expected red at %v, got %v", factory.Name(), tc.comment, tc.redAt, got)
			}
			if got := out.NRGBAAt(tc.blueAt.X, tc.blueAt.Y); got != blue {
				t.Fatalf("%s %s: expected blue at %v, got %v", factory.Name(), tc.comment, tc.blueAt, got)
			}
		}
	}
}

func TestApplyBackEndsAgreeOnAsymmetricImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 5, 3))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 7)
	}
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 255
	}

	for o := Orientation(1); o <= 8; o++ {
		a, err := Apply(src, o, surface.CanvasFactory{})
		if err != nil {
			t.Fatalf("canvas orientation %d: %v", o, err)
		}
		b, err := Apply(src, o, surface.ImagingFactory{})
		if err != nil {
			t.Fatalf("imaging orientation %d: %v", o, err)
		}
		if !bytes.Equal(a.Pix, b.Pix) {
			t.Fatalf("orientation %d: back ends disagree", o)
		}
	}
}
