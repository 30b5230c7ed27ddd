package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/editflow/internal/convert"
	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/geometry"
	"github.com/dunamismax/editflow/internal/orient"
	"github.com/dunamismax/editflow/internal/render"
	"github.com/dunamismax/editflow/internal/surface"
)

// handlePreview renders one upload with the interactive back end and returns
// the PNG. The text overlay is baked in unless includeText=false.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload is too large"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload is too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file is required"})
		return
	}
	data, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file is empty"})
		return
	}

	var edits *domain.EditState
	if raw := strings.TrimSpace(r.FormValue("edits")); raw != "" {
		edits = &domain.EditState{}
		if err := json.Unmarshal([]byte(raw), edits); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "edits: " + err.Error()})
			return
		}
	}
	if err := edits.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "edits: " + err.Error()})
		return
	}

	includeText := true
	if raw := strings.TrimSpace(r.FormValue("includeText")); raw != "" {
		includeText, err = strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "includeText must be a boolean"})
			return
		}
	}

	if convert.IsHEIF(data) {
		if s.transcoder == nil {
			writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "heic/heif previews are not available on this server"})
			return
		}
		data, err = s.transcoder.Transcode(r.Context(), data)
		if err != nil {
			s.logger.Printf("preview transcode failed filename=%q err=%v", header.Filename, err)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "failed to transcode image"})
			return
		}
	}

	upright, _, err := orient.Normalize(r.Context(), data, s.previewFactory)
	if err != nil {
		s.writeRenderError(w, header.Filename, err)
		return
	}

	final, err := render.Render(r.Context(), s.previewFactory, upright, edits, includeText,
		render.WithTracer(s.tracer),
		render.WithLogger(s.logger),
	)
	if err != nil {
		s.writeRenderError(w, header.Filename, err)
		return
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, final, imaging.PNG); err != nil {
		s.logger.Printf("preview encode failed filename=%q err=%v", header.Filename, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode preview"})
		return
	}

	b := final.Bounds()
	s.metrics.previewPixels.Observe(float64(b.Dx()*b.Dy()) / 1e6)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Render-Width", strconv.Itoa(b.Dx()))
	w.Header().Set("X-Render-Height", strconv.Itoa(b.Dy()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) writeRenderError(w http.ResponseWriter, filename string, err error) {
	switch {
	case errors.Is(err, orient.ErrDecode):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "failed to decode image"})
	case errors.Is(err, surface.ErrSurfaceUnavailable):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "image is too large to render"})
	default:
		s.logger.Printf("preview render failed filename=%q err=%v", filename, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render preview"})
	}
}

type pointJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type cropRequest struct {
	Display struct {
		Left   float64 `json:"left"`
		Top    float64 `json:"top"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"display"`
	Start         pointJSON        `json:"start"`
	End           pointJSON        `json:"end"`
	NaturalWidth  float64          `json:"naturalWidth"`
	NaturalHeight float64          `json:"naturalHeight"`
	AspectRatio   float64          `json:"aspectRatio,omitempty"`
	Shape         domain.CropShape `json:"shape,omitempty"`
}

// handleCrop maps a drag selection on the displayed image to a crop in
// natural pixels, optionally locked to an aspect ratio. A circle is always
// locked to 1:1.
func (s *Server) handleCrop(w http.ResponseWriter, r *http.Request) {
	var req cropRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.NaturalWidth < 1 || req.NaturalHeight < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "naturalWidth and naturalHeight must be at least 1"})
		return
	}
	if req.Display.Width <= 0 || req.Display.Height <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "display width and height must be positive"})
		return
	}
	if req.AspectRatio < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "aspect_ratio must not be negative"})
		return
	}

	shape := domain.CropShapeRectangle
	ratio := req.AspectRatio
	if strings.EqualFold(string(req.Shape), string(domain.CropShapeCircle)) {
		shape = domain.CropShapeCircle
		ratio = 1
	}

	display := geometry.DisplayRect{Left: req.Display.Left, Top: req.Display.Top, Width: req.Display.Width, Height: req.Display.Height}
	rect := geometry.SelectionToCrop(
		geometry.Point{X: req.Start.X, Y: req.Start.Y},
		geometry.Point{X: req.End.X, Y: req.End.Y},
		display, req.NaturalWidth, req.NaturalHeight,
	)
	if ratio > 0 {
		rect = lockAspect(rect, ratio, req.NaturalWidth, req.NaturalHeight)
	}

	scales := geometry.CanvasScales(display.Width, display.Height, req.NaturalWidth, req.NaturalHeight)
	writeJSON(w, http.StatusOK, map[string]any{
		"crop": domain.Crop{
			PreCropRect: domain.PreCropRect{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height},
			Shape:       shape,
		},
		"scales": map[string]float64{"x": scales.X, "y": scales.Y},
	})
}

// lockAspect keeps the selection width and derives the height, falling back to
// the available height when the derived one would leave the raster.
func lockAspect(rect geometry.Rect, ratio, naturalW, naturalH float64) geometry.Rect {
	rect.Width, rect.Height = geometry.ApplyAspectRatio(rect.Width, rect.Height, ratio, geometry.AspectWidth)
	if rect.Y+rect.Height > naturalH {
		rect.Width, rect.Height = geometry.ApplyAspectRatio(rect.Width, naturalH-rect.Y, ratio, geometry.AspectHeight)
	}
	return geometry.ClampCropRect(rect, naturalW, naturalH)
}
