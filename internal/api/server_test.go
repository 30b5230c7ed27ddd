package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/queue"
	"github.com/dunamismax/editflow/internal/ratelimit"
	"github.com/dunamismax/editflow/internal/store"
)

type fakeQueue struct {
	payloads []queue.ConvertImagesPayload
	err      error
}

func (q *fakeQueue) EnqueueConvertImages(_ context.Context, payload queue.ConvertImagesPayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeObjects struct {
	existing map[string]bool
	puts     []string
}

func (o *fakeObjects) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	o.puts = append(o.puts, key)
	return "https://objects.test/put/" + key, nil
}

func (o *fakeObjects) PresignedGetURL(_ context.Context, key, filename string, _ time.Duration) (string, error) {
	return "https://objects.test/get/" + key + "?name=" + filename, nil
}

func (o *fakeObjects) ObjectExists(_ context.Context, key string) (bool, error) {
	return o.existing[key], nil
}

type fakeLimiter struct {
	allow    bool
	subjects []string
	costs    []int
}

func (l *fakeLimiter) AllowN(_ context.Context, subject string, cost int) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	l.costs = append(l.costs, cost)
	if l.allow {
		return ratelimit.Decision{Allowed: true, Cost: int64(cost), Limit: 60, Remaining: 10, ResetAfter: 4 * time.Second}, nil
	}
	return ratelimit.Decision{Allowed: false, Cost: int64(cost), Limit: 60, RetryAfter: 1500 * time.Millisecond}, nil
}

type fixture struct {
	server  *Server
	jobs    *store.MemoryJobStore
	queue   *fakeQueue
	objects *fakeObjects
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	f := fixture{
		jobs:    store.NewMemoryJobStore(),
		queue:   &fakeQueue{},
		objects: &fakeObjects{existing: map[string]bool{}},
	}
	f.server = NewServer(log.New(io.Discard, "", 0), f.queue, f.jobs, f.objects, opts)
	return f
}

func (f fixture) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f fixture) seed(t *testing.T, job domain.Job) {
	t.Helper()
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: 80, B: uint8(y * 4), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func previewForm(t *testing.T, data []byte, fields map[string]string) (io.Reader, http.Header) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, http.Header{"Content-Type": {mw.FormDataContentType()}}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateLocalJob(t *testing.T) {
	f := newFixture(t, Options{})
	body := `{"sourceType":"local_file","files":[{"filename":"a.png","objectKey":"/data/a.png","edits":{"rotation":90}}],"export":{"format":"jpg","quality":70}}`

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(body), http.Header{"X-User-Id": {"user-7"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID   string         `json:"jobId"`
		Status  string         `json:"status"`
		Uploads []uploadTarget `json:"uploads"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != domain.JobStatusCreated {
		t.Fatalf("expected created, got %s", resp.Status)
	}
	if len(resp.Uploads) != 1 || resp.Uploads[0].PresignedURLState != "not_required" {
		t.Fatalf("unexpected uploads: %+v", resp.Uploads)
	}

	job, ok, err := f.jobs.Get(context.Background(), resp.JobID)
	if err != nil || !ok {
		t.Fatalf("expected stored job, ok=%v err=%v", ok, err)
	}
	if job.UserID != "user-7" {
		t.Fatalf("expected user-7, got %q", job.UserID)
	}
	if job.Export.Format != domain.FormatJPEG {
		t.Fatalf("expected normalised jpeg format, got %s", job.Export.Format)
	}
	if job.Files[0].ID == "" || job.Files[0].Edits == nil || job.Files[0].Edits.Rotation != 90 {
		t.Fatalf("unexpected stored file: %+v", job.Files[0])
	}
}

func TestCreateS3JobPresignsUploads(t *testing.T) {
	f := newFixture(t, Options{})
	body := `{"sourceType":"s3_presigned","files":[{"filename":"a.png"},{"filename":"b.png"}],"export":{"format":"webp"}}`

	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(body), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID   string         `json:"jobId"`
		Uploads []uploadTarget `json:"uploads"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Uploads) != 2 || len(f.objects.puts) != 2 {
		t.Fatalf("expected two presigned uploads, got %+v", resp.Uploads)
	}
	for _, u := range resp.Uploads {
		want := "uploads/" + resp.JobID + "/" + u.FileID
		if u.ObjectKey != want {
			t.Fatalf("expected key %s, got %s", want, u.ObjectKey)
		}
		if u.PresignedURLState != "ready" || !strings.HasSuffix(u.PresignedPutURL, want) {
			t.Fatalf("unexpected upload target: %+v", u)
		}
	}
}

func TestCreateJobRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, Options{})
	bodies := []string{
		`{"sourceType":"ftp","files":[{"filename":"a.png"}],"export":{"format":"png"}}`,
		`{"sourceType":"local_file","files":[],"export":{"format":"png"}}`,
		`{"sourceType":"local_file","files":[{"filename":"a.png","objectKey":"a"}],"export":{"format":"gif"}}`,
		`{"sourceType":"local_file","files":[{"filename":"a.png","objectKey":"a","edits":{"rotation":45}}],"export":{"format":"png"}}`,
		`{"sourceType":"local_file","unknown":true}`,
	}
	for _, body := range bodies {
		rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(body), nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
}

func TestStartJobEnqueuesWhenSourcesExist(t *testing.T) {
	f := newFixture(t, Options{})
	src := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(src, pngBytes(t, 4, 4), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	f.seed(t, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		SourceType: domain.SourceTypeLocalFile,
		Files:      []domain.JobFile{{ID: "f1", ObjectKey: src, Filename: "a.png"}},
		Export:     domain.ExportOptions{Format: domain.FormatPNG},
	})

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/start", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.queue.payloads) != 1 || f.queue.payloads[0].JobID != "job-1" {
		t.Fatalf("unexpected enqueued payloads: %+v", f.queue.payloads)
	}
	job, _, _ := f.jobs.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	rec = f.do(t, http.MethodPost, "/v1/jobs/job-1/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", rec.Code)
	}
}

func TestStartJobRejectsMissingSource(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		SourceType: domain.SourceTypeS3Presigned,
		Files:      []domain.JobFile{{ID: "f1", ObjectKey: "uploads/job-1/f1", Filename: "a.png"}},
		Export:     domain.ExportOptions{Format: domain.FormatPNG},
	})

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if len(f.queue.payloads) != 0 {
		t.Fatal("expected nothing to be enqueued")
	}
}

func TestStartJobRollsBackWhenEnqueueFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue.err = errors.New("redis down")
	f.objects.existing["uploads/job-1/f1"] = true
	f.seed(t, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		SourceType: domain.SourceTypeS3Presigned,
		Files:      []domain.JobFile{{ID: "f1", ObjectKey: "uploads/job-1/f1", Filename: "a.png"}},
		Export:     domain.ExportOptions{Format: domain.FormatPNG},
	})

	rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/start", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	job, _, _ := f.jobs.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusCreated {
		t.Fatalf("expected status rolled back to created, got %s", job.Status)
	}
}

func TestCancelJob(t *testing.T) {
	tests := []struct {
		from       string
		wantCode   int
		wantStatus string
	}{
		{from: domain.JobStatusCreated, wantCode: http.StatusAccepted, wantStatus: domain.JobStatusCancelled},
		{from: domain.JobStatusQueued, wantCode: http.StatusAccepted, wantStatus: domain.JobStatusCancelRequested},
		{from: domain.JobStatusProcessing, wantCode: http.StatusAccepted, wantStatus: domain.JobStatusCancelRequested},
		{from: domain.JobStatusSucceeded, wantCode: http.StatusConflict, wantStatus: domain.JobStatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.seed(t, domain.Job{ID: "job-1", Status: tt.from, SourceType: domain.SourceTypeLocalFile})

			rec := f.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", nil, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			job, _, _ := f.jobs.Get(context.Background(), "job-1")
			if job.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, job.Status)
			}
		})
	}
}

func TestGetJobIncludesDownloadURLs(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCompletedWithErrors,
		SourceType: domain.SourceTypeS3Presigned,
		Files:      []domain.JobFile{{ID: "f1", Filename: "a.png"}, {ID: "f2", Filename: "b.png"}},
		Results: []domain.FileResult{
			{FileID: "f1", Filename: "a.webp", Status: domain.FileStatusSucceeded, Path: "outputs/job-1/a.webp"},
			{FileID: "f2", Filename: "b.png", Status: domain.FileStatusFailed, Error: "decode"},
		},
	})

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status  string           `json:"status"`
		Results []fileResultView `json:"results"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != domain.JobStatusCompletedWithErrors || len(resp.Results) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if want := "https://objects.test/get/outputs/job-1/a.webp?name=a.webp"; resp.Results[0].DownloadURL != want {
		t.Fatalf("expected %s, got %s", want, resp.Results[0].DownloadURL)
	}
	if resp.Results[1].DownloadURL != "" {
		t.Fatalf("expected no download url for a failed file, got %s", resp.Results[1].DownloadURL)
	}

	rec = f.do(t, http.MethodGet, "/v1/jobs/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPreviewRendersEdits(t *testing.T) {
	f := newFixture(t, Options{})
	body, header := previewForm(t, pngBytes(t, 40, 20), map[string]string{
		"edits": `{"rotation":90,"textOverlay":{"text":"hi","x":1,"y":1}}`,
	})

	rec := f.do(t, http.MethodPost, "/v1/preview", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
	if rec.Header().Get("X-Render-Width") != "20" || rec.Header().Get("X-Render-Height") != "40" {
		t.Fatalf("unexpected render size %sx%s", rec.Header().Get("X-Render-Width"), rec.Header().Get("X-Render-Height"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 40 {
		t.Fatalf("expected 20x40 preview, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestPreviewErrors(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		data     []byte
		fields   map[string]string
		wantCode int
	}{
		{name: "undecodable", data: []byte("not an image"), wantCode: http.StatusUnprocessableEntity},
		{name: "bad edits", data: pngBytes(t, 4, 4), fields: map[string]string{"edits": `{"rotation":45}`}, wantCode: http.StatusBadRequest},
		{name: "bad includeText", data: pngBytes(t, 4, 4), fields: map[string]string{"includeText": "maybe"}, wantCode: http.StatusBadRequest},
		{name: "surface cap", opts: Options{MaxPixels: 100}, data: pngBytes(t, 40, 20), wantCode: http.StatusRequestEntityTooLarge},
		{name: "upload cap", opts: Options{MaxUploadBytes: 64}, data: pngBytes(t, 40, 20), wantCode: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			body, header := previewForm(t, tt.data, tt.fields)
			rec := f.do(t, http.MethodPost, "/v1/preview", body, header)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCropMapsSelectionToNaturalPixels(t *testing.T) {
	tests := []struct {
		name string
		body string
		want domain.Crop
	}{
		{
			name: "free",
			body: `{"display":{"left":0,"top":0,"width":200,"height":100},"start":{"x":110,"y":60},"end":{"x":10,"y":10},"naturalWidth":400,"naturalHeight":200}`,
			want: domain.Crop{PreCropRect: domain.PreCropRect{X: 20, Y: 20, Width: 200, Height: 100}, Shape: domain.CropShapeRectangle},
		},
		{
			name: "circle falls back to available height",
			body: `{"display":{"left":0,"top":0,"width":200,"height":100},"start":{"x":10,"y":10},"end":{"x":110,"y":60},"naturalWidth":400,"naturalHeight":200,"shape":"circle"}`,
			want: domain.Crop{PreCropRect: domain.PreCropRect{X: 20, Y: 20, Width: 180, Height: 180}, Shape: domain.CropShapeCircle},
		},
		{
			name: "offset display and clamping",
			body: `{"display":{"left":50,"top":20,"width":100,"height":100},"start":{"x":40,"y":10},"end":{"x":500,"y":500},"naturalWidth":300,"naturalHeight":300}`,
			want: domain.Crop{PreCropRect: domain.PreCropRect{X: 0, Y: 0, Width: 300, Height: 300}, Shape: domain.CropShapeRectangle},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			rec := f.do(t, http.MethodPost, "/v1/crop", strings.NewReader(tt.body), nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var resp struct {
				Crop domain.Crop `json:"crop"`
			}
			decodeBody(t, rec, &resp)
			if resp.Crop != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, resp.Crop)
			}
		})
	}
}

func TestCropRejectsEmptyNaturalSize(t *testing.T) {
	f := newFixture(t, Options{})
	body := `{"display":{"width":10,"height":10},"start":{"x":0,"y":0},"end":{"x":5,"y":5},"naturalWidth":0,"naturalHeight":10}`
	rec := f.do(t, http.MethodPost, "/v1/crop", strings.NewReader(body), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRateLimitChargesPreviewCost(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	f := newFixture(t, Options{RateLimiter: limiter, PreviewCost: 3})

	body, header := previewForm(t, pngBytes(t, 4, 4), nil)
	header.Set("X-User-ID", "u1")
	rec := f.do(t, http.MethodPost, "/v1/preview", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	_ = f.do(t, http.MethodGet, "/v1/jobs/none", nil, nil)

	if len(limiter.costs) != 1 || limiter.costs[0] != 3 {
		t.Fatalf("expected a single charge of 3, got %v", limiter.costs)
	}
	if limiter.subjects[0] != "u1:/v1/preview" {
		t.Fatalf("unexpected subject %s", limiter.subjects[0])
	}
	if rec.Header().Get("X-RateLimit-Cost") != "3" || rec.Header().Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("expected cost 3 of limit 60, got %s of %s", rec.Header().Get("X-RateLimit-Cost"), rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Reset") != "4" {
		t.Fatalf("expected reset 4, got %s", rec.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimitScalesPreviewCostWithUploadSize(t *testing.T) {
	limiter := &fakeLimiter{}
	f := newFixture(t, Options{RateLimiter: limiter, PreviewCost: 2})

	req := httptest.NewRequest(http.MethodPost, "/v1/preview", strings.NewReader("x"))
	req.ContentLength = 2*ratelimit.PreviewUnitBytes + 1
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if len(limiter.costs) != 1 || limiter.costs[0] != 6 {
		t.Fatalf("expected a single charge of 6, got %v", limiter.costs)
	}
	if rec.Header().Get("X-RateLimit-Cost") != "6" {
		t.Fatalf("expected cost header 6, got %s", rec.Header().Get("X-RateLimit-Cost"))
	}
}

func TestRateLimitRejects(t *testing.T) {
	f := newFixture(t, Options{RateLimiter: &fakeLimiter{}})
	rec := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{}`), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %s", rec.Header().Get("Retry-After"))
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/jobs":            "/v1/jobs",
		"/v1/jobs/abc":        "/v1/jobs/{id}",
		"/v1/jobs/abc/start":  "/v1/jobs/{id}/start",
		"/v1/jobs/abc/cancel": "/v1/jobs/{id}/cancel",
		"/v1/preview":         "/v1/preview",
		"/healthz":            "/healthz",
		"/favicon.ico":        "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%s): expected %s, got %s", path, want, got)
		}
	}
}
