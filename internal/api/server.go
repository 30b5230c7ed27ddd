package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/editflow/internal/convert"
	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/id"
	"github.com/dunamismax/editflow/internal/queue"
	"github.com/dunamismax/editflow/internal/storage"
	"github.com/dunamismax/editflow/internal/store"
	"github.com/dunamismax/editflow/internal/surface"
)

const (
	defaultPresignTTL     = 15 * time.Minute
	defaultMaxUploadBytes = 50 << 20
	defaultUserIDHeader   = "X-User-ID"
)

type Server struct {
	logger                *log.Logger
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	presignTTL            time.Duration
	mux                   *http.ServeMux
	metrics               *metrics
	tracer                trace.Tracer
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	previewCost           int
	previewFactory        surface.Factory
	transcoder            convert.Transcoder
	maxUploadBytes        int64
}

// Options carries the optional collaborators and limits of a Server.
type Options struct {
	PresignTTL     time.Duration
	Tracer         trace.Tracer
	RateLimiter    RateLimiter
	UserIDHeader   string
	PreviewCost    int
	MaxUploadBytes int64
	MaxPixels      int
	Transcoder     convert.Transcoder
}

type queueEnqueuer interface {
	EnqueueConvertImages(ctx context.Context, payload queue.ConvertImagesPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, storage objectStorage, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = defaultUserIDHeader
	}
	if storage == nil {
		storage = unavailableObjectStorage{}
	}

	s := &Server{
		logger:                logger,
		queueClient:           queueClient,
		jobStore:              jobStore,
		storage:               storage,
		presignTTL:            opts.PresignTTL,
		mux:                   http.NewServeMux(),
		metrics:               newMetrics(),
		tracer:                opts.Tracer,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.UserIDHeader,
		previewCost:           max(1, opts.PreviewCost),
		previewFactory:        surface.CanvasFactory{MaxPixels: opts.MaxPixels},
		transcoder:            opts.Transcoder,
		maxUploadBytes:        opts.MaxUploadBytes,
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) PresignedGetURL(_ context.Context, _, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/preview", s.handlePreview)
	s.mux.HandleFunc("POST /v1/crop", s.handleCrop)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadTarget struct {
	FileID            string `json:"fileId"`
	Filename          string `json:"filename"`
	ObjectKey         string `json:"objectKey"`
	PresignedPutURL   string `json:"presignedPutUrl,omitempty"`
	PresignedURLState string `json:"presignedUrlState"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	format, _ := domain.ParseFormat(string(req.Export.Format))
	req.Export.Format = format

	files := make([]domain.JobFile, len(req.Files))
	uploads := make([]uploadTarget, len(req.Files))
	for i, file := range req.Files {
		file.ID = id.New()
		file.Filename = strings.TrimSpace(file.Filename)
		target := uploadTarget{FileID: file.ID, Filename: file.Filename, PresignedURLState: "not_required"}

		if sourceType == domain.SourceTypeS3Presigned {
			file.ObjectKey = storage.UploadKey(jobID, file.ID)
			url, err := s.storage.PresignedPutURL(r.Context(), file.ObjectKey, s.presignTTL)
			if err != nil {
				s.logger.Printf("generate presigned url failed job_id=%s file_id=%s err=%v", jobID, file.ID, err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
				return
			}
			target.PresignedPutURL = url
			target.PresignedURLState = "ready"
		}
		target.ObjectKey = file.ObjectKey
		files[i] = file
		uploads[i] = target
	}

	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		Files:      files,
		Export:     req.Export,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":     job.ID,
		"status":    job.Status,
		"uploads":   uploads,
		"startUrl":  fmt.Sprintf("/v1/jobs/%s/start", job.ID),
		"cancelUrl": fmt.Sprintf("/v1/jobs/%s/cancel", job.ID),
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is %s", job.Status)})
		return
	}

	if err := s.verifySourcesExist(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	if _, err := s.jobStore.Transition(r.Context(), job.ID, domain.JobStatusQueued, domain.JobStatusCreated); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "job changed while starting"})
			return
		}
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start job"})
		return
	}

	payload := queue.ConvertImagesPayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		Files:       job.Files,
		Export:      job.Export,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueConvertImages(r.Context(), payload)
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		if _, rollbackErr := s.jobStore.Transition(r.Context(), job.ID, domain.JobStatusCreated, domain.JobStatusQueued); rollbackErr != nil {
			s.logger.Printf("status rollback failed job_id=%s err=%v", job.ID, rollbackErr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":      job.ID,
		"status":     domain.JobStatusQueued,
		"queue":      taskInfo.Queue,
		"taskId":     taskInfo.ID,
		"state":      taskInfo.State.String(),
		"enqueuedAt": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	target, cancellable := domain.CancelTarget(job.Status)
	if !cancellable {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is already %s", job.Status)})
		return
	}

	updated, err := s.jobStore.Transition(r.Context(), job.ID, target, job.Status)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is now %s, retry", updated.Status)})
			return
		}
		s.logger.Printf("cancel failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to cancel job"})
		return
	}

	s.logger.Printf("cancel requested job_id=%s from=%s to=%s", job.ID, job.Status, updated.Status)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  updated.ID,
		"status": updated.Status,
	})
}

type fileResultView struct {
	domain.FileResult
	DownloadURL string `json:"downloadUrl,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	results := make([]fileResultView, 0, len(job.Results))
	for _, res := range job.Results {
		view := fileResultView{FileResult: res}
		if job.SourceType == domain.SourceTypeS3Presigned && res.Status == domain.FileStatusSucceeded && res.Path != "" {
			url, err := s.storage.PresignedGetURL(r.Context(), res.Path, objectName(res.Path), s.presignTTL)
			if err != nil {
				s.logger.Printf("presign download failed job_id=%s key=%s err=%v", job.ID, res.Path, err)
			} else {
				view.DownloadURL = url
			}
		}
		results = append(results, view)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":      job.ID,
		"status":     job.Status,
		"sourceType": job.SourceType,
		"export":     job.Export,
		"files":      len(job.Files),
		"results":    results,
		"createdAt":  job.CreatedAt,
		"updatedAt":  job.UpdatedAt,
	})
}

func objectName(objectKey string) string {
	if i := strings.LastIndex(objectKey, "/"); i >= 0 {
		return objectKey[i+1:]
	}
	return objectKey
}

func (s *Server) verifySourcesExist(ctx context.Context, job domain.Job) error {
	for _, file := range job.Files {
		if err := s.verifySourceExists(ctx, job.SourceType, file); err != nil {
			return fmt.Errorf("file %s (%s): %w", file.ID, file.Filename, err)
		}
	}
	return nil
}

func (s *Server) verifySourceExists(ctx context.Context, sourceType string, file domain.JobFile) error {
	switch sourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(file.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", file.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, file.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", file.ObjectKey)
		}
		return nil
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
