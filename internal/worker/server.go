package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/editflow/internal/config"
	"github.com/dunamismax/editflow/internal/convert"
	"github.com/dunamismax/editflow/internal/domain"
	"github.com/dunamismax/editflow/internal/pipeline"
	"github.com/dunamismax/editflow/internal/queue"
	"github.com/dunamismax/editflow/internal/storage"
	"github.com/dunamismax/editflow/internal/store"
	"github.com/dunamismax/editflow/internal/webhook"
)

const defaultCancelPoll = time.Second

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  jobProcessor
	objectProcessor jobProcessor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *metrics
	tracer          trace.Tracer
	cancelPoll      time.Duration
}

type jobProcessor interface {
	Process(ctx context.Context, req pipeline.Request, batchHook func(*convert.Batch)) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	cfg config.Config,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	converter, err := convert.New(convert.Options{
		Surface:        cfg.Render.Surface,
		MaxPixels:      cfg.Render.MaxPixels,
		Background:     cfg.Export.Background,
		DefaultQuality: cfg.Export.DefaultQuality,
		Logger:         logger,
		Tracer:         otel.Tracer("editflow/convert"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize converter: %w", err)
	}
	processorCfg := pipeline.Config{Converter: converter, Yield: cfg.Convert.Yield, Logger: logger}

	localProcessor, err := pipeline.NewLocalProcessor(cfg.Worker.LocalOutputDir, processorCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize pipeline processor: %w", err)
	}

	objectProcessor, err := pipeline.NewObjectStoreProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: cfg.Storage.OutputPrefix},
		processorCfg,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	var sender webhookSender
	if webhookClient != nil {
		sender = webhookClient
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			cfg.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: cfg.Worker.Concurrency,
				Queues: map[string]int{
					cfg.Queue.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, max(1, cfg.Worker.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   sender,
		jobStore:        jobStore,
		usageStore:      usageStore,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("editflow/worker"),
		cancelPoll:      cfg.Worker.CancelPollInterval,
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeConvertImages, s.handleConvertImages)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleConvertImages(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseConvertImagesPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.convert_images", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("job.format", string(payload.Export.Format)),
		attribute.Int("job.files", len(payload.Files)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s source_type=%s files=%d format=%s",
		payload.JobID,
		payload.SourceType,
		len(payload.Files),
		payload.Export.Format,
	)

	cancelled, done, err := s.claimJob(ctx, payload.JobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return err
	}
	if done {
		outcome = "duplicate"
		span.SetStatus(codes.Ok, "already finished")
		return nil
	}

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		Files:      payload.Files,
		Export:     payload.Export,
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	hook := func(b *convert.Batch) {
		if cancelled {
			b.Cancel()
			return
		}
		go s.pollCancel(pollCtx, payload.JobID, b)
	}

	var result pipeline.Result
	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		result, err = s.localProcessor.Process(ctx, request, hook)
	default:
		result, err = s.objectProcessor.Process(ctx, request, hook)
	}
	stopPoll()

	if err != nil {
		s.finishJob(ctx, payload.JobID, domain.JobStatusFailed, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"jobId":       payload.JobID,
			"status":      domain.JobStatusFailed,
			"sourceType":  payload.SourceType,
			"requestedAt": payload.RequestedAt,
			"failedAt":    time.Now().UTC(),
			"error":       err.Error(),
		})
		if errors.Is(err, pipeline.ErrInvalidRequest) || errors.Is(err, pipeline.ErrUnsupportedSourceType) {
			return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	status := domain.FinalStatus(result.Files, result.Summary.Cancelled)
	outcome = status
	s.finishJob(ctx, payload.JobID, status, result.Files)
	s.recordFiles(payload.Export.Format, result)
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))

	s.logger.Printf(
		"Processed job_id=%s status=%s succeeded=%d failed=%d skipped=%d",
		payload.JobID, status, result.Summary.Succeeded, result.Summary.Failed, result.Summary.Skipped,
	)
	span.SetAttributes(
		attribute.String("job.status", status),
		attribute.Int("job.files_succeeded", result.Summary.Succeeded),
		attribute.Int("job.files_failed", result.Summary.Failed),
		attribute.Int("job.files_skipped", result.Summary.Skipped),
	)

	event := eventFor(status)
	body := map[string]any{
		"jobId":       payload.JobID,
		"status":      status,
		"sourceType":  payload.SourceType,
		"requestedAt": payload.RequestedAt,
		"finishedAt":  time.Now().UTC(),
		"summary": map[string]int{
			"total":     result.Summary.Total,
			"succeeded": result.Summary.Succeeded,
			"failed":    result.Summary.Failed,
			"skipped":   result.Summary.Skipped,
		},
		"files": result.Files,
	}
	if err := s.dispatchWebhook(ctx, payload, event, body); err != nil {
		span.RecordError(err)
	}

	if status == domain.JobStatusFailed {
		span.SetStatus(codes.Error, "no file converted")
	} else {
		span.SetStatus(codes.Ok, status)
	}
	return nil
}

// claimJob moves the job to processing. cancelled reports a cancel request
// that arrived while the job was queued; done reports a job that already
// finished, e.g. a redelivered task.
func (s *Server) claimJob(ctx context.Context, jobID string) (cancelled, done bool, err error) {
	if s.jobStore == nil {
		return false, false, nil
	}

	job, err := s.jobStore.Transition(ctx, jobID, domain.JobStatusProcessing,
		domain.JobStatusCreated, domain.JobStatusQueued, domain.JobStatusProcessing)
	switch {
	case err == nil:
		return false, false, nil
	case errors.Is(err, store.ErrJobNotFound):
		return false, false, fmt.Errorf("claim job %s: %v: %w", jobID, err, asynq.SkipRetry)
	case errors.Is(err, store.ErrStatusConflict):
		if job.Status == domain.JobStatusCancelRequested {
			return true, false, nil
		}
		if job.Terminal() {
			s.logger.Printf("job already finished job_id=%s status=%s", jobID, job.Status)
			return false, true, nil
		}
		return false, false, nil
	default:
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, domain.JobStatusProcessing, err)
		return false, false, nil
	}
}

// pollCancel watches the job store until ctx ends and cancels the batch once
// a cancel request is recorded.
func (s *Server) pollCancel(ctx context.Context, jobID string, batch *convert.Batch) {
	if s.jobStore == nil {
		return
	}
	interval := s.cancelPoll
	if interval <= 0 {
		interval = defaultCancelPoll
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Printf("cancel poll failed job_id=%s err=%v", jobID, err)
			}
			continue
		}
		if ok && job.Status == domain.JobStatusCancelRequested {
			s.logger.Printf("cancel requested job_id=%s", jobID)
			s.metrics.cancellationsTotal.Inc()
			batch.Cancel()
			return
		}
	}
}

func (s *Server) finishJob(ctx context.Context, jobID, status string, results []domain.FileResult) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.SaveResults(ctx, jobID, status, results); err != nil {
		s.logger.Printf("job result update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func eventFor(status string) string {
	switch status {
	case domain.JobStatusCancelled:
		return webhook.EventJobCancelled
	case domain.JobStatusFailed:
		return webhook.EventJobFailed
	default:
		return webhook.EventJobCompleted
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ConvertImagesPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordFiles(format domain.Format, result pipeline.Result) {
	for _, f := range result.Files {
		label := string(f.Format)
		if label == "" {
			label = string(format)
		}
		s.metrics.filesTotal.WithLabelValues(label, f.Status).Inc()
	}
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", jobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	var (
		pixelsProcessed int64
		originalBytes   int64
		outputBytes     int64
	)
	for _, output := range result.Outputs {
		pixelsProcessed += int64(output.Width) * int64(output.Height)
		originalBytes += output.OriginalSize
		outputBytes += int64(output.Bytes)
	}

	bytesSaved := max(originalBytes-outputBytes, 0)

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		FilesConverted:  len(result.Outputs),
		PixelsProcessed: pixelsProcessed,
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.bytesSavedTotal.Add(float64(bytesSaved))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
