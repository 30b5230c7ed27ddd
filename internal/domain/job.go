package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated             = "created"
	JobStatusQueued              = "queued"
	JobStatusProcessing          = "processing"
	JobStatusCancelRequested     = "cancel_requested"
	JobStatusCancelled           = "cancelled"
	JobStatusSucceeded           = "succeeded"
	JobStatusCompletedWithErrors = "completed_with_errors"
	JobStatusFailed              = "failed"

	FileStatusSucceeded = "succeeded"
	FileStatusFailed    = "failed"
	FileStatusSkipped   = "skipped"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

const MaxFilesPerJob = 200

type CreateJobRequest struct {
	SourceType string        `json:"sourceType"`
	WebhookURL string        `json:"webhookUrl,omitempty"`
	Files      []JobFile     `json:"files"`
	Export     ExportOptions `json:"export"`
}

// JobFile is one source image together with its edits.
type JobFile struct {
	ID        string     `json:"id,omitempty"`
	ObjectKey string     `json:"objectKey,omitempty"`
	Filename  string     `json:"filename"`
	Edits     *EditState `json:"edits,omitempty"`
}

// FileResult is the outcome of converting one JobFile.
type FileResult struct {
	FileID       string `json:"fileId"`
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Path         string `json:"path,omitempty"`
	Format       Format `json:"format,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	OriginalSize int64  `json:"originalSize,omitempty"`
	EncodedSize  int64  `json:"encodedSize,omitempty"`
	Reduction    int    `json:"reduction,omitempty"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	Files      []JobFile
	Export     ExportOptions
	Results    []FileResult
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether no further processing will happen for the job.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusCancelled, JobStatusSucceeded, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("sourceType is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported sourceType: %s", r.SourceType)
	}
	if len(r.Files) == 0 {
		return errors.New("files must contain at least one entry")
	}
	if len(r.Files) > MaxFilesPerJob {
		return fmt.Errorf("files must contain at most %d entries", MaxFilesPerJob)
	}
	for i, file := range r.Files {
		if strings.TrimSpace(file.Filename) == "" {
			return fmt.Errorf("files[%d].filename is required", i)
		}
		if sourceType == SourceTypeLocalFile && strings.TrimSpace(file.ObjectKey) == "" {
			return fmt.Errorf("files[%d].objectKey is required for sourceType=local_file", i)
		}
		if err := file.Edits.Validate(); err != nil {
			return fmt.Errorf("files[%d].edits: %w", i, err)
		}
	}
	if err := r.Export.Validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// FinalStatus derives the job status from a finished batch.
func FinalStatus(results []FileResult, cancelled bool) string {
	var succeeded, failed int
	for _, r := range results {
		switch r.Status {
		case FileStatusSucceeded:
			succeeded++
		case FileStatusFailed:
			failed++
		}
	}
	switch {
	case cancelled:
		return JobStatusCancelled
	case failed == 0 && succeeded > 0:
		return JobStatusSucceeded
	case succeeded == 0:
		return JobStatusFailed
	default:
		return JobStatusCompletedWithErrors
	}
}

// CancelTarget returns the status a cancel request moves a job to. A job that
// never started is cancelled outright; a queued or running one is flagged for
// the worker to stop cooperatively.
func CancelTarget(status string) (string, bool) {
	switch status {
	case JobStatusCreated:
		return JobStatusCancelled, true
	case JobStatusQueued, JobStatusProcessing, JobStatusCancelRequested:
		return JobStatusCancelRequested, true
	default:
		return "", false
	}
}
