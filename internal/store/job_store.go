package store

import (
	"context"
	"errors"

	"github.com/dunamismax/editflow/internal/domain"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrStatusConflict = errors.New("job status changed concurrently")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Transition sets status to `to` only when the current status is one of
	// from, and returns ErrStatusConflict otherwise.
	Transition(ctx context.Context, id, to string, from ...string) (domain.Job, error)
	SaveResults(ctx context.Context, id, status string, results []domain.FileResult) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

var (
	_ JobStore   = (*MemoryJobStore)(nil)
	_ UsageStore = (*MemoryJobStore)(nil)
	_ JobStore   = (*PostgresJobStore)(nil)
	_ UsageStore = (*PostgresJobStore)(nil)
)
