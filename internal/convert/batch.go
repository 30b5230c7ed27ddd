package convert

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dunamismax/editflow/internal/domain"
)

// FileConverter is the per-file step a Batch drives. *Converter satisfies it.
type FileConverter interface {
	Convert(ctx context.Context, req Request, progress func(int)) (domain.ExportArtifact, error)
}

// Item is one file in a batch. When Open is set it is called lazily right
// before the item is converted, and Blob is ignored. Save, when set, receives
// the artifact; a Save failure fails the item.
type Item struct {
	ID           string
	Filename     string
	Blob         []byte
	OriginalSize int64
	Open         func(ctx context.Context) ([]byte, error)
	Save         func(ctx context.Context, artifact domain.ExportArtifact) error
	Edits        *domain.EditState
	Options      domain.ExportOptions
}

type ItemResult struct {
	Index    int
	ID       string
	Filename string
	Status   string
	Artifact *domain.ExportArtifact
	Err      error
}

type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled bool
}

// Batch converts items strictly one after another. Cancel stops the loop
// before the next item; the item in flight runs to completion.
type Batch struct {
	conv      FileConverter
	yield     time.Duration
	cancelled atomic.Bool

	// Progress, when set, receives per-item percentages.
	Progress func(index, percent int)
}

func NewBatch(conv FileConverter, yield time.Duration) *Batch {
	return &Batch{conv: conv, yield: yield}
}

func (b *Batch) Cancel() {
	b.cancelled.Store(true)
}

func (b *Batch) Cancelled() bool {
	return b.cancelled.Load()
}

// Run converts items in order and calls onResult once per item, including
// skipped ones. A per-item failure is recorded and the loop moves on.
func (b *Batch) Run(ctx context.Context, items []Item, onResult func(ItemResult)) Summary {
	summary := Summary{Total: len(items)}
	emit := func(r ItemResult) {
		switch r.Status {
		case domain.FileStatusSucceeded:
			summary.Succeeded++
		case domain.FileStatusFailed:
			summary.Failed++
		case domain.FileStatusSkipped:
			summary.Skipped++
		}
		if onResult != nil {
			onResult(r)
		}
	}

	for i, item := range items {
		if i > 0 {
			b.pause(ctx)
		}
		if ctx.Err() != nil {
			b.Cancel()
		}
		if b.Cancelled() {
			summary.Cancelled = true
			for j := i; j < len(items); j++ {
				emit(ItemResult{Index: j, ID: items[j].ID, Filename: items[j].Filename, Status: domain.FileStatusSkipped})
			}
			break
		}

		artifact, err := b.convert(ctx, i, item)
		if err != nil {
			emit(ItemResult{Index: i, ID: item.ID, Filename: item.Filename, Status: domain.FileStatusFailed, Err: err})
			continue
		}
		emit(ItemResult{Index: i, ID: item.ID, Filename: item.Filename, Status: domain.FileStatusSucceeded, Artifact: &artifact})
	}

	return summary
}

func (b *Batch) convert(ctx context.Context, index int, item Item) (domain.ExportArtifact, error) {
	blob := item.Blob
	if item.Open != nil {
		data, err := item.Open(ctx)
		if err != nil {
			return domain.ExportArtifact{}, fmt.Errorf("fetch source: %w", err)
		}
		blob = data
	}

	var progress func(int)
	if b.Progress != nil {
		progress = func(p int) { b.Progress(index, p) }
	}
	artifact, err := b.conv.Convert(ctx, Request{
		Blob:         blob,
		Filename:     item.Filename,
		OriginalSize: item.OriginalSize,
		Edits:        item.Edits,
		Options:      item.Options,
	}, progress)
	if err != nil {
		return domain.ExportArtifact{}, err
	}
	if item.Save != nil {
		if err := item.Save(ctx, artifact); err != nil {
			return domain.ExportArtifact{}, fmt.Errorf("save output: %w", err)
		}
	}
	return artifact, nil
}

func (b *Batch) pause(ctx context.Context) {
	if b.yield <= 0 {
		runtime.Gosched()
		return
	}
	timer := time.NewTimer(b.yield)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
