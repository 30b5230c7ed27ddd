package pipeline

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/dunamismax/editflow/internal/domain"
)

const (
	SourceTypeS3Presigned = domain.SourceTypeS3Presigned
	DefaultOutputPrefix   = "outputs"
)

type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (ObjectStoreFetcher) SourceType() string { return SourceTypeS3Presigned }

func (f ObjectStoreFetcher) Fetch(ctx context.Context, _ Request, file domain.JobFile) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	return f.Storage.ReadObject(ctx, file.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, file domain.JobFile, artifact domain.ExportArtifact) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := OutputKey(e.OutputPrefix, req.JobID, artifact.Filename)
	if err := e.Storage.WriteObject(ctx, objectKey, artifact.Data, artifact.MIMEType); err != nil {
		return Output{}, err
	}
	return outputFor(file, artifact, objectKey), nil
}

// OutputKey is the object key an artifact of jobID is written to.
func OutputKey(prefix, jobID, filename string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), path.Base(filename))
}

func NewObjectStoreProcessor(fetcher ObjectStoreFetcher, emitter ObjectStoreEmitter, cfg Config) (*Processor, error) {
	if fetcher.Storage == nil || emitter.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	return newProcessor(fetcher, emitter, cfg)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultOutputPrefix
	}
	return prefix
}
