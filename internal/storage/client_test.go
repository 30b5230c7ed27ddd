package storage

import (
	"strings"
	"testing"
	"time"
)

func TestUploadKey(t *testing.T) {
	if got := UploadKey("job-1", "file-2"); got != "uploads/job-1/file-2" {
		t.Fatalf("expected uploads/job-1/file-2, got %s", got)
	}
}

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000", Access: "a", Secret: "b"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestPresignedURLsAreSignedLocally(t *testing.T) {
	client, err := NewClient(Config{Endpoint: "localhost:9000", Access: "minioadmin", Secret: "minioadmin", Bucket: "editflow", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	put, err := client.PresignedPutURL(t.Context(), UploadKey("job", "f"), 15*time.Minute)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if !strings.Contains(put, "/editflow/uploads/job/f") || !strings.Contains(put, "X-Amz-Signature") {
		t.Fatalf("unexpected presigned put url %s", put)
	}

	get, err := client.PresignedGetURL(t.Context(), "outputs/job/a.webp", "a.webp", time.Hour)
	if err != nil {
		t.Fatalf("presign get: %v", err)
	}
	if !strings.Contains(get, "response-content-disposition") {
		t.Fatalf("expected content disposition in %s", get)
	}
}
