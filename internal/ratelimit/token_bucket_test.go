package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	if _, err := NewRedisTokenBucket(nil, 10, time.Minute, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(client, 0, time.Minute, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(client, 10, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}

	bucket, err := NewRedisTokenBucket(client, 60, time.Minute, "")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if bucket.keyPrefix != DefaultKeyPrefix {
		t.Fatalf("expected default prefix, got %s", bucket.keyPrefix)
	}
	if bucket.refillPerMS != 0.001 {
		t.Fatalf("expected refill 0.001/ms, got %v", bucket.refillPerMS)
	}
}

func TestParseDecision(t *testing.T) {
	decision, err := parseDecision([]any{int64(0), int64(3), int64(1500), int64(6), "57000"})
	if err != nil {
		t.Fatalf("parse decision: %v", err)
	}
	if decision.Allowed || decision.Remaining != 3 || decision.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if decision.Cost != 6 || decision.ResetAfter != 57*time.Second {
		t.Fatalf("expected cost 6 and reset 57s, got %+v", decision)
	}

	if _, err := parseDecision([]any{int64(1), int64(2), int64(0)}); err == nil {
		t.Fatal("expected error for response without cost")
	}
	if _, err := parseDecision([]any{"x", int64(1), int64(0), int64(1), int64(0)}); err == nil {
		t.Fatal("expected error for non-numeric allow value")
	}
	if _, err := parseDecision([]any{int64(1), int64(1), int64(0), true, int64(0)}); err == nil {
		t.Fatal("expected error for unsupported cost type")
	}
}

func TestPreviewCost(t *testing.T) {
	tests := []struct {
		base int
		size int64
		want int
	}{
		{base: 2, size: 0, want: 2},
		{base: 2, size: -1, want: 2},
		{base: 2, size: 1, want: 2},
		{base: 2, size: PreviewUnitBytes, want: 2},
		{base: 2, size: PreviewUnitBytes + 1, want: 4},
		{base: 3, size: 3 * PreviewUnitBytes, want: 9},
		{base: 0, size: 10, want: 1},
	}
	for _, tt := range tests {
		if got := PreviewCost(tt.base, tt.size); got != tt.want {
			t.Fatalf("PreviewCost(%d, %d): expected %d, got %d", tt.base, tt.size, tt.want, got)
		}
	}
}
