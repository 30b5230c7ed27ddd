package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.API.Addr != ":8080" {
		t.Fatalf("expected default api addr, got %s", cfg.API.Addr)
	}
	if cfg.Render.Surface != "imaging" {
		t.Fatalf("expected imaging surface, got %s", cfg.Render.Surface)
	}
	if cfg.Export.Background != "#ffffff" {
		t.Fatalf("expected white background, got %s", cfg.Export.Background)
	}
	if cfg.Worker.MaxActiveJobs < 1 {
		t.Fatalf("expected at least one worker slot, got %d", cfg.Worker.MaxActiveJobs)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("EDITFLOW_API_ADDR", ":9999")
	t.Setenv("CONVERT_YIELD", "0s")
	t.Setenv("WEBHOOK_TIMEOUT", "3")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_RATIO", "0.5")
	t.Setenv("POSTGRES_DSN", "memory")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	if cfg.API.Addr != ":9999" {
		t.Fatalf("expected :9999, got %s", cfg.API.Addr)
	}
	if cfg.Convert.Yield != 0 {
		t.Fatalf("expected zero yield, got %s", cfg.Convert.Yield)
	}
	if cfg.Webhook.Timeout != 3*time.Second {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.Webhook.Timeout)
	}
	if cfg.RateLimit.Enabled {
		t.Fatal("expected rate limiting disabled")
	}
	if cfg.Tracing.SampleRatio != 0.5 {
		t.Fatalf("expected ratio 0.5, got %v", cfg.Tracing.SampleRatio)
	}
	if !cfg.Database.InMemory() {
		t.Fatal("expected in-memory database")
	}
	if cfg.Queue.RedisDB != 0 {
		t.Fatalf("expected fallback redis db, got %d", cfg.Queue.RedisDB)
	}
}
