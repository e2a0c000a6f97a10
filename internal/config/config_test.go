package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("expected postgres backend got %s", cfg.StoreBackend)
	}
	if cfg.QueueWorkers["default"] != 4 || cfg.QueueWorkers["reports"] != 1 {
		t.Fatalf("unexpected queue workers %v", cfg.QueueWorkers)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.ShutdownTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("QUEUE_WORKERS", "default=2, reports , replication=x, =3")
	t.Setenv("WORKER_MAX_CHECK_DELAY", "250ms")
	t.Setenv("REPORT_S3_PATH_STYLE", "true")

	cfg := Load()
	if cfg.StoreBackend != "redis" {
		t.Fatalf("expected redis backend got %s", cfg.StoreBackend)
	}
	want := map[string]int{"default": 2, "reports": 1}
	if len(cfg.QueueWorkers) != len(want) {
		t.Fatalf("unexpected queue workers %v", cfg.QueueWorkers)
	}
	for k, v := range want {
		if cfg.QueueWorkers[k] != v {
			t.Fatalf("queue %s: expected %d got %d", k, v, cfg.QueueWorkers[k])
		}
	}
	if cfg.MaxCheckDelay != 250*time.Millisecond {
		t.Fatalf("unexpected max check delay %s", cfg.MaxCheckDelay)
	}
	if !cfg.ReportS3PathStyle {
		t.Fatalf("expected path style")
	}
}
