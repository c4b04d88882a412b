package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker != defaultBroker {
		t.Fatalf("expected default broker, got %q", cfg.Broker)
	}
	if cfg.QueueKey != defaultQueueKey {
		t.Fatalf("expected default queue key, got %q", cfg.QueueKey)
	}
	if cfg.JobTTL != defaultJobTTLSeconds*time.Second {
		t.Fatalf("expected default job ttl, got %v", cfg.JobTTL)
	}
	if cfg.WorkerConcurrency != defaultWorkerConcurrency {
		t.Fatalf("expected default worker concurrency, got %d", cfg.WorkerConcurrency)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(envBroker, "nats")
	t.Setenv(envQueueKey, "custom:jobs")
	t.Setenv(envJobTTLSeconds, "120")
	t.Setenv(envWorkerConcurrency, "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker != "nats" {
		t.Fatalf("unexpected broker: %q", cfg.Broker)
	}
	if cfg.QueueKey != "custom:jobs" {
		t.Fatalf("unexpected queue key: %q", cfg.QueueKey)
	}
	if cfg.JobTTL != 120*time.Second {
		t.Fatalf("unexpected job ttl: %v", cfg.JobTTL)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("unexpected worker concurrency: %d", cfg.WorkerConcurrency)
	}
}

func TestLoadOverlayFileWinsOverEnvDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskbridge.yaml")
	body := "queue_key: overlay:jobs\nworker_heartbeat_seconds: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv(envConfigFile, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueKey != "overlay:jobs" {
		t.Fatalf("expected overlay queue key, got %q", cfg.QueueKey)
	}
	if cfg.WorkerHeartbeatInterval != 3*time.Second {
		t.Fatalf("expected overlay heartbeat interval, got %v", cfg.WorkerHeartbeatInterval)
	}
	if cfg.ChunkCharLimit != defaultChunkCharLimit {
		t.Fatalf("expected untouched field to keep its default, got %d", cfg.ChunkCharLimit)
	}
}

func TestLoadOverlayFileMissingReturnsError(t *testing.T) {
	t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing overlay file")
	}
}
