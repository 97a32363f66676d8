package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMEDIATOR_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.WindowSize != 20 {
		t.Fatalf("expected window size 20, got %d", cfg.Engine.WindowSize)
	}
	if cfg.Engine.FlushInterval != 5*time.Second {
		t.Fatalf("expected flush interval 5s, got %v", cfg.Engine.FlushInterval)
	}
	if cfg.Monitoring.HealthInterval != 15*time.Second || cfg.Monitoring.PollInterval != 30*time.Second {
		t.Fatalf("unexpected monitoring intervals: %+v", cfg.Monitoring)
	}
	if cfg.Stream.BackoffBase != 5*time.Second || cfg.Stream.BackoffMax != time.Minute {
		t.Fatalf("unexpected backoff: %+v", cfg.Stream)
	}
	if cfg.Remediation.FallbackMemoryMB != 2048 {
		t.Fatalf("expected fallback memory 2048, got %d", cfg.Remediation.FallbackMemoryMB)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remediator.yaml")
	content := []byte(`
logging:
  level: debug
engine:
  flushInterval: 2s
remediation:
  defaultEnvironments: [env-a]
bus:
  driver: nats
  natsURL: nats://127.0.0.1:4222
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("REMEDIATOR_API_TOKEN", "secret")
	t.Setenv("REMEDIATOR_DEFAULT_ENVIRONMENTS", "env-b, env-c")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Engine.FlushInterval != 2*time.Second {
		t.Fatalf("expected 2s flush interval, got %v", cfg.Engine.FlushInterval)
	}
	if cfg.Stream.Token != "secret" || cfg.ControlPlane.Token != "secret" {
		t.Fatalf("expected token override, got stream=%q control=%q", cfg.Stream.Token, cfg.ControlPlane.Token)
	}
	if len(cfg.Remediation.DefaultEnvironments) != 2 || cfg.Remediation.DefaultEnvironments[0] != "env-b" {
		t.Fatalf("unexpected environments: %v", cfg.Remediation.DefaultEnvironments)
	}
	if cfg.Bus.Driver != "nats" {
		t.Fatalf("expected nats bus, got %s", cfg.Bus.Driver)
	}
}

func TestLoadRejectsInvalidDrivers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: postgres\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REMEDIATOR_DATABASE_URL", "")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
