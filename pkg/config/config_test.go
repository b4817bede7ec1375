package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() with missing file error = %v", err)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("default backend = %s, want file", cfg.Storage.Backend)
	}
	if cfg.Storage.Redis.Addr != "localhost:6379" {
		t.Errorf("default redis addr = %s, want localhost:6379", cfg.Storage.Redis.Addr)
	}
	if cfg.Tracing.Exporter != "none" {
		t.Errorf("default tracing exporter = %s, want none", cfg.Tracing.Exporter)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: redis
  redis:
    addr: redis.internal:6380
    db: 2
    prefix: "prod:"
metrics:
  enabled: true
  addr: ":9100"
tracing:
  enabled: true
  exporter: stdout
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != "redis" {
		t.Errorf("backend = %s, want redis", cfg.Storage.Backend)
	}
	if cfg.Storage.Redis.Addr != "redis.internal:6380" || cfg.Storage.Redis.DB != 2 {
		t.Errorf("redis settings = %+v", cfg.Storage.Redis)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9100" {
		t.Errorf("metrics settings = %+v", cfg.Metrics)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Errorf("tracing exporter = %s, want stdout", cfg.Tracing.Exporter)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "storage:\n  backend: carrier-pigeon\n"},
		{"redis without addr", "storage:\n  backend: redis\n  redis:\n    addr: \"\"\n"},
		{"firestore without project", "storage:\n  backend: firestore\n"},
		{"unknown exporter", "tracing:\n  exporter: punchcard\n"},
		{"malformed yaml", "storage: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Storage.Backend = "memory"
	cfg.Metrics.Enabled = true

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after Save() error = %v", err)
	}
	if loaded.Storage.Backend != "memory" || !loaded.Metrics.Enabled {
		t.Errorf("round trip lost settings: %+v", loaded)
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	cfg := Default()
	cfg.Storage.Backend = "memory"
	backend, err := cfg.OpenBackend(ctx)
	if err != nil {
		t.Fatalf("OpenBackend(memory) error = %v", err)
	}
	_ = backend.Close()

	cfg = Default()
	cfg.Storage.Backend = "file"
	cfg.Storage.File.Dir = t.TempDir()
	backend, err = cfg.OpenBackend(ctx)
	if err != nil {
		t.Fatalf("OpenBackend(file) error = %v", err)
	}
	_ = backend.Close()
}
