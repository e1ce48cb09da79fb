package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Broker.Driver != "surreal" {
		t.Errorf("default driver = %q", cfg.Broker.Driver)
	}
	if got := cfg.Broker.GetVisibilityTimeout(); got != 60*time.Second {
		t.Errorf("visibility timeout = %v", got)
	}
	if got := cfg.Results.GetTTL(); got != 720*time.Hour {
		t.Errorf("result ttl = %v", got)
	}
	if got := cfg.Worker.GetConcurrency(); got != 1 {
		t.Errorf("concurrency = %d", got)
	}
	if got := cfg.Worker.GetPrefetch(); got != 1 {
		t.Errorf("prefetch = %d", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fhegate.toml")
	content := `
environment = "production"

[server]
port = 9090

[broker]
visibility_timeout = "30s"

[worker]
concurrency = 4
channels = ["usecases", "ads"]

[tasks.example]
binary = "example.bin"
response_type = "stream"

[[tasks.example.output_files]]
name = "{uid}.example.output.fheencrypted"
key = "result"
response_type = "base64"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if !cfg.IsProduction() {
		t.Error("expected production environment")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if got := cfg.Broker.GetVisibilityTimeout(); got != 30*time.Second {
		t.Errorf("visibility timeout = %v", got)
	}
	if len(cfg.Worker.Channels) != 2 {
		t.Errorf("channels = %v", cfg.Worker.Channels)
	}

	task, ok := cfg.Tasks["example"]
	if !ok {
		t.Fatal("tasks.example missing")
	}
	if task.Binary != "example.bin" {
		t.Errorf("binary = %q", task.Binary)
	}
	if len(task.OutputFiles) != 1 || task.OutputFiles[0].Key != "result" {
		t.Errorf("output files = %+v", task.OutputFiles)
	}

	// Backup dir defaults to the shared dir.
	if cfg.Files.BackupDir != cfg.Files.SharedDir {
		t.Errorf("backup dir = %q, shared dir = %q", cfg.Files.BackupDir, cfg.Files.SharedDir)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(path, []byte("[server\nport ="), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FHEGATE_PORT", "7070")
	t.Setenv("FHEGATE_BROKER_DRIVER", "memory")
	t.Setenv("FHEGATE_SHARED_DIR", "/tmp/shared")
	t.Setenv("FHEGATE_WORKER_CHANNELS", "usecases, ads")
	t.Setenv("FHEGATE_WORKER_CONCURRENCY", "3")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Broker.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Broker.Driver)
	}
	if cfg.Files.SharedDir != "/tmp/shared" {
		t.Errorf("shared dir = %q", cfg.Files.SharedDir)
	}
	if len(cfg.Worker.Channels) != 2 || cfg.Worker.Channels[1] != "ads" {
		t.Errorf("channels = %v", cfg.Worker.Channels)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency)
	}
}

func TestDurationFallbacks(t *testing.T) {
	broker := BrokerConfig{VisibilityTimeout: "not-a-duration"}
	if got := broker.GetVisibilityTimeout(); got != 60*time.Second {
		t.Errorf("fallback visibility timeout = %v", got)
	}

	results := ResultsConfig{TTL: ""}
	if got := results.GetTTL(); got != 720*time.Hour {
		t.Errorf("fallback ttl = %v", got)
	}
}
