package app

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fhegate.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewAppMemoryDriver(t *testing.T) {
	shared := t.TempDir()
	path := writeConfig(t, `
[broker]
driver = "memory"

[files]
shared_dir = "`+shared+`"

[tasks.example]
binary = "example.bin"
response_type = "stream"

[[tasks.example.output_files]]
name = "{uid}.example.output.fheencrypted"
key = "result"
`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Close()

	if a.Registry.Lookup("example") == nil {
		t.Error("registry not loaded")
	}
	if a.Broker == nil || a.Results == nil || a.Engine == nil {
		t.Error("components not wired")
	}
}

func TestNewAppFailsWithoutTasks(t *testing.T) {
	path := writeConfig(t, `
[broker]
driver = "memory"
`)

	if _, err := NewApp(path); err == nil {
		t.Fatal("expected start-up failure for empty task registry")
	}
}

func TestNewAppFailsOnMalformedRegistry(t *testing.T) {
	path := writeConfig(t, `
[broker]
driver = "memory"

[tasks.bad]
binary = "bad.bin"
response_type = "stream"

[[tasks.bad.output_files]]
name = "{uid}.a.output"

[[tasks.bad.output_files]]
name = "{uid}.b.output"
`)

	if _, err := NewApp(path); err == nil {
		t.Fatal("expected start-up failure for stream shape with two outputs")
	}
}

func TestNewAppFailsOnUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
[broker]
driver = "carrier-pigeon"

[tasks.example]
binary = "example.bin"

[[tasks.example.output_files]]
name = "{uid}.example.output.fheencrypted"
`)

	if _, err := NewApp(path); err == nil {
		t.Fatal("expected start-up failure for unknown broker driver")
	}
}
