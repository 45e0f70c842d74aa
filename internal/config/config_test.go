package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nightcore/executor/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
root_dir: "/var/lib/executor"
parallel: 4
default_backend: wazero
log_level: debug
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RootDir != "/var/lib/executor" {
		t.Errorf("RootDir = %q, want %q", cfg.RootDir, "/var/lib/executor")
	}
	if cfg.Parallel != 4 {
		t.Errorf("Parallel = %d, want 4", cfg.Parallel)
	}
	if cfg.DefaultBackend != "wazero" {
		t.Errorf("DefaultBackend = %q, want %q", cfg.DefaultBackend, "wazero")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Mirror != nil {
		t.Errorf("Mirror = %+v, want nil", cfg.Mirror)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
root_dir: "/var/lib/executor"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Parallel != 1 {
		t.Errorf("default Parallel = %d, want 1", cfg.Parallel)
	}
	if cfg.DefaultBackend != "wazero" {
		t.Errorf("default DefaultBackend = %q, want %q", cfg.DefaultBackend, "wazero")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadConfig_ProofModeCapsParallel(t *testing.T) {
	yaml := `
root_dir: "/var/lib/executor"
parallel: 16
proof_mode: true
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Parallel != 2 {
		t.Errorf("proof-mode Parallel = %d, want 2", cfg.Parallel)
	}
}

func TestLoadConfig_MissingRootDir(t *testing.T) {
	yaml := `
default_backend: wazero
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing root_dir, got nil")
	}
	if !strings.Contains(err.Error(), "root_dir") {
		t.Errorf("error %q does not mention root_dir", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
root_dir: "/var/lib/executor"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidDefaultBackend(t *testing.T) {
	yaml := `
root_dir: "/var/lib/executor"
default_backend: "qemu"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid default_backend, got nil")
	}
	if !strings.Contains(err.Error(), "default_backend") {
		t.Errorf("error %q does not mention default_backend", err.Error())
	}
}

func TestLoadConfig_MirrorMissingEndpointAndToken(t *testing.T) {
	yaml := `
root_dir: "/var/lib/executor"
mirror:
  timeout_ms: 500
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for mirror missing endpoint/token, got nil")
	}
	if !strings.Contains(err.Error(), "mirror.endpoint") {
		t.Errorf("error %q does not mention mirror.endpoint", err.Error())
	}
	if !strings.Contains(err.Error(), "mirror.token") {
		t.Errorf("error %q does not mention mirror.token", err.Error())
	}
}

func TestLoadConfig_MirrorValidAppliesTimeoutDefault(t *testing.T) {
	yaml := `
root_dir: "/var/lib/executor"
mirror:
  endpoint: "https://mirror.example.com"
  token: "eyJhbGciOiJIUzI1NiJ9.x.y"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mirror == nil {
		t.Fatal("Mirror = nil, want non-nil")
	}
	if cfg.Mirror.TimeoutMS != 2000 {
		t.Errorf("default Mirror.TimeoutMS = %d, want 2000", cfg.Mirror.TimeoutMS)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
