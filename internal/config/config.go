// Package config provides YAML configuration loading and validation for the
// executor CLI and the optional mirror server.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the executor.
type Config struct {
	// RootDir is the directory containing modules/, keys/, logs/, and state/
	// (spec.md §3). Required.
	RootDir string `yaml:"root_dir"`

	// Parallel caps the number of tenants run concurrently. Defaults to 1.
	Parallel int `yaml:"parallel"`

	// ProofMode forces Parallel down to at most 2, trading throughput for a
	// tighter bound on concurrent audit-log writers (spec.md §5).
	ProofMode bool `yaml:"proof_mode"`

	// DefaultBackend selects the sandbox backend. One of "wazero" or
	// "microvm". Defaults to "wazero".
	DefaultBackend string `yaml:"default_backend"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Mirror, if set, holds the connection settings for the optional remote
	// compliance mirror. Only run proofs are pushed to a mirror; audit
	// entries are not.
	Mirror *MirrorConfig `yaml:"mirror,omitempty"`
}

// MirrorConfig configures the executor's client to the optional remote
// compliance mirror server.
type MirrorConfig struct {
	// Endpoint is the mirror server's base URL (e.g. "https://mirror.example.com").
	// Required when Mirror is non-nil.
	Endpoint string `yaml:"endpoint"`

	// Token is the bearer JWT presented on every mirror request. Required
	// when Mirror is non-nil.
	Token string `yaml:"token"`

	// TimeoutMS bounds how long a single mirror request may take before the
	// executor gives up and continues without blocking the tenant run.
	// Defaults to 2000 when omitted.
	TimeoutMS int `yaml:"timeout_ms"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"wazero":  true,
	"microvm": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if cfg.ProofMode && cfg.Parallel > 2 {
		cfg.Parallel = 2
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = "wazero"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Mirror != nil && cfg.Mirror.TimeoutMS <= 0 {
		cfg.Mirror.TimeoutMS = 2000
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.RootDir == "" {
		errs = append(errs, errors.New("root_dir is required"))
	}
	if !validBackends[cfg.DefaultBackend] {
		errs = append(errs, fmt.Errorf("default_backend %q must be one of: wazero, microvm", cfg.DefaultBackend))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Mirror != nil {
		if cfg.Mirror.Endpoint == "" {
			errs = append(errs, errors.New("mirror.endpoint is required when mirror is configured"))
		}
		if cfg.Mirror.Token == "" {
			errs = append(errs, errors.New("mirror.token is required when mirror is configured"))
		}
	}

	return errors.Join(errs...)
}
