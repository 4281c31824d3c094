package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a normalized,
// validated [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies preset defaults, and
// validates the result. Unknown YAML fields are rejected. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if !strings.HasPrefix(cfg.Endpoint, "ws://") && !strings.HasPrefix(cfg.Endpoint, "wss://") {
		errs = append(errs, fmt.Errorf("endpoint %q must use the ws:// or wss:// scheme", cfg.Endpoint))
	}

	if cfg.Preset != "" && !cfg.Preset.IsValid() {
		errs = append(errs, fmt.Errorf("preset %q is invalid; valid values: default, low_latency, resilient", cfg.Preset))
	}

	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 1 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", cfg.Capture.Channels))
	}
	if cfg.Capture.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("capture.buffer_size %d must be positive", cfg.Capture.BufferSize))
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must not be negative", cfg.Reconnect.MaxAttempts))
	}
	if cfg.Reconnect.Backoff <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.backoff %v must be positive", cfg.Reconnect.Backoff))
	}
	if cfg.Reconnect.MaxBackoff < cfg.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %v must not be below reconnect.backoff %v",
			cfg.Reconnect.MaxBackoff, cfg.Reconnect.Backoff))
	}

	if cfg.Status.LogLevel != "" && !cfg.Status.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("status.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Status.LogLevel))
	}
	if cfg.Status.SnapshotInterval < 0 {
		errs = append(errs, fmt.Errorf("status.snapshot_interval %v must not be negative", cfg.Status.SnapshotInterval))
	}

	return errors.Join(errs...)
}
