// Package config provides the configuration schema, loader, and file watcher
// for the MaestroCat audio client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Preset selects a named base configuration that unset fields fall back to.
type Preset string

const (
	// PresetDefault is the standard voice-agent profile: 16kHz mono capture
	// in 4096-sample frames, ten reconnection attempts.
	PresetDefault Preset = "default"

	// PresetLowLatency trades throughput for latency with 1024-sample
	// capture frames.
	PresetLowLatency Preset = "low_latency"

	// PresetResilient keeps retrying an unreliable link much longer before
	// giving up.
	PresetResilient Preset = "resilient"
)

// IsValid reports whether p is a recognised preset.
func (p Preset) IsValid() bool {
	switch p {
	case PresetDefault, PresetLowLatency, PresetResilient:
		return true
	}
	return false
}

// Config is the root configuration structure for MaestroCat.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// Endpoint is the WebSocket URL of the voice-processing service
	// (ws:// or wss://).
	Endpoint string `yaml:"endpoint"`

	// Preset names the base profile; explicit fields below override it.
	Preset Preset `yaml:"preset"`

	Capture   CaptureConfig   `yaml:"capture"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Status    StatusConfig    `yaml:"status"`
}

// CaptureConfig holds the microphone capture parameters.
type CaptureConfig struct {
	// SampleRate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the capture channel count. Default 1 (mono).
	Channels int `yaml:"channels"`

	// BufferSize is the number of samples per capture frame. One frame is
	// emitted per buffer interval. Default 4096.
	BufferSize int `yaml:"buffer_size"`

	// EchoCancellation requests the device capability of the same name.
	EchoCancellation bool `yaml:"echo_cancellation"`

	// NoiseSuppression requests the device capability of the same name.
	NoiseSuppression bool `yaml:"noise_suppression"`
}

// ReconnectConfig holds the connection supervisor's retry policy.
type ReconnectConfig struct {
	// MaxAttempts is the reconnection attempt ceiling per outage. After it
	// is exhausted the client stops retrying and reports the failure.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is the delay before the first reconnection attempt; it grows
	// by half again per attempt. Default 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the backoff delay. Default 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// StatusConfig holds the status HTTP server and logging settings.
type StatusConfig struct {
	// ListenAddr is the TCP address of the status server serving /healthz,
	// /readyz, and /metrics (e.g. ":8080"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// SnapshotInterval is how often a metrics snapshot event is published
	// for external display. Zero disables snapshots.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// presets maps each preset name to its base values. Normalize copies these
// into fields the YAML left unset.
var presets = map[Preset]Config{
	PresetDefault: {
		Capture:   CaptureConfig{SampleRate: 16000, Channels: 1, BufferSize: 4096},
		Reconnect: ReconnectConfig{MaxAttempts: 10, Backoff: time.Second, MaxBackoff: 30 * time.Second},
		Status:    StatusConfig{LogLevel: LogInfo, SnapshotInterval: 5 * time.Second},
	},
	PresetLowLatency: {
		Capture:   CaptureConfig{SampleRate: 16000, Channels: 1, BufferSize: 1024},
		Reconnect: ReconnectConfig{MaxAttempts: 10, Backoff: time.Second, MaxBackoff: 30 * time.Second},
		Status:    StatusConfig{LogLevel: LogInfo, SnapshotInterval: 5 * time.Second},
	},
	PresetResilient: {
		Capture:   CaptureConfig{SampleRate: 16000, Channels: 1, BufferSize: 4096},
		Reconnect: ReconnectConfig{MaxAttempts: 30, Backoff: time.Second, MaxBackoff: 30 * time.Second},
		Status:    StatusConfig{LogLevel: LogInfo, SnapshotInterval: 5 * time.Second},
	},
}

// Normalize fills unset fields from the selected preset (or PresetDefault
// when none is named). Explicit YAML values always win.
func (c *Config) Normalize() {
	preset := c.Preset
	if preset == "" {
		preset = PresetDefault
	}
	base, ok := presets[preset]
	if !ok {
		base = presets[PresetDefault]
	}

	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = base.Capture.SampleRate
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = base.Capture.Channels
	}
	if c.Capture.BufferSize == 0 {
		c.Capture.BufferSize = base.Capture.BufferSize
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = base.Reconnect.MaxAttempts
	}
	if c.Reconnect.Backoff == 0 {
		c.Reconnect.Backoff = base.Reconnect.Backoff
	}
	if c.Reconnect.MaxBackoff == 0 {
		c.Reconnect.MaxBackoff = base.Reconnect.MaxBackoff
	}
	if c.Status.LogLevel == "" {
		c.Status.LogLevel = base.Status.LogLevel
	}
	if c.Status.SnapshotInterval == 0 {
		c.Status.SnapshotInterval = base.Status.SnapshotInterval
	}
}
