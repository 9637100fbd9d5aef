// Package config loads and validates the YAML configuration for the script
// execution subsystem, filling in defaults so a zero-value or
// partially-specified file still produces a fully-usable ExecutorConfig.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig is the immutable set of per-execution budgets the
// Executor applies to every script run.
type ExecutorConfig struct {
	TimeoutMS        int64 `yaml:"timeout_ms"`
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes,omitempty"`
	MaxAPICalls      int64 `yaml:"max_api_calls,omitempty"`
}

// Timeout returns TimeoutMS as a time.Duration.
func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// IOConfig configures the sandboxed filesystem surface. Enabled gates
// whether the Executor installs an IoContext at all for an execution; when
// false, scripts have no io/os.remove surface.
type IOConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Root     string `yaml:"root,omitempty"`
	MaxBytes int64  `yaml:"max_bytes,omitempty"`
}

// ManifestConfig locates the manifest document the registry binds against.
type ManifestConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig is decoded and defaulted with the rest of the file, but
// nothing in this module reads it: collectors are always registered and
// recorded, and no listener is started on Addr.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
}

// LogConfig controls the slog handler the runtime logs through.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text, json
}

// Config is the top-level server configuration.
type Config struct {
	Manifest ManifestConfig `yaml:"manifest"`
	Executor ExecutorConfig `yaml:"executor"`
	IO       IOConfig       `yaml:"io"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

const (
	defaultTimeoutMS   = 5000
	defaultMaxIOBytes  = 10 << 20 // 10MB
	defaultMetricsAddr = ":9090"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// UnmarshalYAML implements custom unmarshaling with automatic defaults,
// so every Config decoded from YAML carries them.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig Config
	raw := rawConfig{
		Executor: ExecutorConfig{
			TimeoutMS: defaultTimeoutMS,
		},
		IO: IOConfig{
			MaxBytes: defaultMaxIOBytes,
		},
		Metrics: MetricsConfig{
			Addr: defaultMetricsAddr,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.Executor.TimeoutMS <= 0 {
		raw.Executor.TimeoutMS = defaultTimeoutMS
	}
	if raw.IO.Enabled && raw.IO.MaxBytes <= 0 {
		raw.IO.MaxBytes = defaultMaxIOBytes
	}
	if raw.Metrics.Enabled && raw.Metrics.Addr == "" {
		raw.Metrics.Addr = defaultMetricsAddr
	}
	if raw.Log.Level == "" {
		raw.Log.Level = defaultLogLevel
	}
	if raw.Log.Format == "" {
		raw.Log.Format = defaultLogFormat
	}

	*c = Config(raw)
	return nil
}

// Load reads and parses a YAML configuration file, returning a validated,
// fully-defaulted Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if len(strings.TrimSpace(string(data))) == 0 {
		// An empty file still goes through UnmarshalYAML so defaults apply.
		if err := yaml.Unmarshal([]byte("{}"), &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks cross-field invariants that defaulting alone cannot fix:
// a manifest path is mandatory, and an enabled IO surface needs a root.
func (c *Config) Validate() error {
	if c.Manifest.Path == "" {
		return fmt.Errorf("manifest.path is required")
	}
	if c.IO.Enabled && c.IO.Root == "" {
		return fmt.Errorf("io.root is required when io.enabled is true")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of text, json, got %q", c.Log.Format)
	}
	return nil
}
