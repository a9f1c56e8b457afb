// Package config handles YAML configuration loading with environment
// variable expansion, plus bootstrapping of guard rules into the store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level core configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Guard     GuardConfig     `yaml:"guard"`
	Ops       OpsConfig       `yaml:"ops"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ProvidersConfig enables the usage providers and locates their
// transcript roots.
type ProvidersConfig struct {
	Claude ClaudeConfig `yaml:"claude"`
	Codex  CodexConfig  `yaml:"codex"`
}

// ClaudeConfig configures the Claude usage provider.
type ClaudeConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	TranscriptRoot string `yaml:"transcript_root"` // default ~/.claude/projects
}

// CodexConfig configures the Codex usage provider.
type CodexConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	TranscriptRoot string `yaml:"transcript_root"` // default ~/.codex/sessions
}

// PricingConfig configures the cost pipeline.
type PricingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	CatalogURL  string        `yaml:"catalog_url"`
	TTL         time.Duration `yaml:"ttl"`
	StaleMaxAge time.Duration `yaml:"stale_max_age"`
}

// DashboardConfig tunes the snapshot cache.
type DashboardConfig struct {
	CoreTTL time.Duration `yaml:"core_ttl"`
	CostTTL time.Duration `yaml:"cost_ttl"`
	Backoff time.Duration `yaml:"backoff"`
	Timeout time.Duration `yaml:"timeout"`
}

// GuardConfig seeds the dangerous-command guard.
type GuardConfig struct {
	Patterns []string `yaml:"patterns"` // empty = built-in defaults
}

// OpsConfig holds the ops HTTP server settings.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// IsEnabled reports whether a provider toggle is on (default true).
func (c ClaudeConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// IsEnabled reports whether a provider toggle is on (default true).
func (c CodexConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Database: DatabaseConfig{
			DSN: "palantir.db",
		},
		Providers: ProvidersConfig{
			Claude: ClaudeConfig{TranscriptRoot: filepath.Join(home, ".claude", "projects")},
			Codex:  CodexConfig{TranscriptRoot: filepath.Join(home, ".codex", "sessions")},
		},
		Pricing: PricingConfig{
			Enabled:     true,
			TTL:         24 * time.Hour,
			StaleMaxAge: 7 * 24 * time.Hour,
		},
		Dashboard: DashboardConfig{
			CoreTTL: 180 * time.Second,
			CostTTL: 180 * time.Second,
			Backoff: 30 * time.Second,
			Timeout: 5 * time.Second,
		},
		Ops: OpsConfig{
			Addr: "127.0.0.1:4054",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment
// variables. A missing path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
