// Package config loads and validates the broker's configuration file.
// YAML is the primary format; .json and .json5 files are accepted, $include
// composes files, and ${VAR} environment references are expanded before
// parsing. CLI flags override file values; that merge happens in the CLI,
// not here.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Config is the broker configuration file.
type Config struct {
	// Listen is the HTTP bind address, HOST:PORT.
	Listen string `yaml:"listen" json:"listen"`

	// RuntimeWS is the remote runtime endpoint (ws:// or wss://). Setting
	// it routes code execution to the peer; tool calls stay local.
	RuntimeWS string `yaml:"runtime_ws" json:"runtime_ws,omitempty"`

	Log     LogConfig     `yaml:"log" json:"log"`
	CORS    CORSConfig    `yaml:"cors" json:"cors"`
	Limits  LimitsConfig  `yaml:"limits" json:"limits"`
	Cleanup CleanupConfig `yaml:"cleanup" json:"cleanup"`
	Tools   ToolsConfig   `yaml:"tools" json:"tools"`

	// Secrets preload the registry secret store, name to value. Values are
	// injected into tool handlers that declare a requirement and never
	// appear in events or logs.
	Secrets map[string]string `yaml:"secrets" json:"secrets,omitempty"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" json:"level"`

	// Format is json or text.
	Format string `yaml:"format" json:"format"`
}

// CORSConfig lists the allowed origins. "*" allows any origin.
type CORSConfig struct {
	Origins []string `yaml:"origins" json:"origins"`
}

// LimitsConfig holds the broker-wide session defaults. Durations are
// milliseconds to match the wire config; -1 disables where the limit
// supports it (TTL, heartbeat).
type LimitsConfig struct {
	MaxSessions         int   `yaml:"max_sessions" json:"max_sessions"`
	SessionTTLMs        int64 `yaml:"session_ttl_ms" json:"session_ttl_ms"`
	ExecutionTimeoutMs  int64 `yaml:"execution_timeout_ms" json:"execution_timeout_ms"`
	ToolTimeoutMs       int64 `yaml:"tool_timeout_ms" json:"tool_timeout_ms"`
	HeartbeatIntervalMs int64 `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	MaxToolCalls        int   `yaml:"max_tool_calls" json:"max_tool_calls"`
	MaxStdoutBytes      int64 `yaml:"max_stdout_bytes" json:"max_stdout_bytes"`
	MaxToolResultBytes  int64 `yaml:"max_tool_result_bytes" json:"max_tool_result_bytes"`
	MaxPendingToolCalls int   `yaml:"max_pending_tool_calls" json:"max_pending_tool_calls"`
	MaxBufferedEvents   int   `yaml:"max_buffered_events" json:"max_buffered_events"`
}

// CleanupConfig drives the session reaper.
type CleanupConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 60s".
	Schedule string `yaml:"schedule" json:"schedule"`
}

// ToolsConfig selects built-in demo tools by name.
type ToolsConfig struct {
	Builtin []string `yaml:"builtin" json:"builtin,omitempty"`
}

// TracingConfig configures the OTLP trace exporter. An empty endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint" json:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate,omitempty"`
	Insecure   bool    `yaml:"insecure" json:"insecure,omitempty"`
}

// MetricsConfig toggles the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Default returns the configuration the broker runs with when no file is
// given. The limit values mirror the protocol's recommended defaults.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8787",
		Log:    LogConfig{Level: "info", Format: "json"},
		CORS:   CORSConfig{Origins: []string{"*"}},
		Limits: LimitsConfig{
			MaxSessions:         100,
			SessionTTLMs:        60_000,
			ExecutionTimeoutMs:  55_000,
			ToolTimeoutMs:       30_000,
			HeartbeatIntervalMs: 15_000,
			MaxToolCalls:        50,
			MaxStdoutBytes:      262_144,
			MaxToolResultBytes:  5_242_880,
			MaxPendingToolCalls: 32,
			MaxBufferedEvents:   10_000,
		},
		Cleanup: CleanupConfig{Schedule: "@every 60s"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads path, resolves includes, expands environment references, decodes
// strictly (unknown fields are an error), applies defaults, and validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if len(cfg.CORS.Origins) == 0 {
		cfg.CORS.Origins = def.CORS.Origins
	}
	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = def.Cleanup.Schedule
	}

	l, dl := &cfg.Limits, def.Limits
	if l.MaxSessions == 0 {
		l.MaxSessions = dl.MaxSessions
	}
	if l.SessionTTLMs == 0 {
		l.SessionTTLMs = dl.SessionTTLMs
	}
	if l.ExecutionTimeoutMs == 0 {
		l.ExecutionTimeoutMs = dl.ExecutionTimeoutMs
	}
	if l.ToolTimeoutMs == 0 {
		l.ToolTimeoutMs = dl.ToolTimeoutMs
	}
	if l.HeartbeatIntervalMs == 0 {
		l.HeartbeatIntervalMs = dl.HeartbeatIntervalMs
	}
	if l.MaxToolCalls == 0 {
		l.MaxToolCalls = dl.MaxToolCalls
	}
	if l.MaxStdoutBytes == 0 {
		l.MaxStdoutBytes = dl.MaxStdoutBytes
	}
	if l.MaxToolResultBytes == 0 {
		l.MaxToolResultBytes = dl.MaxToolResultBytes
	}
	if l.MaxPendingToolCalls == 0 {
		l.MaxPendingToolCalls = dl.MaxPendingToolCalls
	}
	if l.MaxBufferedEvents == 0 {
		l.MaxBufferedEvents = dl.MaxBufferedEvents
	}
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"json": true, "text": true}
)

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q is not HOST:PORT: %w", c.Listen, err)
	}
	if c.RuntimeWS != "" {
		u, err := url.Parse(c.RuntimeWS)
		if err != nil {
			return fmt.Errorf("runtime_ws %q: %w", c.RuntimeWS, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("runtime_ws %q must use ws or wss", c.RuntimeWS)
		}
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not debug|info|warn|error", c.Log.Level)
	}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		return fmt.Errorf("log.format %q is not json|text", c.Log.Format)
	}
	for _, origin := range c.CORS.Origins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("cors.origins contains an empty origin")
		}
	}
	if c.Limits.MaxSessions < 1 {
		return fmt.Errorf("limits.max_sessions must be at least 1, got %d", c.Limits.MaxSessions)
	}
	if c.Limits.MaxToolCalls < 1 {
		return fmt.Errorf("limits.max_tool_calls must be at least 1, got %d", c.Limits.MaxToolCalls)
	}
	if c.Limits.ToolTimeoutMs < 1 {
		return fmt.Errorf("limits.tool_timeout_ms must be positive, got %d", c.Limits.ToolTimeoutMs)
	}
	if c.Limits.MaxPendingToolCalls < 1 {
		return fmt.Errorf("limits.max_pending_tool_calls must be at least 1, got %d", c.Limits.MaxPendingToolCalls)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate %v is not in [0,1]", c.Tracing.SampleRate)
	}
	return nil
}
