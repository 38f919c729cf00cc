// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the relay configuration from YAML
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/relay/internal/protocol"
	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// Config is the complete relay configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Log      LogConfig     `yaml:"log"`
	Breaker  BreakerConfig `yaml:"breaker"`
	Pool     PoolConfig    `yaml:"pool"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Sessions SessionConfig `yaml:"sessions"`
	Audit    AuditConfig   `yaml:"audit"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the protocol surface.
type ServerConfig struct {
	// Name identifies this server in initialize replies.
	Name string `yaml:"name,omitempty"`

	// RequestsPerSecond is the per-session request rate limit.
	// Zero disables rate limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`

	// Burst is the per-session rate burst.
	Burst int `yaml:"burst,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text".
	Format string `yaml:"format,omitempty"`
}

// BreakerConfig configures the default circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	ResetTimeout     time.Duration `yaml:"reset_timeout,omitempty"`
	SuccessThreshold int           `yaml:"success_threshold,omitempty"`
	MonitoringWindow time.Duration `yaml:"monitoring_window,omitempty"`
}

// PoolConfig configures the connection pool.
type PoolConfig struct {
	Min               int           `yaml:"min,omitempty"`
	Max               int           `yaml:"max,omitempty"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout,omitempty"`
	IdleTimeout       time.Duration `yaml:"idle_timeout,omitempty"`
	EvictionInterval  time.Duration `yaml:"eviction_interval,omitempty"`
	TestOnBorrow      bool          `yaml:"test_on_borrow"`
	AdaptiveResize    bool          `yaml:"adaptive_resize"`
	LoadThresholdHigh float64       `yaml:"load_threshold_high,omitempty"`
	LoadThresholdLow  float64       `yaml:"load_threshold_low,omitempty"`
	ResizeInterval    time.Duration `yaml:"resize_interval,omitempty"`
	MaxAutoResize     int           `yaml:"max_auto_resize,omitempty"`
}

// TimeoutConfig configures request deadlines and retries.
type TimeoutConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	Retries        int           `yaml:"retries,omitempty"`
	RetryDelay     time.Duration `yaml:"retry_delay,omitempty"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	MaxSessions    int           `yaml:"max_sessions,omitempty"`
	SessionTimeout time.Duration `yaml:"session_timeout,omitempty"`
	SweepInterval  time.Duration `yaml:"sweep_interval,omitempty"`

	// SupportedVersions lists protocol versions as "major.minor.patch"
	// strings.
	SupportedVersions []string `yaml:"supported_versions,omitempty"`
}

// AuditConfig configures the SQLite audit store.
type AuditConfig struct {
	// Enabled turns invocation auditing on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file path.
	Path string `yaml:"path,omitempty"`

	// QueueSize bounds the async write queue.
	QueueSize int `yaml:"queue_size,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics HTTP endpoint on.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for /metrics.
	Addr string `yaml:"addr,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "relay",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
			MonitoringWindow: time.Minute,
		},
		Pool: PoolConfig{
			Min:               2,
			Max:               10,
			AcquireTimeout:    30 * time.Second,
			IdleTimeout:       5 * time.Minute,
			EvictionInterval:  time.Minute,
			TestOnBorrow:      true,
			LoadThresholdHigh: 0.8,
			LoadThresholdLow:  0.3,
			ResizeInterval:    10 * time.Second,
			MaxAutoResize:     5,
		},
		Timeouts: TimeoutConfig{
			RequestTimeout: 30 * time.Second,
			Retries:        2,
			RetryDelay:     time.Second,
		},
		Sessions: SessionConfig{
			MaxSessions:       100,
			SessionTimeout:    30 * time.Minute,
			SweepInterval:     time.Minute,
			SupportedVersions: []string{"2.0.0"},
		},
		Audit: AuditConfig{
			Path:      "relay-audit.db",
			QueueSize: 1024,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads configuration from a YAML file, applies defaults for any
// zero values, and then applies environment variable overrides.
// Environment variables take precedence over file-based configuration.
// If path is empty, only defaults and environment variables are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &pkgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to read %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &pkgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero values so minimal configs work without
// specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Name == "" {
		c.Server.Name = defaults.Server.Name
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = defaults.Breaker.ResetTimeout
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = defaults.Breaker.SuccessThreshold
	}
	if c.Breaker.MonitoringWindow == 0 {
		c.Breaker.MonitoringWindow = defaults.Breaker.MonitoringWindow
	}
	if c.Pool.Min == 0 {
		c.Pool.Min = defaults.Pool.Min
	}
	if c.Pool.Max == 0 {
		c.Pool.Max = defaults.Pool.Max
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = defaults.Pool.AcquireTimeout
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = defaults.Pool.IdleTimeout
	}
	if c.Pool.EvictionInterval == 0 {
		c.Pool.EvictionInterval = defaults.Pool.EvictionInterval
	}
	if c.Timeouts.RequestTimeout == 0 {
		c.Timeouts.RequestTimeout = defaults.Timeouts.RequestTimeout
	}
	if c.Timeouts.RetryDelay == 0 {
		c.Timeouts.RetryDelay = defaults.Timeouts.RetryDelay
	}
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
	if c.Sessions.SessionTimeout == 0 {
		c.Sessions.SessionTimeout = defaults.Sessions.SessionTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = defaults.Sessions.SweepInterval
	}
	if len(c.Sessions.SupportedVersions) == 0 {
		c.Sessions.SupportedVersions = defaults.Sessions.SupportedVersions
	}
	if c.Audit.Path == "" {
		c.Audit.Path = defaults.Audit.Path
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = defaults.Audit.QueueSize
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("RELAY_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("RELAY_MAX_SESSIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Sessions.MaxSessions = n
		}
	}
	if val := os.Getenv("RELAY_SESSION_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Sessions.SessionTimeout = d
		}
	}
	if val := os.Getenv("RELAY_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Timeouts.RequestTimeout = d
		}
	}
	if val := os.Getenv("RELAY_AUDIT_PATH"); val != "" {
		c.Audit.Path = val
		c.Audit.Enabled = true
	}
	if val := os.Getenv("RELAY_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
		c.Metrics.Enabled = true
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Pool.Min < 0 || c.Pool.Max <= 0 || c.Pool.Min > c.Pool.Max {
		return &pkgerrors.ConfigError{
			Key:    "pool.min/max",
			Reason: "require 0 <= min <= max and max > 0",
		}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &pkgerrors.ConfigError{
			Key:    "breaker.failure_threshold",
			Reason: "must be at least 1",
		}
	}
	if c.Breaker.SuccessThreshold < 1 {
		return &pkgerrors.ConfigError{
			Key:    "breaker.success_threshold",
			Reason: "must be at least 1",
		}
	}
	if c.Timeouts.Retries < 0 {
		return &pkgerrors.ConfigError{
			Key:    "timeouts.retries",
			Reason: "must not be negative",
		}
	}
	if c.Sessions.MaxSessions < 1 {
		return &pkgerrors.ConfigError{
			Key:    "sessions.max_sessions",
			Reason: "must be at least 1",
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return &pkgerrors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unknown format %q (want json or text)", c.Log.Format),
		}
	}
	if _, err := c.ProtocolVersions(); err != nil {
		return err
	}
	return nil
}

// ProtocolVersions parses the configured supported version strings.
func (c *Config) ProtocolVersions() ([]protocol.Version, error) {
	out := make([]protocol.Version, 0, len(c.Sessions.SupportedVersions))
	for _, raw := range c.Sessions.SupportedVersions {
		parts := strings.Split(raw, ".")
		if len(parts) != 3 {
			return nil, &pkgerrors.ConfigError{
				Key:    "sessions.supported_versions",
				Reason: fmt.Sprintf("malformed version %q (want major.minor.patch)", raw),
			}
		}
		var v protocol.Version
		var err error
		if v.Major, err = strconv.Atoi(parts[0]); err == nil {
			if v.Minor, err = strconv.Atoi(parts[1]); err == nil {
				v.Patch, err = strconv.Atoi(parts[2])
			}
		}
		if err != nil {
			return nil, &pkgerrors.ConfigError{
				Key:    "sessions.supported_versions",
				Reason: fmt.Sprintf("malformed version %q (want major.minor.patch)", raw),
				Cause:  err,
			}
		}
		out = append(out, v)
	}
	return out, nil
}
