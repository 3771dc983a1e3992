// Package config handles agent configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Station StationConfig `json:"station"`
	Timer   TimerConfig   `json:"timer,omitempty"`
	Overlay OverlayConfig `json:"overlay,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// ServerConfig defines how the agent connects to the server.
type ServerConfig struct {
	URL               string   `json:"url"`
	Token             string   `json:"token"`
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"` // dev only
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`
}

// StationConfig identifies the machine this agent controls.
type StationConfig struct {
	ID string `json:"id"`
}

// TimerConfig tunes the local session timer. The agent keeps its own clock
// against the synced deadline so sessions end on time even when the server
// is unreachable.
type TimerConfig struct {
	Resolution        Duration `json:"resolution,omitempty"`         // local timer tick; default 10s
	WarningThreshold  Duration `json:"warning_threshold,omitempty"`  // local warning; default 5m
	GracePeriod       Duration `json:"grace_period,omitempty"`       // time before the local lock; default 60s
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"` // fallback until server_hello overrides; default 30s
	ReportInterval    Duration `json:"report_interval,omitempty"`    // status report cadence; default 60s
}

// OverlayConfig controls the on-screen countdown overlay.
type OverlayConfig struct {
	Disabled bool `json:"disabled,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json or text
}

// Duration wraps time.Duration for human-readable JSON ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads, validates, and applies defaults to a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// URL")
	}
	if c.Server.Token == "" {
		return fmt.Errorf("server.token is required (mint one with 'lanhall-server token')")
	}
	if c.Station.ID == "" {
		return fmt.Errorf("station.id is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.ReconnectInterval.Duration <= 0 {
		c.Server.ReconnectInterval.Duration = 5 * time.Second
	}
	if c.Server.MaxReconnectDelay.Duration <= 0 {
		c.Server.MaxReconnectDelay.Duration = 60 * time.Second
	}
	if c.Timer.Resolution.Duration <= 0 {
		c.Timer.Resolution.Duration = 10 * time.Second
	}
	if c.Timer.WarningThreshold.Duration <= 0 {
		c.Timer.WarningThreshold.Duration = 5 * time.Minute
	}
	if c.Timer.GracePeriod.Duration <= 0 {
		c.Timer.GracePeriod.Duration = 60 * time.Second
	}
	if c.Timer.HeartbeatInterval.Duration <= 0 {
		c.Timer.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Timer.ReportInterval.Duration <= 0 {
		c.Timer.ReportInterval.Duration = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// AgentWSURL returns the full per-station WebSocket URL including the token.
func (c *Config) AgentWSURL() string {
	base := strings.TrimSuffix(c.Server.URL, "/")
	return fmt.Sprintf("%s/ws/agent/%s?token=%s", base, c.Station.ID, c.Server.Token)
}
