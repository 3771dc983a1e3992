// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Session SessionConfig `json:"session"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket/CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSURL      string        `json:"jwks_url,omitempty"` // required when provider is "jwks"
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`    // staff token lifetime
	AgentExpiry  Duration      `json:"agent_expiry,omitempty"`  // minted agent token lifetime
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first staff account.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "lanhall.db" or a postgres URL
}

// SessionConfig defines session monitoring and protocol timing.
type SessionConfig struct {
	PollInterval       Duration   `json:"poll_interval,omitempty"`        // expiry monitor pass interval; default 10s
	WarningThresholds  []Duration `json:"warning_thresholds,omitempty"`   // default [5m, 1m]
	HeartbeatInterval  Duration   `json:"heartbeat_interval,omitempty"`   // advertised to agents; default 30s
	HeartbeatTimeout   Duration   `json:"heartbeat_timeout,omitempty"`    // reaper eviction threshold; default 90s
	ExpiryGracePeriod  Duration   `json:"expiry_grace_period,omitempty"`  // grace sent with session_expired; default 30s
	MaxSessionDuration Duration   `json:"max_session_duration,omitempty"` // cap on start + extensions; default 24h
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
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
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// The JWT secret signs agent tokens regardless of the staff auth provider.
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required when provider is jwks")
	}
	for _, w := range c.Session.WarningThresholds {
		if w.Duration <= 0 {
			return fmt.Errorf("session.warning_thresholds must be positive durations")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.AgentExpiry.Duration == 0 {
		c.Auth.AgentExpiry.Duration = 365 * 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "lanhall.db"
	}
	if c.Session.PollInterval.Duration == 0 {
		c.Session.PollInterval.Duration = 10 * time.Second
	}
	if len(c.Session.WarningThresholds) == 0 {
		c.Session.WarningThresholds = []Duration{
			{5 * time.Minute},
			{1 * time.Minute},
		}
	}
	if c.Session.HeartbeatInterval.Duration == 0 {
		c.Session.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Session.HeartbeatTimeout.Duration == 0 {
		c.Session.HeartbeatTimeout.Duration = 90 * time.Second
	}
	if c.Session.ExpiryGracePeriod.Duration == 0 {
		c.Session.ExpiryGracePeriod.Duration = 30 * time.Second
	}
	if c.Session.MaxSessionDuration.Duration == 0 {
		c.Session.MaxSessionDuration.Duration = 24 * time.Hour
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// WarningDurations returns the configured warning thresholds as plain durations,
// longest first.
func (c *Config) WarningDurations() []time.Duration {
	out := make([]time.Duration, len(c.Session.WarningThresholds))
	for i, d := range c.Session.WarningThresholds {
		out[i] = d.Duration
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] > out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
