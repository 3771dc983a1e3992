package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validSecret = "0123456789abcdef0123456789abcdef"

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "`+validSecret+`"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "lanhall.db" {
		t.Errorf("storage defaults = %q %q", cfg.Storage.Driver, cfg.Storage.DSN)
	}
	if cfg.Session.PollInterval.Duration != 10*time.Second {
		t.Errorf("poll interval = %v", cfg.Session.PollInterval.Duration)
	}
	if cfg.Session.HeartbeatInterval.Duration != 30*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Session.HeartbeatInterval.Duration)
	}
	if cfg.Session.HeartbeatTimeout.Duration != 90*time.Second {
		t.Errorf("heartbeat timeout = %v", cfg.Session.HeartbeatTimeout.Duration)
	}
	if cfg.Session.ExpiryGracePeriod.Duration != 30*time.Second {
		t.Errorf("grace period = %v", cfg.Session.ExpiryGracePeriod.Duration)
	}
	if cfg.Session.MaxSessionDuration.Duration != 24*time.Hour {
		t.Errorf("max session duration = %v", cfg.Session.MaxSessionDuration.Duration)
	}
	if len(cfg.Session.WarningThresholds) != 2 {
		t.Fatalf("warning thresholds = %v", cfg.Session.WarningThresholds)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("jwt expiry = %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing addr",
			content: `{"auth": {"jwt_secret": "` + validSecret + `"}}`,
			wantErr: "server.addr",
		},
		{
			name:    "missing secret",
			content: `{"server": {"addr": ":8080"}}`,
			wantErr: "jwt_secret is required",
		},
		{
			name:    "short secret",
			content: `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`,
			wantErr: "at least 32 characters",
		},
		{
			name:    "weak secret",
			content: `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			wantErr: "weak secret",
		},
		{
			name:    "jwks without url",
			content: `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "` + validSecret + `", "provider": "jwks"}}`,
			wantErr: "jwks_url",
		},
		{
			name: "non-positive warning threshold",
			content: `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "` + validSecret + `"},
				"session": {"warning_thresholds": ["0s"]}}`,
			wantErr: "warning_thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationAcceptsStringsAndSeconds(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "`+validSecret+`"},
		"session": {"poll_interval": "5s", "heartbeat_timeout": 120}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.PollInterval.Duration != 5*time.Second {
		t.Errorf("poll interval = %v, want 5s", cfg.Session.PollInterval.Duration)
	}
	if cfg.Session.HeartbeatTimeout.Duration != 120*time.Second {
		t.Errorf("heartbeat timeout = %v, want 2m", cfg.Session.HeartbeatTimeout.Duration)
	}
}

func TestWarningDurationsLongestFirst(t *testing.T) {
	cfg := &Config{}
	cfg.Session.WarningThresholds = []Duration{
		{1 * time.Minute},
		{10 * time.Minute},
		{5 * time.Minute},
	}

	got := cfg.WarningDurations()
	want := []time.Duration{10 * time.Minute, 5 * time.Minute, 1 * time.Minute}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("WarningDurations = %v, want %v", got, want)
		}
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("secret length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
