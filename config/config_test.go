package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Approval.DefaultTimeoutSeconds != 3600 {
		t.Errorf("expected default approval timeout 3600, got %d", cfg.Approval.DefaultTimeoutSeconds)
	}
	if cfg.Sweeper.CheckIntervalSeconds != 10 {
		t.Errorf("expected default sweep interval 10, got %d", cfg.Sweeper.CheckIntervalSeconds)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default retry budget 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialWait() != time.Second {
		t.Errorf("expected default initial wait 1s, got %v", cfg.Retry.InitialWait())
	}
	if cfg.Retry.MaxWait() != time.Minute {
		t.Errorf("expected default max wait 1m, got %v", cfg.Retry.MaxWait())
	}
	if cfg.EventBus.MaxQueueSize != 1000 {
		t.Errorf("expected default queue size 1000, got %d", cfg.EventBus.MaxQueueSize)
	}
	if cfg.Security.SecretKey != "" {
		t.Error("secret key must have no default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing secret key",
			modify:  func(c *Config) { c.Security.SecretKey = "" },
			wantErr: true,
		},
		{
			name:    "missing database url",
			modify:  func(c *Config) { c.Database.URL = "" },
			wantErr: true,
		},
		{
			name:    "zero approval timeout",
			modify:  func(c *Config) { c.Approval.DefaultTimeoutSeconds = 0 },
			wantErr: true,
		},
		{
			name:    "multiplier below one",
			modify:  func(c *Config) { c.Retry.Multiplier = 0.5 },
			wantErr: true,
		},
		{
			name:    "zero queue size",
			modify:  func(c *Config) { c.EventBus.MaxQueueSize = 0 },
			wantErr: true,
		},
		{
			name:    "bogus log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Security.SecretKey = "test-secret"
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "signoff.yaml")

	content := `
server:
  listen_addr: ":9090"
  callback_base_url: "https://signoff.example.com"
database:
  url: "postgres://db:5432/signoff"
approval:
  default_timeout_seconds: 600
retry:
  max_attempts: 5
slack:
  channel: "#approvals"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("expected listen addr :9090, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Database.URL != "postgres://db:5432/signoff" {
		t.Errorf("unexpected database url %s", cfg.Database.URL)
	}
	if cfg.Approval.DefaultTimeoutSeconds != 600 {
		t.Errorf("expected approval timeout 600, got %d", cfg.Approval.DefaultTimeoutSeconds)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected retry budget 5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Slack.Channel != "#approvals" {
		t.Errorf("unexpected slack channel %s", cfg.Slack.Channel)
	}
	// Untouched sections keep their defaults.
	if cfg.Sweeper.CheckIntervalSeconds != 10 {
		t.Errorf("expected default sweep interval, got %d", cfg.Sweeper.CheckIntervalSeconds)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_SIGNOFF_DB", "postgres://expanded:5432/signoff")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "signoff.yaml")
	content := "database:\n  url: \"${TEST_SIGNOFF_DB}\"\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Database.URL != "postgres://expanded:5432/signoff" {
		t.Errorf("env var was not expanded, got %s", cfg.Database.URL)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SECRET_KEY", "env-secret")
	t.Setenv("DATABASE_URL", "postgres://env:5432/signoff")
	t.Setenv("MAX_RETRY_ATTEMPTS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security.SecretKey != "env-secret" {
		t.Errorf("expected secret from env, got %q", cfg.Security.SecretKey)
	}
	if cfg.Database.URL != "postgres://env:5432/signoff" {
		t.Errorf("expected database url from env, got %s", cfg.Database.URL)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("expected retry budget 7, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadRefusesWithoutSecret(t *testing.T) {
	t.Setenv("SECRET_KEY", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error without SECRET_KEY")
	}
	if !strings.Contains(err.Error(), "secret_key") {
		t.Errorf("unexpected error: %v", err)
	}
}
