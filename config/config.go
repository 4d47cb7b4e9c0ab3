// Package config provides configuration loading for the signoff server.
// Values are layered: defaults, then a YAML file, then environment
// overrides. SECRET_KEY has no default; startup refuses to proceed
// without it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Approval ApprovalConfig `yaml:"approval"`
	Retry    RetryConfig    `yaml:"retry"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	EventBus EventBusConfig `yaml:"event_bus"`
	Slack    SlackConfig    `yaml:"slack"`
	Agent    AgentConfig    `yaml:"agent"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// ListenAddr is the bind address for the HTTP server.
	ListenAddr string `yaml:"listen_addr"`
	// CallbackBaseURL is the externally reachable base URL used when
	// rendering approval callback links.
	CallbackBaseURL string `yaml:"callback_base_url"`
	// IdempotencyKeyExpiryHours controls how long Idempotency-Key
	// responses are replayed.
	IdempotencyKeyExpiryHours int `yaml:"idempotency_key_expiry_hours"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// SecurityConfig holds the signing secret for callback tokens and
// inbound webhook verification.
type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// ApprovalConfig configures approval defaults.
type ApprovalConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	MaxRollbacks          int `yaml:"max_rollbacks"`
}

// RetryConfig configures workflow retry budgets and the advisory backoff.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialWaitMillis int     `yaml:"initial_wait_ms"`
	Multiplier        float64 `yaml:"multiplier"`
	MaxWaitMillis     int     `yaml:"max_wait_ms"`
}

// InitialWait returns the configured initial backoff as a duration.
func (r RetryConfig) InitialWait() time.Duration {
	return time.Duration(r.InitialWaitMillis) * time.Millisecond
}

// MaxWait returns the configured backoff cap as a duration.
func (r RetryConfig) MaxWait() time.Duration {
	return time.Duration(r.MaxWaitMillis) * time.Millisecond
}

// SweeperConfig configures the timeout sweeper.
type SweeperConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// EventBusConfig configures the in-process event bus.
type EventBusConfig struct {
	MaxQueueSize int `yaml:"max_queue_size"`
	MaxRetries   int `yaml:"max_retries"`
}

// SlackConfig configures the Slack adapter. Leaving BotToken or Channel
// empty disables outbound notifications; leaving SigningSecret empty
// rejects every inbound webhook (fail-closed).
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	Channel       string `yaml:"channel"`
	SigningSecret string `yaml:"signing_secret"`

	CircuitFailMax        uint32 `yaml:"circuit_fail_max"`
	CircuitTimeoutSeconds int    `yaml:"circuit_timeout_seconds"`
}

// AgentConfig configures the conversational agent. An empty APIKey
// disables it.
type AgentConfig struct {
	OpenAIAPIKey string `yaml:"openai_api_key"`
	Model        string `yaml:"model"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults. SecretKey is
// deliberately left empty.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:                ":8080",
			CallbackBaseURL:           "http://localhost:8080",
			IdempotencyKeyExpiryHours: 24,
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/signoff?sslmode=disable",
		},
		Approval: ApprovalConfig{
			DefaultTimeoutSeconds: 3600,
			MaxRollbacks:          3,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialWaitMillis: 1000,
			Multiplier:        2.0,
			MaxWaitMillis:     60000,
		},
		Sweeper: SweeperConfig{
			CheckIntervalSeconds: 10,
		},
		EventBus: EventBusConfig{
			MaxQueueSize: 1000,
			MaxRetries:   3,
		},
		Slack: SlackConfig{
			CircuitFailMax:        5,
			CircuitTimeoutSeconds: 60,
		},
		Agent: AgentConfig{
			Model: "gpt-4o-mini",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Security.SecretKey == "" {
		return fmt.Errorf("security.secret_key is required (set SECRET_KEY)")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Approval.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("approval.default_timeout_seconds must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Sweeper.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("sweeper.check_interval_seconds must be positive")
	}
	if c.EventBus.MaxQueueSize <= 0 {
		return fmt.Errorf("event_bus.max_queue_size must be positive")
	}
	if c.EventBus.MaxRetries < 0 {
		return fmt.Errorf("event_bus.max_retries must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the
// defaults. ${VAR} references in the file are expanded from the
// environment before parsing; unset variables expand to the empty
// string.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)
	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}
