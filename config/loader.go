package config

import (
	"fmt"
	"os"
	"strconv"
)

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty and the default file is absent),
// then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	var config *Config
	switch {
	case path != "":
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	default:
		config = DefaultConfig()
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays environment variables onto config. Environment
// always wins over file values.
func applyEnv(c *Config) {
	setString(&c.Security.SecretKey, "SECRET_KEY")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Server.ListenAddr, "LISTEN_ADDR")
	setString(&c.Server.CallbackBaseURL, "CALLBACK_BASE_URL")
	setInt(&c.Server.IdempotencyKeyExpiryHours, "IDEMPOTENCY_KEY_EXPIRY_HOURS")

	setString(&c.Slack.BotToken, "SLACK_BOT_TOKEN")
	setString(&c.Slack.Channel, "SLACK_CHANNEL")
	setString(&c.Slack.SigningSecret, "SLACK_SIGNING_SECRET")

	setString(&c.Agent.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.Agent.Model, "OPENAI_MODEL")

	setInt(&c.Approval.DefaultTimeoutSeconds, "DEFAULT_APPROVAL_TIMEOUT_SECONDS")
	setInt(&c.Sweeper.CheckIntervalSeconds, "TIMEOUT_CHECK_INTERVAL_SECONDS")
	setInt(&c.Retry.MaxAttempts, "MAX_RETRY_ATTEMPTS")

	setString(&c.Log.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		// Malformed numeric overrides are ignored rather than silently
		// zeroing a default.
		fmt.Fprintf(os.Stderr, "ignoring %s=%q: not an integer\n", key, v)
		return
	}
	*dst = n
}
