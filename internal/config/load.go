package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("FOREMAN_WORKSPACE", &c.Workspace.Path)
	envStr("FOREMAN_DATA_DIR", &c.Workspace.DataDir)

	envInt("FOREMAN_MAX_CONCURRENT_AGENTS", &c.Agents.MaxConcurrent)
	envInt("FOREMAN_AGENT_TIMEOUT_MINUTES", &c.Agents.TimeoutMinutes)
	envInt("FOREMAN_BLOCKED_RETRY_MINUTES", &c.Agents.BlockedRetryMinutes)
	envStr("FOREMAN_DEFAULT_AGENT", &c.Agents.DefaultAgent)

	envStr("FOREMAN_HEARTBEAT_CHECKLIST", &c.Heartbeat.ChecklistPath)

	envStr("FOREMAN_HOST", &c.Gateway.Host)
	envInt("FOREMAN_PORT", &c.Gateway.Port)
	envStr("FOREMAN_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("FOREMAN_TELEGRAM_TOKEN", &c.Telegram.BotToken)
	envStr("FOREMAN_TELEGRAM_USER_ID", &c.Telegram.UserID)

	// Secret, never in the config file.
	envStr("FOREMAN_MESSAGE_KEY", &c.Security.MessageEncryptionKey)

	envStr("FOREMAN_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)
	if v := os.Getenv("FOREMAN_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "1" || v == "true"
	}
}
