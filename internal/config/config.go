// Package config loads and resolves foreman configuration from a JSON5 file
// overlaid with FOREMAN_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Workspace WorkspaceConfig `json:"workspace"`
	Agents    AgentsConfig    `json:"agents"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Gateway   GatewayConfig   `json:"gateway"`
	Telegram  TelegramConfig  `json:"telegram"`
	Security  SecurityConfig  `json:"security"`
	Tracing   TracingConfig   `json:"tracing"`
}

// WorkspaceConfig locates the git repository agents work in and the data
// directory holding the SQLite file.
type WorkspaceConfig struct {
	Path    string `json:"path"`     // git repository root; agent cwd is always under it
	DataDir string `json:"data_dir"` // SQLite file + merge reports live here
}

// AgentsConfig bounds agent execution.
type AgentsConfig struct {
	MaxConcurrent       int    `json:"max_concurrent"`        // global running-agent cap
	TimeoutMinutes      int    `json:"timeout_minutes"`       // per-run wall clock, project-overridable
	BlockedRetryMinutes int    `json:"blocked_retry_minutes"` // blocked cards re-queued after this
	DefaultAgent        string `json:"default_agent"`         // claude | codex | gemini
}

// HeartbeatConfig drives the scheduler.
type HeartbeatConfig struct {
	ChecklistPath string `json:"checklist_path"` // user-editable HEARTBEAT.md
	TickSchedule  string `json:"tick_schedule"`  // cron expression
	SynthSchedule string `json:"synth_schedule"` // cron expression
}

// GatewayConfig configures the HTTP + WebSocket surface.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token"` // bearer token; empty disables auth (dev only)
	RateLimitRPM   int      `json:"rate_limit_rpm"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// TelegramConfig wires the optional failure-notification transport.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	UserID   string `json:"user_id"` // chat to notify
}

// SecurityConfig holds the message-encryption secret.
type SecurityConfig struct {
	MessageEncryptionKey string `json:"message_encryption_key"`
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint"` // host:port, HTTP transport
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Path:    "~/foreman/workspace",
			DataDir: "~/foreman/data",
		},
		Agents: AgentsConfig{
			MaxConcurrent:       3,
			TimeoutMinutes:      30,
			BlockedRetryMinutes: 30,
			DefaultAgent:        "claude",
		},
		Heartbeat: HeartbeatConfig{
			ChecklistPath: "HEARTBEAT.md",
			TickSchedule:  "*/10 * * * *",
			SynthSchedule: "19,39 * * * *",
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 60,
		},
	}
}

// AgentTimeout returns the configured per-run timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agents.TimeoutMinutes) * time.Minute
}

// BlockedRetry returns the blocked-card cooldown as a duration.
func (c *Config) BlockedRetry() time.Duration {
	return time.Duration(c.Agents.BlockedRetryMinutes) * time.Minute
}

// DatabasePath returns the SQLite file location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(ExpandHome(c.Workspace.DataDir), "foreman.db")
}

// ChecklistPath resolves the heartbeat checklist location. Relative paths are
// anchored at the data dir so the file survives cwd changes.
func (c *Config) ChecklistPath() string {
	p := ExpandHome(c.Heartbeat.ChecklistPath)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ExpandHome(c.Workspace.DataDir), p)
}

// ExpandHome expands a leading ~ to the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
