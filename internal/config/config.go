// Package config loads the bridge's configuration: chat backend credentials
// and policy, idle/warn timeouts, concurrency limits, and workspace paths.
// Secrets are env-only; everything else lives in a JSON file that is
// hot-reloaded via fsnotify.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// PlatformConfig is one chat backend's connection policy.
type PlatformConfig struct {
	Enabled   bool     `json:"enabled"`
	ServerURL string   `json:"serverUrl,omitempty"` // Mattermost only
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// Config is the bridge's full runtime configuration.
type Config struct {
	Mattermost PlatformConfig `json:"mattermost"`
	Slack      PlatformConfig `json:"slack"`

	Workspace   string `json:"workspace"`
	SessionsDir string `json:"sessionsDir"`

	MaxSessions int `json:"maxSessions"`

	IdleWarn    time.Duration `json:"idleWarn"`
	IdleTimeout time.Duration `json:"idleTimeout"`

	TypingInterval time.Duration `json:"typingInterval"`

	// Secrets, env-only — never persisted to the config file.
	MattermostToken string `json:"-"`
	SlackBotToken   string `json:"-"`
	SlackAppToken   string `json:"-"`
}

// Default returns a Config with sensible defaults, matching the values
// described in the project's operating notes.
func Default() *Config {
	return &Config{
		Mattermost:     PlatformConfig{Enabled: false},
		Slack:          PlatformConfig{Enabled: false},
		Workspace:      "~/.chatcoder/workspace",
		SessionsDir:    "~/.chatcoder/sessions",
		MaxSessions:    50,
		IdleWarn:       10 * time.Minute,
		IdleTimeout:    30 * time.Minute,
		TypingInterval: 3 * time.Second,
	}
}

// Load reads config from a JSON file (creating no file if absent — Default
// applies), then overlays environment-variable secrets and numeric
// overrides. Env vars always take precedence over file values.
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

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

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
	envDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	envStr("CHATCODER_MATTERMOST_TOKEN", &c.MattermostToken)
	envStr("CHATCODER_SLACK_BOT_TOKEN", &c.SlackBotToken)
	envStr("CHATCODER_SLACK_APP_TOKEN", &c.SlackAppToken)
	envStr("CHATCODER_MATTERMOST_SERVER_URL", &c.Mattermost.ServerURL)
	envStr("CHATCODER_WORKSPACE", &c.Workspace)
	envStr("CHATCODER_SESSIONS_DIR", &c.SessionsDir)
	envInt("CHATCODER_MAX_SESSIONS", &c.MaxSessions)
	envDuration("CHATCODER_IDLE_WARN", &c.IdleWarn)
	envDuration("CHATCODER_IDLE_TIMEOUT", &c.IdleTimeout)

	if c.MattermostToken != "" {
		c.Mattermost.Enabled = true
	}
	if c.SlackBotToken != "" && c.SlackAppToken != "" {
		c.Slack.Enabled = true
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[1:])
}
