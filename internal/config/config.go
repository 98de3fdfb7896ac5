// Package config loads the bot configuration from YAML with environment
// overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvBotToken    = "POWERON_BOT_TOKEN"
	EnvAllowedIDs  = "POWERON_ALLOWED_IDS"
	EnvAdminUserID = "POWERON_ADMIN_USER_ID"
	EnvBrowserPath = "POWERON_BROWSER_PATH"
)

// TokenFile is the fallback token location next to the binary.
const TokenFile = "poweron_bot_token.txt"

// Config holds all bot configuration.
type Config struct {
	Bot      BotConfig      `yaml:"bot"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Render   RenderConfig   `yaml:"render"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BotConfig configures the messenger side.
type BotConfig struct {
	Token       string `yaml:"token"`
	AllowedIDs  string `yaml:"allowed_ids"` // comma-separated user IDs, empty = open
	AdminUserID int64  `yaml:"admin_user_id"`
	IdleExpiry  string `yaml:"idle_expiry"`
}

// UpstreamConfig configures the address data API.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	SiteURL string `yaml:"site_url"`
	Timeout string `yaml:"timeout"`
	Retries int    `yaml:"retries"`
	Limit   int    `yaml:"limit"`
}

// RenderConfig configures the screenshot pipeline.
type RenderConfig struct {
	BrowserPath    string `yaml:"browser_path"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	NavTimeout     string `yaml:"nav_timeout"`
	WaitBudget     string `yaml:"wait_budget"`
	CacheDir       string `yaml:"cache_dir"`
	CacheTTL       string `yaml:"cache_ttl"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Dir       string `yaml:"dir"`
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
	JSON      bool   `yaml:"json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			IdleExpiry: "2h",
		},
		Upstream: UpstreamConfig{
			Timeout: "15s",
			Retries: 3,
			Limit:   10,
		},
		Render: RenderConfig{
			ViewportWidth:  1400,
			ViewportHeight: 2200,
			NavTimeout:     "60s",
			WaitBudget:     "10s",
			CacheTTL:       "10m",
		},
		Storage: StorageConfig{
			DatabasePath: "data/poweron.db",
		},
		Logging: LoggingConfig{
			Dir:   "logs",
			Level: "info",
		},
	}
}

// Load reads cfg from path, falling back to defaults when the file is
// absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if token := os.Getenv(EnvBotToken); token != "" {
		c.Bot.Token = token
	}
	if ids := os.Getenv(EnvAllowedIDs); ids != "" {
		c.Bot.AllowedIDs = ids
	}
	if raw := os.Getenv(EnvAdminUserID); raw != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			c.Bot.AdminUserID = id
		}
	}
	if path := os.Getenv(EnvBrowserPath); path != "" {
		c.Render.BrowserPath = path
	}
}

// ResolveToken returns the bot token: config (already env-overridden),
// then the token file next to the working directory.
func (c *Config) ResolveToken() (string, error) {
	if token := strings.TrimSpace(c.Bot.Token); token != "" {
		return token, nil
	}
	if data, err := os.ReadFile(TokenFile); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("set %s or create %s", EnvBotToken, TokenFile)
}

// AllowedIDSet parses the comma-separated allow-list. Malformed entries
// are skipped. An empty result means the bot is open.
func (c *Config) AllowedIDSet() map[int64]bool {
	ids := make(map[int64]bool)
	for _, part := range strings.Split(c.Bot.AllowedIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids[id] = true
	}
	return ids
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// UpstreamTimeout returns the data API request timeout.
func (c *Config) UpstreamTimeout() time.Duration { return duration(c.Upstream.Timeout, 15*time.Second) }

// NavTimeout returns the browser navigation timeout.
func (c *Config) NavTimeout() time.Duration { return duration(c.Render.NavTimeout, 60*time.Second) }

// WaitBudget returns the schedule fragment wait budget.
func (c *Config) WaitBudget() time.Duration { return duration(c.Render.WaitBudget, 10*time.Second) }

// CacheTTL returns the screenshot cache TTL.
func (c *Config) CacheTTL() time.Duration { return duration(c.Render.CacheTTL, 10*time.Minute) }

// IdleExpiry returns the wizard session idle expiry.
func (c *Config) IdleExpiry() time.Duration { return duration(c.Bot.IdleExpiry, 2*time.Hour) }
