package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all secretary configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Telegram    TelegramConfig    `toml:"telegram"`
	Tracker     TrackerConfig     `toml:"tracker"`
	Proactivity ProactivityConfig `toml:"proactivity"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type StorageConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "file"
	Path    string `toml:"path"`
}

type TelegramConfig struct {
	Token   string `toml:"token"`
	APIBase string `toml:"api_base"`
}

type TrackerConfig struct {
	DefaultIntervalMinutes int `toml:"default_interval_minutes"`
}

type ProactivityConfig struct {
	CheckSeconds               int `toml:"check_seconds"`
	StateStaleSeconds          int `toml:"state_stale_seconds"`
	StatePromptCooldownSeconds int `toml:"state_prompt_cooldown_seconds"`
	QuestionFollowUpSeconds    int `toml:"question_follow_up_seconds"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38488,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "", // resolved at runtime via store.DefaultDBPath()
		},
		Tracker: TrackerConfig{
			DefaultIntervalMinutes: 25,
		},
		Proactivity: ProactivityConfig{
			CheckSeconds:               5,
			StateStaleSeconds:          3600,
			StatePromptCooldownSeconds: 600,
			QuestionFollowUpSeconds:    600,
		},
	}
}

// Load reads a TOML config file over the defaults. A missing file is not an
// error: defaults apply. TELEGRAM_BOT_TOKEN in the environment overrides the
// configured token.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
