// Package config reads the process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is read from LICENSE_-prefixed environment variables. A .env file
// in the working directory is honored when present.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	DBPath   string `envconfig:"DB_PATH" default:"./data/licensed.db"`

	// AdminToken guards the HTTP admin API; empty disables it.
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// BotToken enables the Telegram admin bot; AdminChatID is the single
	// chat allowed to issue commands.
	BotToken    string `envconfig:"BOT_TOKEN"`
	AdminChatID int64  `envconfig:"ADMIN_CHAT_ID"`

	// LegacyUsersFile is imported into the store at startup when present.
	LegacyUsersFile string `envconfig:"LEGACY_USERS_FILE" default:"users.json"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("LICENSE", &cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}
	if cfg.BotToken != "" && cfg.AdminChatID == 0 {
		return nil, fmt.Errorf("LICENSE_ADMIN_CHAT_ID is required when LICENSE_BOT_TOKEN is set")
	}
	return &cfg, nil
}

// SlogLevel maps LogLevel onto slog. Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
