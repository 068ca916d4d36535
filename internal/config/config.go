// Package config provides configuration loading and validation for convosync.
// Values come from a YAML file with CS_-prefixed environment variable
// overrides, validated before any component starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components: logging,
// bot identity, local chat log, durable store, synchronization, HTTP API,
// transcription, and scheduled maintenance.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Bot         BotConfig         `mapstructure:"bot"`
	Database    DatabaseConfig    `mapstructure:"database"`
	ChatLog     ChatLogConfig     `mapstructure:"chatlog"`
	WhatsApp    WhatsAppConfig    `mapstructure:"whatsapp"`
	Sync        SyncConfig        `mapstructure:"sync"`
	API         APIConfig         `mapstructure:"api"`
	Transcriber TranscriberConfig `mapstructure:"transcriber"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// BotConfig is the bot's natural identity in the durable store: human name
// plus the external identifier used for lookup and creation.
type BotConfig struct {
	Name       string `mapstructure:"name"       validate:"required"`
	Identifier string `mapstructure:"identifier" validate:"required"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ChatLogConfig locates the local append log written by the WhatsApp handler.
type ChatLogConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// WhatsAppConfig controls the WhatsApp session layer.
type WhatsAppConfig struct {
	SessionPath string `mapstructure:"session_path" validate:"required"`
	QRTerminal  bool   `mapstructure:"qr_terminal"`
}

// SyncConfig controls the reconciler's timer fallback and restart backoff.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"        validate:"min=1s,max=1h"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff" validate:"min=1s,max=10m"`
}

// APIConfig controls the HTTP API listener.
type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// TranscriberConfig controls the audio transcription service. Transcription is
// disabled when the API key is empty.
type TranscriberConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"min=1s,max=5m"`
}

// SchedulerConfig holds per-task scheduling configuration keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig enables a scheduled task and sets its cron expression.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// LoadConfig reads configuration from the given YAML file, applies defaults
// and CS_* environment overrides, and validates the result. A missing config
// file is tolerated; missing required values are not.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		// No config file is fine; defaults plus environment apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)

	v.SetDefault("database.path", "storage.db")
	v.SetDefault("chatlog.path", "db.json")

	v.SetDefault("whatsapp.session_path", "session.db")
	v.SetDefault("whatsapp.qr_terminal", true)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.restart_backoff", 5*time.Second)

	v.SetDefault("api.addr", ":3009")

	v.SetDefault("transcriber.model", "gemini-2.0-flash")
	v.SetDefault("transcriber.max_retries", 2)
	v.SetDefault("transcriber.retry_delay", 5*time.Second)
}
