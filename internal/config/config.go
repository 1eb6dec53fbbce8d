// Package config provides configuration types and defaults for telecode.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/telecode/internal/log"
)

// Config holds all configuration options for telecode.
type Config struct {
	// Workspace is the directory the OpenCode server is launched against.
	// Default: current working directory.
	Workspace string `mapstructure:"workspace"`

	Telegram TelegramConfig  `mapstructure:"telegram"`
	OpenCode OpenCodeConfig  `mapstructure:"opencode"`
	Log      LogConfig       `mapstructure:"log"`
	Store    StoreConfig     `mapstructure:"store"`
	Tracing  TracingConfig   `mapstructure:"tracing"`
	Flags    map[string]bool `mapstructure:"flags"`
}

// TelegramConfig holds the chat transport settings.
type TelegramConfig struct {
	// Token is the bot token from @BotFather. Required to run the bot.
	Token string `mapstructure:"token"`

	// AllowedChats lists chat IDs permitted to talk to the bot.
	// Empty means every chat is allowed (not recommended).
	AllowedChats []int64 `mapstructure:"allowed_chats"`

	// AdminChat may additionally issue /stop, /logs and default-model
	// changes. Zero disables admin commands.
	AdminChat int64 `mapstructure:"admin_chat"`

	// PollTimeout is the long-poll timeout for fetching updates.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// OpenCodeConfig holds settings for the supervised OpenCode server.
type OpenCodeConfig struct {
	// Binary overrides executable discovery. The OPENCODE_PATH environment
	// variable takes precedence over this setting.
	Binary string `mapstructure:"binary"`

	// Port forces the server port, skipping ephemeral allocation.
	// The OPENCODE_PORT environment variable takes precedence.
	Port int `mapstructure:"port"`

	// Model is the default provider/model for prompts, e.g.
	// "anthropic/claude-sonnet-4-5". Empty lets the server pick.
	Model string `mapstructure:"model"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// File is the log file path. Default: <config dir>/telecode.log.
	File string `mapstructure:"file"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path is the SQLite database path. Default: <config dir>/telecode.db.
	Path string `mapstructure:"path"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the export backend: "none", "file", "stdout", "otlp".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <config dir>/traces/traces.jsonl.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultConfigDir returns the user config directory for telecode.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".telecode"
	}
	return filepath.Join(home, ".config", "telecode")
}

// DefaultLogPath returns the default log file location.
func DefaultLogPath() string {
	return filepath.Join(DefaultConfigDir(), "telecode.log")
}

// DefaultStorePath returns the default SQLite database location.
func DefaultStorePath() string {
	return filepath.Join(DefaultConfigDir(), "telecode.db")
}

// DefaultTracePath returns the default trace export location.
func DefaultTracePath() string {
	return filepath.Join(DefaultConfigDir(), "traces", "traces.jsonl")
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Workspace: "",
		Telegram: TelegramConfig{
			PollTimeout: 10 * time.Second,
		},
		OpenCode: OpenCodeConfig{
			Model: "",
		},
		Log: LogConfig{
			Level: "info",
			File:  "", // Derived from config dir at runtime
		},
		Store: StoreConfig{
			Path: "", // Derived from config dir at runtime
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ValidateTelegram checks the chat transport configuration.
// The token is required to run the bot; other commands tolerate its absence.
func ValidateTelegram(tg TelegramConfig) error {
	if tg.Token == "" {
		return fmt.Errorf("telegram.token is required (get one from @BotFather)")
	}
	if tg.PollTimeout < 0 {
		return fmt.Errorf("telegram.poll_timeout must not be negative, got %v", tg.PollTimeout)
	}
	return nil
}

// ValidateOpenCode checks the OpenCode server configuration.
func ValidateOpenCode(oc OpenCodeConfig) error {
	if oc.Port < 0 || oc.Port > 65535 {
		return fmt.Errorf("opencode.port must be between 0 and 65535, got %d", oc.Port)
	}
	if oc.Binary != "" && !filepath.IsAbs(oc.Binary) {
		return fmt.Errorf("opencode.binary must be an absolute path, got %q", oc.Binary)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// Validate checks the full configuration for running the bot.
func Validate(cfg Config) error {
	if err := ValidateTelegram(cfg.Telegram); err != nil {
		return err
	}
	if err := ValidateOpenCode(cfg.OpenCode); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# telecode Configuration

# Directory the OpenCode server runs against (default: current directory)
# workspace: /path/to/project

telegram:
  # Bot token from @BotFather (required)
  token: ""
  # Chat IDs allowed to talk to the bot. Empty allows everyone.
  # allowed_chats:
  #   - 123456789
  # Chat allowed to run /stop and /logs
  # admin_chat: 123456789
  # Long-poll timeout for update fetching
  poll_timeout: 10s

opencode:
  # Default model for prompts, e.g. anthropic/claude-sonnet-4-5
  # model: ""
  # Force a fixed server port instead of an ephemeral one
  # port: 0
  # Absolute path to the opencode binary (OPENCODE_PATH wins over this)
  # binary: ""

log:
  # debug, info, warn, error
  level: info
  # file: ~/.config/telecode/telecode.log

# store:
#   path: ~/.config/telecode/telecode.db

# Distributed tracing of server supervision and message handling
# tracing:
#   enabled: true
#   exporter: file           # none, file, stdout, otlp
#   file_path: ~/.config/telecode/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

# Feature flags
# flags:
#   restart-backoff: true    # back off between crash-restart attempts
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
