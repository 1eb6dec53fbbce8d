package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/telecode/internal/bot"
	"github.com/zjrosen/telecode/internal/config"
	"github.com/zjrosen/telecode/internal/flags"
	"github.com/zjrosen/telecode/internal/log"
	"github.com/zjrosen/telecode/internal/server"
	"github.com/zjrosen/telecode/internal/store"
	"github.com/zjrosen/telecode/internal/tracing"
	"github.com/zjrosen/telecode/internal/watcher"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "telecode",
	Short: "A Telegram bridge to an OpenCode coding agent",
	Long: `Telecode runs an OpenCode server against a workspace and bridges it to
Telegram: messages become prompts, replies come back formatted, and the
server is supervised with health probes and crash restarts.`,
	Version: version,
	RunE:    runBot,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/telecode/config.yaml)")
	rootCmd.Flags().StringP("workspace", "w", "",
		"directory the OpenCode server runs against (default: current directory)")
	rootCmd.Flags().String("token", "",
		"Telegram bot token (overrides config)")
	rootCmd.Flags().String("log-level", "",
		"log level: debug, info, warn, error (overrides config)")

	// Bind flags to viper
	_ = viper.BindPFlag("workspace", rootCmd.Flags().Lookup("workspace"))
	_ = viper.BindPFlag("telegram.token", rootCmd.Flags().Lookup("token"))
	_ = viper.BindPFlag("log.level", rootCmd.Flags().Lookup("log-level"))
}

func initConfig() {
	defaults := config.Defaults()
	// The duration default goes in as a string so `config show` renders it
	// the way the file would spell it. Unmarshal parses it back.
	viper.SetDefault("telegram.poll_timeout", defaults.Telegram.PollTimeout.String())
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .telecode/config.yaml (current directory)
		// 2. ~/.config/telecode/config.yaml (user config)
		if _, err := os.Stat(".telecode/config.yaml"); err == nil {
			viper.SetConfigFile(".telecode/config.yaml")
		} else {
			viper.AddConfigPath(config.DefaultConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create a commented default in the
		// user config dir so there is a durable place to save settings.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(config.DefaultConfigDir(), "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// configFilePath reports the config file in effect, falling back to the
// default location when nothing was loaded.
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return filepath.Join(config.DefaultConfigDir(), "config.yaml")
}

// resolveWorkspace picks the directory the OpenCode server runs against.
func resolveWorkspace(configured string) (string, error) {
	if configured != "" {
		abs, err := filepath.Abs(configured)
		if err != nil {
			return "", fmt.Errorf("resolving workspace %q: %w", configured, err)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return cwd, nil
}

func runBot(_ *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	workspace, err := resolveWorkspace(cfg.Workspace)
	if err != nil {
		return err
	}
	cfg.Workspace = workspace

	logPath := cfg.Log.File
	if logPath == "" {
		logPath = config.DefaultLogPath()
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	log.Info(log.CatConfig, "Telecode starting", "version", version, "workspace", workspace)

	registry := flags.New(cfg.Flags)

	tracePath := cfg.Tracing.FilePath
	if tracePath == "" {
		tracePath = config.DefaultTracePath()
	}
	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     tracePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "telecode",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = config.DefaultStorePath()
	}
	st, err := store.NewStore(storePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	sup := server.New(
		server.WithFlags(registry),
		server.WithTracer(provider.Tracer()),
		server.WithBinary(cfg.OpenCode.Binary),
		server.WithPort(cfg.OpenCode.Port),
	)
	defer sup.Close()

	configPath := configFilePath()

	b := bot.New(bot.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Supervisor: sup,
		Chats:      st.Chats(),
		Tracer:     provider.Tracer(),
		Flags:      registry,
	})
	defer b.Close()

	if err := b.Connect(); err != nil {
		return err
	}

	watchConfig(configPath, b)

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start polling in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(ctx)
	}()

	fmt.Printf("Telecode bridging Telegram to OpenCode (workspace: %s)\n", workspace)
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("bot error: %w", err)
		}
	}

	sup.Stop()

	fmt.Println("Stopped")
	return nil
}

// watchConfig hot-reloads the settings that are safe to change at runtime.
// A broken watcher is logged and ignored; it never stops the bot.
func watchConfig(configPath string, b *bot.Bot) {
	w, err := watcher.New(watcher.DefaultConfig(configPath))
	if err != nil {
		log.Warn(log.CatWatcher, "Config watcher unavailable", "error", err.Error())
		return
	}

	changes, err := w.Start()
	if err != nil {
		log.Warn(log.CatWatcher, "Config watcher unavailable", "error", err.Error())
		_ = w.Stop()
		return
	}

	go func() {
		for range changes {
			applyConfigReload(configPath, b)
		}
	}()
}

// applyConfigReload re-reads the config file and applies the runtime-safe
// subset: log level and the chat allowlist. Everything else requires a
// restart.
func applyConfigReload(configPath string, b *bot.Bot) {
	updated, err := loadConfigFile(configPath)
	if err != nil {
		log.Warn(log.CatWatcher, "Config reload failed", "path", configPath, "error", err.Error())
		return
	}

	log.SetMinLevel(log.ParseLevel(updated.Log.Level))
	b.SetAllowedChats(updated.Telegram.AllowedChats)
	log.Info(log.CatWatcher, "Config reloaded",
		"log_level", updated.Log.Level,
		"allowed_chats", len(updated.Telegram.AllowedChats))
}

// loadConfigFile parses one config file in isolation, without the flag and
// default overlays living in the global viper.
func loadConfigFile(path string) (config.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return config.Config{}, fmt.Errorf("reading config: %w", err)
	}

	loaded := config.Defaults()
	if err := v.Unmarshal(&loaded); err != nil {
		return config.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return loaded, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
