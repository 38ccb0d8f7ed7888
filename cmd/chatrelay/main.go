package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/delivery"
	"chatrelay/internal/domain"
	"chatrelay/internal/generator"
	"chatrelay/internal/memory"
	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay: streamed reply delivery for chat platforms",
		Long:  "chatrelay connects chat platforms (Slack, Telegram, Discord) to a response generator and delivers replies live where the platform allows it.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Start the relay (all enabled channels + delivery loop)",
		Long:  "Starts all enabled channels and the delivery loop. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Message bus (closed during graceful shutdown below)
	messageBus := bus.New(100, logger)
	events := bus.NewEvents(logger)

	var history domain.HistoryStore
	if cfg.Memory.Enabled {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		defer store.Close()
		history = store
	}

	gen := generator.NewHTTP(generator.HTTPConfig{
		Endpoint: cfg.Generator.Endpoint,
		Timeout:  time.Duration(cfg.Generator.TimeoutSeconds) * time.Second,
		Logger:   logger,
	})
	if err := gen.Healthy(ctx); err != nil {
		logger.Warn("generator unhealthy at startup", "endpoint", cfg.Generator.Endpoint, "err", err)
	} else {
		logger.Info("generator healthy", "endpoint", cfg.Generator.Endpoint)
	}

	channels := buildChannels(cfg)
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled; enable at least one of channels.slack, channels.telegram, channels.discord")
	}

	mode, err := delivery.ParseThreadMode(cfg.Delivery.ReplyToMode)
	if err != nil {
		return err
	}

	transports := make([]domain.Transport, 0, len(channels))
	for _, ch := range channels {
		transports = append(transports, ch)
	}

	runner := relay.NewRunner(relay.RunnerConfig{
		Bus:              messageBus,
		Transports:       transports,
		Generator:        gen,
		History:          history,
		Events:           events,
		Logger:           logger,
		Mode:             mode,
		StreamingEnabled: cfg.Delivery.StreamingEnabled,
		SilentToken:      cfg.Delivery.SilentReplyToken,
		HistoryLimit:     cfg.Memory.HistoryLimit,
		Concurrency:      cfg.General.MaxConcurrentMessages,
	})

	go runner.Run(ctx)

	for _, ch := range channels {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.Metrics.Endpoint, metrics.Collector.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics server listening", "addr", metricsSrv.Addr, "endpoint", cfg.Metrics.Endpoint)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	logger.Info("relay started. Press Ctrl+C to stop.", "version", version)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down relay...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// buildChannels constructs every channel adapter enabled in the config.
func buildChannels(cfg *config.Config) []domain.Channel {
	var channels []domain.Channel

	if cfg.Channels.Slack.Enabled {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			AckEmoji: cfg.Channels.Slack.AckEmoji,
			Logger:   logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:    cfg.Channels.Discord.Token,
			GuildID:  cfg.Channels.Discord.GuildID,
			AckEmoji: cfg.Channels.Discord.AckEmoji,
			Logger:   logger,
		}))
	}

	return channels
}

// buildLogger applies the configured log level and optional log file.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		} else {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and generator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			gen := generator.NewHTTP(generator.HTTPConfig{
				Endpoint: cfg.Generator.Endpoint,
				Logger:   logger,
			})
			if err := gen.Healthy(ctx); err != nil {
				logger.Info("generator", "endpoint", cfg.Generator.Endpoint, "healthy", false, "err", err)
			} else {
				logger.Info("generator", "endpoint", cfg.Generator.Endpoint, "healthy", true)
			}

			logger.Info("channels",
				"slack", cfg.Channels.Slack.Enabled,
				"telegram", cfg.Channels.Telegram.Enabled,
				"discord", cfg.Channels.Discord.Enabled,
			)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. delivery.replyToMode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. delivery.streamingEnabled false)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
