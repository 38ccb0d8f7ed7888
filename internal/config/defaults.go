package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Delivery: DeliveryConfig{
			StreamingEnabled: true,
			ReplyToMode:      "first",
			SilentReplyToken: "NO_REPLY",
		},
		Generator: GeneratorConfig{
			Endpoint:       "http://localhost:8700/v1/respond",
			TimeoutSeconds: 300,
		},
		Channels: ChannelsConfig{
			Slack: SlackConfig{
				Enabled:  false,
				AckEmoji: "eyes",
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
			Discord: DiscordConfig{
				Enabled:  false,
				AckEmoji: "👀",
			},
		},
		Memory: MemoryConfig{
			Enabled:      true,
			DBPath:       "~/.chatrelay/history.db",
			HistoryLimit: 100,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     9180,
			Endpoint: "/metrics",
		},
	}
}
