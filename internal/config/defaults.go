package config

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			ShutdownTimeoutSeconds: 30,
		},
		WhatsApp: WhatsAppConfig{
			APIBase:    "https://graph.facebook.com/v22.0",
			MarkAsRead: true,
		},
		Intent: IntentConfig{
			Location:      "global",
			SessionPrefix: "meta-whatsapp",
			LanguageCode:  "en",
		},
		Media: MediaConfig{
			BaseURL:    "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:      "gemini-2.0-flash-exp",
			MaxRetries: 2,
			Whisper: WhisperConfig{
				APIBase: "https://api.groq.com/openai/v1",
				Model:   "whisper-large-v3",
			},
		},
		Queue: QueueConfig{
			URL:                  "sqlite://~/.wabridge/queue.db",
			MaxTries:             3,
			JobTimeoutSeconds:    300,
			RetryBaseDelayMs:     1000,
			RetryMaxDelaySeconds: 60,
			PollIntervalMs:       500,
			PurgeAfterHours:      168,
			NATS: NATSConfig{
				Stream:             "WABRIDGE_JOBS",
				Subject:            "wabridge.jobs",
				DeadStream:         "WABRIDGE_DEAD",
				DeadSubject:        "wabridge.dead",
				Durable:            "wabridge-worker",
				DeadMaxAgeHours:    168,
				DedupWindowMinutes: 1440,
			},
		},
		Worker: WorkerConfig{
			Concurrency: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
