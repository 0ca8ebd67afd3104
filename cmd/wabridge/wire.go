package main

import (
	"context"
	"fmt"
	"time"

	"wabridge/internal/channel"
	"wabridge/internal/config"
	"wabridge/internal/httpclient"
	"wabridge/internal/intent"
	"wabridge/internal/media"
	"wabridge/internal/queue"
	"wabridge/internal/whatsapp"
	"wabridge/internal/worker"
)

func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		MaxTries:       cfg.Queue.MaxTries,
		JobTimeout:     time.Duration(cfg.Queue.JobTimeoutSeconds) * time.Second,
		Concurrency:    cfg.Worker.Concurrency,
		RetryBaseDelay: time.Duration(cfg.Queue.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:  time.Duration(cfg.Queue.RetryMaxDelaySeconds) * time.Second,
		PollInterval:   time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
	}.WithDefaults()
}

func natsConfig(cfg *config.Config) queue.NATSConfig {
	n := cfg.Queue.NATS
	return queue.NATSConfig{
		Stream:      n.Stream,
		Subject:     n.Subject,
		DeadStream:  n.DeadStream,
		DeadSubject: n.DeadSubject,
		Durable:     n.Durable,
		DeadMaxAge:  time.Duration(n.DeadMaxAgeHours) * time.Hour,
		DedupWindow: time.Duration(n.DedupWindowMinutes) * time.Minute,
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	q, err := queue.Open(ctx, cfg.Queue.URL, natsConfig(cfg), queueOptions(cfg), log.With("component", "queue"))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

// newMessenger builds the Graph API client. The receiver and worker share
// one pooled HTTP client per process.
func newMessenger(cfg *config.Config) *whatsapp.Client {
	return whatsapp.NewClient(whatsapp.ClientConfig{
		AccessToken:   cfg.WhatsApp.AccessToken,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		APIBase:       cfg.WhatsApp.APIBase,
		HTTPClient:    httpclient.New(60 * time.Second),
		Retry:         httpclient.DefaultPolicy,
		Logger:        log.With("component", "whatsapp"),
	})
}

func newIntentClient(ctx context.Context, cfg *config.Config) (*intent.Client, error) {
	raw, err := intent.ReadCredentials(cfg.Intent.Credentials)
	if err != nil {
		return nil, err
	}
	creds, err := intent.ParseCredentials(raw)
	if err != nil {
		return nil, err
	}

	projectID := cfg.Intent.ProjectID
	if projectID == "" {
		projectID = creds.ProjectID
	}

	hc := httpclient.New(30 * time.Second)
	return intent.NewClient(intent.Config{
		ProjectID:     projectID,
		AgentID:       cfg.Intent.AgentID,
		Location:      cfg.Intent.Location,
		SessionPrefix: cfg.Intent.SessionPrefix,
		Endpoint:      cfg.Intent.Endpoint,
		Tokens:        creds.TokenSource(ctx, hc),
		HTTPClient:    hc,
		Retry:         httpclient.DefaultPolicy,
		Logger:        log.With("component", "intent"),
	})
}

func newMediaAnalyzer(cfg *config.Config) (*media.Gemini, error) {
	hc := httpclient.New(90 * time.Second)

	var transcriber *media.Whisper
	if w := cfg.Media.Whisper; w.Enabled {
		transcriber = media.NewWhisper(media.WhisperConfig{
			APIBase:    w.APIBase,
			APIKey:     w.APIKey,
			Model:      w.Model,
			Language:   w.Language,
			HTTPClient: hc,
			Retry:      httpclient.DefaultPolicy,
			Logger:     log.With("component", "whisper"),
		})
	}

	return media.NewGemini(media.Config{
		APIKey:      cfg.Media.APIKey,
		BaseURL:     cfg.Media.BaseURL,
		Model:       cfg.Media.Model,
		MaxRetries:  cfg.Media.MaxRetries,
		HTTPClient:  hc,
		Logger:      log.With("component", "media"),
		Transcriber: transcriber,
	})
}

func newReceiver(cfg *config.Config, producer queue.Producer) *channel.Receiver {
	rc := channel.ReceiverConfig{
		AppSecret:     cfg.WhatsApp.AppSecret,
		VerifyToken:   cfg.WhatsApp.VerifyToken,
		Producer:      producer,
		Version:       version,
		SessionPrefix: cfg.Intent.SessionPrefix,
		Metrics:       cfg.Metrics.Enabled,
		Logger:        log.With("component", "receiver"),
	}
	if cfg.WhatsApp.MarkAsRead {
		rc.Messenger = newMessenger(cfg)
	}
	return channel.NewReceiver(rc)
}

func newServer(cfg *config.Config, r *channel.Receiver) *channel.Server {
	return channel.NewServer(channel.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Handler:         r.Handler(),
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		Logger:          log.With("component", "server"),
	})
}

func newPool(ctx context.Context, cfg *config.Config, q queue.Queue) (*queue.Pool, error) {
	intents, err := newIntentClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("intent client: %w", err)
	}
	analyzer, err := newMediaAnalyzer(cfg)
	if err != nil {
		return nil, fmt.Errorf("media analyzer: %w", err)
	}

	processor := worker.New(worker.Config{
		Messenger:    newMessenger(cfg),
		Intents:      intents,
		Media:        analyzer,
		LanguageCode: cfg.Intent.LanguageCode,
		Logger:       log.With("component", "worker"),
	})

	return queue.NewPool(queue.PoolConfig{
		Queue:      q,
		Handler:    processor,
		Options:    queueOptions(cfg),
		Logger:     log.With("component", "pool"),
		PurgeAfter: time.Duration(cfg.Queue.PurgeAfterHours) * time.Hour,
	}), nil
}
