// Package worker turns queued WhatsApp messages into agent replies.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wabridge/internal/domain"
)

const (
	// FallbackReply is sent when the agent matched nothing worth saying.
	FallbackReply = "I'm not sure how to help with that. Could you please rephrase?"
	// ApologyReply is the only failure text a user ever sees.
	ApologyReply = "Sorry, I encountered an error processing your message. Please try again."

	noticeImage    = "Reading image..."
	noticeDocument = "Reading document..."
	noticeAudio    = "Listening to audio..."

	apologyTimeout = 10 * time.Second
)

// Config wires the adapters a Processor needs.
type Config struct {
	Messenger    domain.Messenger
	Intents      domain.IntentDetector
	Media        domain.MediaAnalyzer
	LanguageCode string // default "en"
	Logger       *slog.Logger
}

// Processor handles one job at a time and is safe for concurrent use.
type Processor struct {
	messenger domain.Messenger
	intents   domain.IntentDetector
	media     domain.MediaAnalyzer
	lang      string
	logger    *slog.Logger
}

func New(cfg Config) *Processor {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		messenger: cfg.Messenger,
		intents:   cfg.Intents,
		media:     cfg.Media,
		lang:      cfg.LanguageCode,
		logger:    cfg.Logger,
	}
}

// Process routes a job by message type. On failure the sender gets a single
// apology and the original error is returned so the queue can retry.
func (p *Processor) Process(ctx context.Context, job domain.Job) error {
	log := p.logger.With("message_id", job.MessageID, "sender", job.Sender, "type", job.MessageType)
	log.Info("processing message")

	if err := p.dispatch(ctx, log, job); err != nil {
		log.Error("message processing failed", "err", err)
		p.apologize(ctx, log, job.Sender)
		return err
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, log *slog.Logger, job domain.Job) error {
	switch job.MessageType {
	case domain.TypeText:
		return p.handleText(ctx, log, job)
	case domain.TypeImage, domain.TypeDocument, domain.TypeAudio, domain.TypeVoice:
		return p.handleMedia(ctx, log, job)
	case domain.TypeVideo:
		return p.handleVideo(log, job)
	case domain.TypeLocation:
		return p.handleLocation(log, job)
	case domain.TypeContacts:
		return p.handleContacts(log, job)
	case domain.TypeSticker, domain.TypeInteractive, domain.TypeButton, domain.TypeUnknown:
		log.Warn("unsupported message type")
		return nil
	default:
		log.Warn("unsupported message type", "raw_type", string(job.MessageType))
		return nil
	}
}

// apologize runs detached from ctx: a job that failed by timing out must
// still be able to tell the user.
func (p *Processor) apologize(ctx context.Context, log *slog.Logger, to string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), apologyTimeout)
	defer cancel()
	bestEffort(log, "apology", p.messenger.SendText(actx, to, ApologyReply))
}

// bestEffort logs and discards the error of a side call whose failure must
// not change the outcome of the job.
func bestEffort(log *slog.Logger, what string, err error) {
	if err != nil {
		log.Warn("best-effort call failed", "call", what, "err", err)
	}
}

// reply runs intent detection on text and sends the agent's answer, or the
// fallback when the agent produced none.
func (p *Processor) reply(ctx context.Context, log *slog.Logger, sender, text string) error {
	result, err := p.intents.DetectIntent(ctx, text, sender, p.lang)
	if err != nil {
		return fmt.Errorf("detect intent: %w", err)
	}

	answer := result.ResponseText
	if answer == "" {
		log.Warn("no response from agent",
			"intent", result.Intent,
			"confidence", result.Confidence,
			"match_type", result.MatchType,
		)
		answer = FallbackReply
	}

	if err := p.messenger.SendText(ctx, sender, answer); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	log.Info("reply sent", "intent", result.Intent, "confidence", fmt.Sprintf("%.2f", result.Confidence))
	return nil
}
