package worker

import (
	"context"
	"fmt"
	"log/slog"

	"wabridge/internal/domain"
)

func (p *Processor) handleText(ctx context.Context, log *slog.Logger, job domain.Job) error {
	text, err := job.Text()
	if err != nil {
		return err
	}
	log.Debug("text message", "chars", len(text))
	return p.reply(ctx, log, job.Sender, text)
}

func (p *Processor) handleMedia(ctx context.Context, log *slog.Logger, job domain.Job) error {
	m, err := job.Media()
	if err != nil {
		return err
	}
	log = log.With("media_id", m.ID)

	bestEffort(log, "notice", p.messenger.SendText(ctx, job.Sender, notice(job.MessageType)))

	data, mimeType, err := p.messenger.DownloadMedia(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	if mimeType == "" {
		mimeType = m.MimeType
	}

	var text string
	switch job.MessageType {
	case domain.TypeImage:
		text, err = p.media.DescribeImage(ctx, data, mimeType, m.Caption)
	case domain.TypeDocument:
		text, err = p.media.SummarizeDocument(ctx, data, mimeType, m.Filename)
	default:
		text, err = p.media.TranscribeAudio(ctx, data, mimeType)
	}
	if err != nil {
		return fmt.Errorf("analyze %s: %w", job.MessageType, err)
	}
	log.Info("media analyzed, forwarding to agent", "chars", len(text))

	return p.reply(ctx, log, job.Sender, text)
}

func notice(t domain.MessageType) string {
	switch t {
	case domain.TypeImage:
		return noticeImage
	case domain.TypeDocument:
		return noticeDocument
	default:
		return noticeAudio
	}
}

func (p *Processor) handleVideo(log *slog.Logger, job domain.Job) error {
	m, err := job.Media()
	if err != nil {
		return err
	}
	log.Info("video message received", "media_id", m.ID, "caption", m.Caption)
	return nil
}

func (p *Processor) handleLocation(log *slog.Logger, job domain.Job) error {
	loc, err := job.Location()
	if err != nil {
		return err
	}
	log.Info("location message received", "lat", loc.Latitude, "lon", loc.Longitude, "name", loc.Name)
	return nil
}

func (p *Processor) handleContacts(log *slog.Logger, job domain.Job) error {
	contacts, err := job.Contacts()
	if err != nil {
		return err
	}
	log.Info("contacts message received", "count", len(contacts))
	return nil
}
