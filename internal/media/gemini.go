// Package media turns downloaded WhatsApp media into text using a
// multimodal model.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

const (
	// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel   = "gemini-2.0-flash-exp"

	analysisTimeout = 60 * time.Second
)

// Config configures the Gemini analyzer.
type Config struct {
	APIKey     string
	BaseURL    string // default: DefaultBaseURL
	Model      string // default: DefaultModel
	MaxRetries int
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Transcriber, when set, handles the speech-to-text step for audio;
	// the model then only summarizes the transcript.
	Transcriber *Whisper
}

// Gemini implements domain.MediaAnalyzer.
type Gemini struct {
	client      osdk.Client
	model       string
	transcriber *Whisper
	logger      *slog.Logger
}

var _ domain.MediaAnalyzer = (*Gemini)(nil)

func NewGemini(cfg Config) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("media: gemini api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	cfg.Logger.Info("media analyzer initialized", "model", cfg.Model, "whisper", cfg.Transcriber != nil)
	return &Gemini{
		client:      osdk.NewClient(opts...),
		model:       cfg.Model,
		transcriber: cfg.Transcriber,
		logger:      cfg.Logger,
	}, nil
}

func imagePrompt(caption string) string {
	var b strings.Builder
	b.WriteString("Analyze this image and provide a detailed description. ")
	if caption != "" {
		fmt.Fprintf(&b, "The user provided this caption: '%s'. ", caption)
	}
	b.WriteString("Describe what you see, including objects, people, text, actions, and any relevant context.")
	return b.String()
}

func documentPrompt(filename string) string {
	var b strings.Builder
	b.WriteString("Analyze this document and provide a comprehensive summary. ")
	if filename != "" {
		fmt.Fprintf(&b, "The filename is '%s'. ", filename)
	}
	b.WriteString("Extract and summarize the key information, main points, and any important details.")
	return b.String()
}

const audioPrompt = "Transcribe this audio file and provide a summary. " +
	"Include both the full transcription and a brief summary of the main points discussed."

const transcriptPrompt = "Below is the transcription of a voice message. " +
	"Repeat the full transcription, then add a brief summary of the main points discussed.\n\n"

// DescribeImage returns a description of the image, using the caption as context.
func (g *Gemini) DescribeImage(ctx context.Context, data []byte, mimeType, caption string) (string, error) {
	g.logger.Info("processing image", "mime", mimeType, "bytes", len(data))
	part := osdk.ImageContentPart(osdk.ChatCompletionContentPartImageImageURLParam{
		URL: dataURI(mimeType, data),
	})
	return g.complete(ctx, "image", part, imagePrompt(caption))
}

// SummarizeDocument returns a summary of the document.
func (g *Gemini) SummarizeDocument(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	g.logger.Info("processing document", "mime", mimeType, "filename", filename, "bytes", len(data))
	file := osdk.ChatCompletionContentPartFileFileParam{
		FileData: osdk.String(dataURI(mimeType, data)),
	}
	if filename != "" {
		file.Filename = osdk.String(filename)
	}
	return g.complete(ctx, "document", osdk.FileContentPart(file), documentPrompt(filename))
}

// TranscribeAudio returns a transcription followed by a short summary.
func (g *Gemini) TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error) {
	g.logger.Info("processing audio", "mime", mimeType, "bytes", len(data))
	if g.transcriber != nil {
		transcript, err := g.transcriber.Transcribe(ctx, data, mimeType)
		if err != nil {
			return "", err
		}
		return g.complete(ctx, "audio", osdk.TextContentPart(transcriptPrompt+transcript.Text), "")
	}
	part := osdk.InputAudioContentPart(osdk.ChatCompletionContentPartInputAudioInputAudioParam{
		Data:   base64.StdEncoding.EncodeToString(data),
		Format: audioFormat(mimeType),
	})
	return g.complete(ctx, "audio", part, audioPrompt)
}

func (g *Gemini) complete(ctx context.Context, op string, media osdk.ChatCompletionContentPartUnionParam, prompt string) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveAdapter("media", op, time.Since(start)) }()

	actx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	parts := []osdk.ChatCompletionContentPartUnionParam{media}
	if prompt != "" {
		parts = append(parts, osdk.TextContentPart(prompt))
	}

	resp, err := g.client.Chat.Completions.New(actx, osdk.ChatCompletionNewParams{
		Model:    g.model,
		Messages: []osdk.ChatCompletionMessageParamUnion{osdk.UserMessage(parts)},
	})
	if err != nil {
		return "", adapterErr(op, err)
	}
	if len(resp.Choices) == 0 {
		return "", adapterErr(op, errors.New("no choices in response"))
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", adapterErr(op, errors.New("model returned no text"))
	}
	g.logger.Info("media processed", "op", op, "summary_len", len(text), "duration_ms", time.Since(start).Milliseconds())
	return text, nil
}

func adapterErr(op string, err error) error {
	ae := &domain.AdapterError{Service: "media", Op: op, Err: err}
	var apiErr *osdk.Error
	if errors.As(err, &apiErr) {
		ae.StatusCode = apiErr.StatusCode
	}
	return ae
}

func dataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// audioFormat maps a MIME type to the short format name the audio part expects.
func audioFormat(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = mimeType
	}
	switch mt {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/aac":
		return "aac"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/amr":
		return "amr"
	}
	if _, sub, ok := strings.Cut(mt, "/"); ok && sub != "" {
		return sub
	}
	return "ogg"
}
