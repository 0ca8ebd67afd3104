package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/httpclient"
	"wabridge/internal/metrics"
)

// WhisperConfig configures an OpenAI-compatible speech-to-text endpoint.
type WhisperConfig struct {
	APIBase    string // e.g. "https://api.groq.com/openai/v1" or "https://api.openai.com/v1"
	APIKey     string
	Model      string // e.g. "whisper-large-v3" (Groq) or "whisper-1" (OpenAI)
	Language   string // optional ISO-639-1 hint
	HTTPClient *http.Client
	Retry      httpclient.Policy
	Logger     *slog.Logger
}

// Whisper transcribes voice notes through the /audio/transcriptions API.
type Whisper struct {
	apiBase  string
	apiKey   string
	model    string
	language string
	http     *http.Client
	retry    httpclient.Policy
	logger   *slog.Logger
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.groq.com/openai/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-large-v3"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(120 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Whisper{
		apiBase:  cfg.APIBase,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		http:     cfg.HTTPClient,
		retry:    cfg.Retry,
		logger:   cfg.Logger,
	}
}

// Transcript is the transcription endpoint's JSON response.
type Transcript struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe converts audio bytes to text.
func (w *Whisper) Transcribe(ctx context.Context, data []byte, mimeType string) (*Transcript, error) {
	start := time.Now()
	defer func() { metrics.ObserveAdapter("whisper", "transcribe", time.Since(start)) }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "voice."+audioFormat(mimeType))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	writer.WriteField("model", w.model)
	writer.WriteField("response_format", "json")
	if w.language != "" {
		writer.WriteField("language", w.language)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	payload := body.Bytes()

	tctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	url := w.apiBase + "/audio/transcriptions"
	resp, err := httpclient.Do(tctx, w.http, w.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(tctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
		return req, nil
	}, w.logger)
	if err != nil {
		return nil, &domain.AdapterError{Service: "whisper", Op: "transcribe", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.AdapterError{
			Service:    "whisper",
			Op:         "transcribe",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", bytes.TrimSpace(respBody)),
		}
	}

	var result Transcript
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &domain.AdapterError{Service: "whisper", Op: "transcribe", Err: fmt.Errorf("decode: %w", err)}
	}

	w.logger.Info("transcription complete",
		"text_len", len(result.Text),
		"language", result.Language,
		"duration", result.Duration,
	)
	return &result, nil
}
