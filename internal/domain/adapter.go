package domain

import "context"

// Messenger is the messaging-platform adapter used by the receiver and worker.
type Messenger interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
	SendText(ctx context.Context, to, text string) error
	MarkAsRead(ctx context.Context, messageID string) error
}

// IntentDetector classifies free text into a conversational intent.
type IntentDetector interface {
	DetectIntent(ctx context.Context, text, userID, languageCode string) (*IntentResult, error)
}

// MediaAnalyzer turns media bytes into text the intent detector can consume.
type MediaAnalyzer interface {
	DescribeImage(ctx context.Context, data []byte, mimeType, caption string) (string, error)
	SummarizeDocument(ctx context.Context, data []byte, mimeType, filename string) (string, error)
	TranscribeAudio(ctx context.Context, data []byte, mimeType string) (string, error)
}

// IntentResult is the outcome of a single intent-detection call.
type IntentResult struct {
	ResponseText string         `json:"response_text"`
	Intent       string         `json:"intent"`
	Confidence   float64        `json:"confidence"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	MatchType    string         `json:"match_type"`
	SessionID    string         `json:"session_id"`
}
