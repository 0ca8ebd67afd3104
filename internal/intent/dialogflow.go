// Package intent talks to a Dialogflow CX (Conversational Agents) agent.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"wabridge/internal/domain"
	"wabridge/internal/httpclient"
	"wabridge/internal/metrics"
)

const (
	detectTimeout       = 30 * time.Second
	DefaultLanguageCode = "en"
	matchTypeUnknown    = "UNKNOWN"
)

// Config configures the Dialogflow CX client.
type Config struct {
	ProjectID     string
	AgentID       string
	Location      string
	SessionPrefix string // default: DefaultSessionPrefix

	// Endpoint overrides the API host, e.g. for tests. Default is derived
	// from Location.
	Endpoint string

	Tokens     oauth2.TokenSource
	HTTPClient *http.Client
	Retry      httpclient.Policy
	Logger     *slog.Logger
}

// Client implements domain.IntentDetector with the Dialogflow CX REST API.
type Client struct {
	endpoint  string
	agentPath string
	prefix    string
	tokens    oauth2.TokenSource
	http      *http.Client
	retry     httpclient.Policy
	logger    *slog.Logger
}

var _ domain.IntentDetector = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	var missing []string
	if cfg.ProjectID == "" {
		missing = append(missing, "project id")
	}
	if cfg.AgentID == "" {
		missing = append(missing, "agent id")
	}
	if cfg.Location == "" {
		missing = append(missing, "location")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("intent client: missing %s", strings.Join(missing, ", "))
	}
	if cfg.Tokens == nil {
		return nil, errors.New("intent client: no token source")
	}

	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = DefaultSessionPrefix
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = Endpoint(cfg.Location)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(detectTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		agentPath: fmt.Sprintf("projects/%s/locations/%s/agents/%s", cfg.ProjectID, cfg.Location, cfg.AgentID),
		prefix:    cfg.SessionPrefix,
		tokens:    cfg.Tokens,
		http:      cfg.HTTPClient,
		retry:     cfg.Retry,
		logger:    cfg.Logger,
	}
	c.logger.Info("intent client initialized",
		"project", cfg.ProjectID,
		"agent", cfg.AgentID,
		"location", cfg.Location,
		"session_prefix", cfg.SessionPrefix,
	)
	return c, nil
}

// Endpoint returns the API base URL for an agent location. Agents outside
// "global" are only reachable through their regional host.
func Endpoint(location string) string {
	if location == "" || location == "global" {
		return "https://dialogflow.googleapis.com"
	}
	return "https://" + location + "-dialogflow.googleapis.com"
}

type detectRequest struct {
	QueryInput queryInput `json:"queryInput"`
}

type queryInput struct {
	Text         textInput `json:"text"`
	LanguageCode string    `json:"languageCode"`
}

type textInput struct {
	Text string `json:"text"`
}

type detectResponse struct {
	QueryResult struct {
		ResponseMessages []struct {
			Text *struct {
				Text []string `json:"text"`
			} `json:"text"`
		} `json:"responseMessages"`
		Intent *struct {
			DisplayName string `json:"displayName"`
		} `json:"intent"`
		IntentDetectionConfidence float64        `json:"intentDetectionConfidence"`
		Parameters                map[string]any `json:"parameters"`
		Match                     *struct {
			MatchType  string  `json:"matchType"`
			Confidence float64 `json:"confidence"`
		} `json:"match"`
	} `json:"queryResult"`
}

// DetectIntent sends text to the agent in the session derived from userID.
// An empty ResponseText is a valid result; callers decide on a fallback.
func (c *Client) DetectIntent(ctx context.Context, text, userID, languageCode string) (*domain.IntentResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveAdapter("intent", "detect", time.Since(start)) }()

	if languageCode == "" {
		languageCode = DefaultLanguageCode
	}
	sessionID := BuildSessionID(c.prefix, userID)
	c.logger.Debug("detecting intent", "user", userID, "session", sessionID, "chars", len(text))

	body, err := json.Marshal(detectRequest{QueryInput: queryInput{
		Text:         textInput{Text: text},
		LanguageCode: languageCode,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, adapterErr(fmt.Errorf("token: %w", err))
	}

	endpoint := fmt.Sprintf("%s/v3/%s/sessions/%s:detectIntent", c.endpoint, c.agentPath, url.PathEscape(sessionID))
	resp, err := httpclient.Do(dctx, c.http, c.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(dctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tok.SetAuthHeader(req)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, adapterErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.AdapterError{
			Service:    "intent",
			Op:         "detect",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", bytes.TrimSpace(respBody)),
		}
	}

	var dr detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, adapterErr(fmt.Errorf("decode: %w", err))
	}

	result := toResult(&dr, sessionID)
	c.logger.Info("intent detected",
		"intent", result.Intent,
		"confidence", fmt.Sprintf("%.2f", result.Confidence),
		"match_type", result.MatchType,
		"session", sessionID,
	)
	return result, nil
}

func toResult(dr *detectResponse, sessionID string) *domain.IntentResult {
	qr := &dr.QueryResult

	var texts []string
	for _, m := range qr.ResponseMessages {
		if m.Text == nil {
			continue
		}
		texts = append(texts, m.Text.Text...)
	}

	result := &domain.IntentResult{
		ResponseText: strings.Join(texts, "\n"),
		Parameters:   qr.Parameters,
		MatchType:    matchTypeUnknown,
		SessionID:    sessionID,
	}
	if result.Parameters == nil {
		result.Parameters = map[string]any{}
	}
	if qr.Intent != nil {
		result.Intent = qr.Intent.DisplayName
		result.Confidence = qr.IntentDetectionConfidence
	}
	if qr.Match != nil {
		if qr.Match.MatchType != "" {
			result.MatchType = qr.Match.MatchType
		}
		if result.Confidence == 0 {
			result.Confidence = qr.Match.Confidence
		}
	}
	return result
}

func adapterErr(err error) error {
	ae := &domain.AdapterError{Service: "intent", Op: "detect", Err: err}
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		ae.StatusCode = se.StatusCode
	}
	return ae
}
