package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/httpclient"
	"wabridge/internal/metrics"
)

const (
	DefaultAPIBase = "https://graph.facebook.com/v22.0"

	metadataTimeout = 30 * time.Second
	downloadTimeout = 60 * time.Second
	sendTimeout     = 30 * time.Second

	// Cloud API media is capped at 100 MB.
	maxMediaBytes = 100 << 20
)

// ClientConfig configures the Graph API client.
type ClientConfig struct {
	AccessToken   string
	PhoneNumberID string
	APIBase       string // default: DefaultAPIBase
	HTTPClient    *http.Client
	Retry         httpclient.Policy
	Logger        *slog.Logger
}

// Client implements domain.Messenger against the WhatsApp Cloud API.
// It is safe for concurrent use.
type Client struct {
	token   string
	phoneID string
	apiBase string
	http    *http.Client
	retry   httpclient.Policy
	logger  *slog.Logger
}

var _ domain.Messenger = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(downloadTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		token:   cfg.AccessToken,
		phoneID: cfg.PhoneNumberID,
		apiBase: cfg.APIBase,
		http:    cfg.HTTPClient,
		retry:   cfg.Retry,
		logger:  cfg.Logger,
	}
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// DownloadMedia resolves a media id to its URL, then fetches the bytes.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	start := time.Now()
	defer func() { metrics.ObserveAdapter("whatsapp", "download", time.Since(start)) }()

	info, err := c.mediaInfo(ctx, mediaID)
	if err != nil {
		return nil, "", err
	}

	dctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	resp, err := httpclient.Do(dctx, c.http, c.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(dctx, http.MethodGet, info.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, "", adapterErr("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusErr("download", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", adapterErr("download", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", adapterErr("download", fmt.Errorf("media %s exceeds %d bytes", mediaID, maxMediaBytes))
	}

	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}

	c.logger.Debug("media downloaded", "media_id", mediaID, "mime", mimeType, "bytes", len(data))
	return data, mimeType, nil
}

func (c *Client) mediaInfo(ctx context.Context, mediaID string) (*mediaInfo, error) {
	mctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s", c.apiBase, mediaID)
	resp, err := httpclient.Do(mctx, c.http, c.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(mctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		return req, nil
	}, c.logger)
	if err != nil {
		return nil, adapterErr("media_info", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("media_info", resp)
	}

	var info mediaInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, adapterErr("media_info", fmt.Errorf("decode: %w", err))
	}
	if info.URL == "" {
		return nil, adapterErr("media_info", fmt.Errorf("no url for media %s", mediaID))
	}
	return &info, nil
}

// SendText sends a plain text message to a WhatsApp user.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	start := time.Now()
	defer func() { metrics.ObserveAdapter("whatsapp", "send", time.Since(start)) }()

	err := c.postMessages(ctx, "send", map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": text},
	})
	if err == nil {
		metrics.RepliesSent.Inc()
	}
	return err
}

// MarkAsRead flags an inbound message as read, which shows the blue ticks.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	return c.postMessages(ctx, "mark_read", map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	})
}

func (c *Client) postMessages(ctx context.Context, op string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/messages", c.apiBase, c.phoneID)
	resp, err := httpclient.Do(sctx, c.http, c.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(sctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		return req, nil
	}, c.logger)
	if err != nil {
		return adapterErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusErr(op, resp)
	}
	return nil
}

func adapterErr(op string, err error) error {
	ae := &domain.AdapterError{Service: "whatsapp", Op: op, Err: err}
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		ae.StatusCode = se.StatusCode
	}
	return ae
}

func statusErr(op string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &domain.AdapterError{
		Service:    "whatsapp",
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s", bytes.TrimSpace(respBody)),
	}
}
