package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// Policy bounds the in-call retries for transient failures.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy retries up to 3 times with quadratic backoff starting at 1s.
var DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: time.Second}

// NoRetry performs a single attempt.
var NoRetry = Policy{}

// StatusError is returned when the last attempt still got a retryable status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Do executes a request, retrying network failures, 5xx and 429 responses.
// buildReq is called once per attempt so request bodies can be replayed.
// Non-retryable responses (including 4xx) are returned to the caller unread.
func Do(ctx context.Context, client *http.Client, p Policy, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * p.BaseDelay
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			if attempt < p.MaxRetries {
				logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", p.MaxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if attempt < p.MaxRetries {
				logger.Warn("server error, will retry", "status", resp.StatusCode)
				continue
			}
			return nil, lastErr
		}

		return resp, nil
	}

	return nil, lastErr
}
