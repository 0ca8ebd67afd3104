package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabridge/internal/config"
	"wabridge/internal/domain"
)

func init() {
	log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestQueueOptions_FromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Queue.MaxTries = 5
	cfg.Queue.JobTimeoutSeconds = 120
	cfg.Queue.RetryBaseDelayMs = 250
	cfg.Worker.Concurrency = 4

	opts := queueOptions(cfg)
	assert.Equal(t, 5, opts.MaxTries)
	assert.Equal(t, 2*time.Minute, opts.JobTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.RetryBaseDelay)
	assert.Equal(t, time.Minute, opts.RetryMaxDelay)
	assert.Equal(t, 4, opts.Concurrency)
}

func TestNATSConfig_FromConfig(t *testing.T) {
	cfg := config.Defaults()
	n := natsConfig(cfg)
	assert.Equal(t, "WABRIDGE_JOBS", n.Stream)
	assert.Equal(t, "wabridge.dead", n.DeadSubject)
	assert.Equal(t, 168*time.Hour, n.DeadMaxAge)
	assert.Equal(t, 24*time.Hour, n.DedupWindow)
}

func TestOpenQueue_SQLite(t *testing.T) {
	cfg := config.Defaults()
	cfg.Queue.URL = "sqlite://" + filepath.Join(t.TempDir(), "q.db")

	q, err := openQueue(context.Background(), cfg)
	require.NoError(t, err)
	defer q.Close()

	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", st.Backend)
}

func TestNewMediaAnalyzer_RequiresKey(t *testing.T) {
	cfg := config.Defaults()
	_, err := newMediaAnalyzer(cfg)
	assert.Error(t, err)

	cfg.Media.APIKey = "k"
	cfg.Media.Whisper.Enabled = true
	cfg.Media.Whisper.APIKey = "w"
	g, err := newMediaAnalyzer(cfg)
	require.NoError(t, err)
	assert.NotNil(t, g)
}

func TestNewIntentClient_BadCredentials(t *testing.T) {
	cfg := config.Defaults()
	cfg.Intent.Credentials = `{"type":"authorized_user"}`
	_, err := newIntentClient(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRenderUnit(t *testing.T) {
	unit := renderUnit(systemdTemplate, map[string]string{
		"EXEC":   "/usr/local/bin/wabridge",
		"CONFIG": "/etc/wabridge/config.yaml",
	})
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/wabridge run --config /etc/wabridge/config.yaml")
	assert.NotContains(t, unit, "{{")
}

func TestResult(t *testing.T) {
	assert.NoError(t, result(nil))
	assert.NoError(t, result(fmt.Errorf("serve: %w", context.Canceled)))

	err := fmt.Errorf("dequeue: %w", domain.ErrQueueUnavailable)
	assert.ErrorIs(t, result(err), domain.ErrQueueUnavailable)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("x", 100)
	got := truncate(long, 20)
	assert.Len(t, got, 20)
	assert.True(t, strings.HasSuffix(got, "..."))
}
