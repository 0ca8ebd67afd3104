package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabridge/internal/domain"
	"wabridge/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type sent struct{ to, text string }

type fakeMessenger struct {
	mu          sync.Mutex
	sent        []sent
	sendErr     error
	failNotices bool
	data        []byte
	mime        string
	downloadErr error
	downloads   []string
}

func (f *fakeMessenger) SendText(ctx context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNotices && (text == noticeImage || text == noticeDocument || text == noticeAudio) {
		return errors.New("notice rejected")
	}
	if f.sendErr != nil && text != ApologyReply {
		return f.sendErr
	}
	f.sent = append(f.sent, sent{to, text})
	return nil
}

func (f *fakeMessenger) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, mediaID)
	return f.data, f.mime, f.downloadErr
}

func (f *fakeMessenger) MarkAsRead(context.Context, string) error { return nil }

func (f *fakeMessenger) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

type detectCall struct{ text, user, lang string }

type fakeIntents struct {
	mu     sync.Mutex
	calls  []detectCall
	result domain.IntentResult
	errs   []error // consumed one per call
}

func (f *fakeIntents) DetectIntent(ctx context.Context, text, userID, lang string) (*domain.IntentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, detectCall{text, userID, lang})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	r := f.result
	return &r, nil
}

func (f *fakeIntents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMedia struct {
	op      string
	mime    string
	extra   string
	out     string
	err     error
	payload []byte
}

func (f *fakeMedia) DescribeImage(_ context.Context, data []byte, mime, caption string) (string, error) {
	f.op, f.mime, f.extra, f.payload = "image", mime, caption, data
	return f.out, f.err
}

func (f *fakeMedia) SummarizeDocument(_ context.Context, data []byte, mime, filename string) (string, error) {
	f.op, f.mime, f.extra, f.payload = "document", mime, filename, data
	return f.out, f.err
}

func (f *fakeMedia) TranscribeAudio(_ context.Context, data []byte, mime string) (string, error) {
	f.op, f.mime, f.payload = "audio", mime, data
	return f.out, f.err
}

func newProcessor(m *fakeMessenger, i *fakeIntents, md *fakeMedia) *Processor {
	return New(Config{Messenger: m, Intents: i, Media: md, Logger: testLogger()})
}

func mustJob(t *testing.T, typ domain.MessageType, c domain.Content, id string) domain.Job {
	t.Helper()
	job, err := domain.NewJob("15551234567", typ, c, id)
	require.NoError(t, err)
	return job
}

func TestProcess_Text(t *testing.T) {
	m := &fakeMessenger{}
	i := &fakeIntents{result: domain.IntentResult{ResponseText: "Hello! How can I help?", Intent: "greeting", Confidence: 0.9}}

	err := newProcessor(m, i, &fakeMedia{}).Process(context.Background(), mustJob(t, domain.TypeText, domain.TextContent("hi"), "wamid.1"))
	require.NoError(t, err)

	require.Len(t, i.calls, 1)
	assert.Equal(t, detectCall{"hi", "15551234567", "en"}, i.calls[0])
	assert.Equal(t, []sent{{"15551234567", "Hello! How can I help?"}}, m.sent)
}

func TestProcess_EmptyAgentResponseUsesFallback(t *testing.T) {
	m := &fakeMessenger{}
	i := &fakeIntents{result: domain.IntentResult{MatchType: "NO_MATCH"}}

	err := newProcessor(m, i, &fakeMedia{}).Process(context.Background(), mustJob(t, domain.TypeText, domain.TextContent("asdf"), "wamid.2"))
	require.NoError(t, err)
	assert.Equal(t, []string{FallbackReply}, m.texts())
}

func TestProcess_Media(t *testing.T) {
	tests := []struct {
		typ    domain.MessageType
		media  domain.Media
		notice string
		op     string
		extra  string
	}{
		{domain.TypeImage, domain.Media{ID: "m1", MimeType: "image/jpeg", Caption: "look"}, noticeImage, "image", "look"},
		{domain.TypeDocument, domain.Media{ID: "m2", MimeType: "application/pdf", Filename: "a.pdf"}, noticeDocument, "document", "a.pdf"},
		{domain.TypeAudio, domain.Media{ID: "m3", MimeType: "audio/mpeg"}, noticeAudio, "audio", ""},
		{domain.TypeVoice, domain.Media{ID: "m4", MimeType: "audio/ogg"}, noticeAudio, "audio", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			m := &fakeMessenger{data: []byte("bytes"), mime: "application/x-served"}
			i := &fakeIntents{result: domain.IntentResult{ResponseText: "Got it."}}
			md := &fakeMedia{out: "a summary"}

			job := mustJob(t, tt.typ, domain.Content{Media: &tt.media}, "wamid."+tt.media.ID)
			require.NoError(t, newProcessor(m, i, md).Process(context.Background(), job))

			assert.Equal(t, []string{tt.notice, "Got it."}, m.texts())
			assert.Equal(t, []string{tt.media.ID}, m.downloads)
			assert.Equal(t, tt.op, md.op)
			assert.Equal(t, tt.extra, md.extra)
			assert.Equal(t, "application/x-served", md.mime)
			assert.Equal(t, []byte("bytes"), md.payload)
			require.Len(t, i.calls, 1)
			assert.Equal(t, "a summary", i.calls[0].text)
		})
	}
}

func TestProcess_MediaFallsBackToDeclaredMime(t *testing.T) {
	m := &fakeMessenger{data: []byte("x")}
	md := &fakeMedia{out: "desc"}
	i := &fakeIntents{result: domain.IntentResult{ResponseText: "ok"}}

	job := mustJob(t, domain.TypeImage, domain.Content{Media: &domain.Media{ID: "m", MimeType: "image/png"}}, "wamid.m")
	require.NoError(t, newProcessor(m, i, md).Process(context.Background(), job))
	assert.Equal(t, "image/png", md.mime)
}

func TestProcess_NoticeFailureIsIgnored(t *testing.T) {
	m := &fakeMessenger{failNotices: true, data: []byte("x"), mime: "image/png"}
	i := &fakeIntents{result: domain.IntentResult{ResponseText: "nice photo"}}

	job := mustJob(t, domain.TypeImage, domain.Content{Media: &domain.Media{ID: "m"}}, "wamid.n")
	require.NoError(t, newProcessor(m, i, &fakeMedia{out: "a photo"}).Process(context.Background(), job))
	assert.Equal(t, []string{"nice photo"}, m.texts())
}

func TestProcess_NoReplyTypes(t *testing.T) {
	tests := []struct {
		name string
		typ  domain.MessageType
		c    domain.Content
	}{
		{"video", domain.TypeVideo, domain.Content{Media: &domain.Media{ID: "v1"}}},
		{"location", domain.TypeLocation, domain.Content{Location: &domain.Location{Latitude: 1, Longitude: 2}}},
		{"contacts", domain.TypeContacts, domain.Content{Contacts: []domain.Contact{{Name: domain.ContactName{FormattedName: "Bob"}}}}},
		{"sticker", domain.TypeSticker, domain.Content{Media: &domain.Media{ID: "s1"}}},
		{"interactive", domain.TypeInteractive, domain.Content{}},
		{"button", domain.TypeButton, domain.Content{}},
		{"unknown", domain.TypeUnknown, domain.Content{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMessenger{}
			i := &fakeIntents{}
			err := newProcessor(m, i, &fakeMedia{}).Process(context.Background(), mustJob(t, tt.typ, tt.c, "wamid."+tt.name))
			require.NoError(t, err)
			assert.Empty(t, m.sent)
			assert.Empty(t, m.downloads)
			assert.Zero(t, i.count())
		})
	}
}

func TestProcess_FailureSendsOneApology(t *testing.T) {
	upstream := &domain.AdapterError{Service: "intent", Op: "detect", StatusCode: 503, Err: errors.New("unavailable")}
	m := &fakeMessenger{}
	i := &fakeIntents{errs: []error{upstream}}

	err := newProcessor(m, i, &fakeMedia{}).Process(context.Background(), mustJob(t, domain.TypeText, domain.TextContent("hi"), "wamid.f"))
	require.Error(t, err)

	var ae *domain.AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Same(t, upstream, ae)
	assert.Equal(t, []string{ApologyReply}, m.texts())
}

func TestProcess_SendFailureApologizes(t *testing.T) {
	m := &fakeMessenger{sendErr: errors.New("graph api down")}
	i := &fakeIntents{result: domain.IntentResult{ResponseText: "answer"}}

	err := newProcessor(m, i, &fakeMedia{}).Process(context.Background(), mustJob(t, domain.TypeText, domain.TextContent("hi"), "wamid.s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph api down")
	assert.Equal(t, []string{ApologyReply}, m.texts())
}

func TestProcess_ApologySurvivesCancelledJob(t *testing.T) {
	m := &fakeMessenger{downloadErr: context.DeadlineExceeded}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := mustJob(t, domain.TypeAudio, domain.Content{Media: &domain.Media{ID: "a"}}, "wamid.c")
	err := newProcessor(m, &fakeIntents{}, &fakeMedia{}).Process(ctx, job)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, m.texts(), ApologyReply)
}

func TestProcess_CorruptContentFails(t *testing.T) {
	m := &fakeMessenger{}
	job := domain.Job{Sender: "1", MessageType: domain.TypeImage, Content: []byte(`"not an object"`), MessageID: "wamid.x"}

	err := newProcessor(m, &fakeIntents{}, &fakeMedia{}).Process(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, []string{ApologyReply}, m.texts())
}

// A failing first attempt goes back to the queue and is redelivered as attempt 2.
func TestProcess_FailedJobIsRetriedByPool(t *testing.T) {
	ctx := context.Background()
	q, err := queue.OpenSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"), queue.Options{
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)
	defer q.Close()

	m := &fakeMessenger{}
	i := &fakeIntents{
		errs:   []error{errors.New("agent timeout")},
		result: domain.IntentResult{ResponseText: "second time lucky"},
	}
	rq := &recordingQueue{Queue: q}
	pool := queue.NewPool(queue.PoolConfig{
		Queue:   rq,
		Handler: newProcessor(m, i, &fakeMedia{}),
		Logger:  testLogger(),
	})

	_, err = q.Enqueue(ctx, mustJob(t, domain.TypeText, domain.TextContent("hi"), "wamid.retry"))
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		st, err := q.Stats(ctx)
		return err == nil && st.Done == 1
	}, 3*time.Second, 10*time.Millisecond)
	stop()
	require.NoError(t, <-done)

	assert.Equal(t, []int{1, 2}, rq.seen())
	assert.Equal(t, []string{ApologyReply, "second time lucky"}, m.texts())
}

// recordingQueue notes the attempt number of every delivery.
type recordingQueue struct {
	queue.Queue
	mu       sync.Mutex
	attempts []int
}

func (r *recordingQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	d, err := r.Queue.Dequeue(ctx)
	if err == nil {
		r.mu.Lock()
		r.attempts = append(r.attempts, d.Attempt)
		r.mu.Unlock()
	}
	return d, err
}

func (r *recordingQueue) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...)
}
