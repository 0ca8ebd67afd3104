package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabridge/internal/domain"
	"wabridge/internal/queue"
	"wabridge/internal/whatsapp"
)

const (
	testSecret = "app-secret"
	testToken  = "verify-me"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeProducer struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
	seen map[string]bool
}

func (f *fakeProducer) Enqueue(_ context.Context, job domain.Job) (queue.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Handle{}, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[job.MessageID] {
		return queue.Handle{ID: job.MessageID, Duplicate: true}, nil
	}
	f.seen[job.MessageID] = true
	f.jobs = append(f.jobs, job)
	return queue.Handle{ID: job.MessageID}, nil
}

type readReceipts struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *readReceipts) MarkAsRead(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func (r *readReceipts) SendText(context.Context, string, string) error { return nil }

func (r *readReceipts) DownloadMedia(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("not used")
}

func newTestReceiver(p queue.Producer, m domain.Messenger) http.Handler {
	return NewReceiver(ReceiverConfig{
		AppSecret:   testSecret,
		VerifyToken: testToken,
		Producer:    p,
		Messenger:   m,
		Version:     "1.2.3",
		Metrics:     true,
		Logger:      testLogger(),
	}).Handler()
}

func payload(messages ...string) []byte {
	return []byte(fmt.Sprintf(`{
	  "object": "whatsapp_business_account",
	  "entry": [{"id": "WABA_ID", "changes": [{"field": "messages", "value": {
	    "messaging_product": "whatsapp",
	    "metadata": {"display_phone_number": "15550000000", "phone_number_id": "PHONE_ID"},
	    "contacts": [{"profile": {"name": "Ann"}, "wa_id": "15551234567"}],
	    "messages": [%s]
	  }}]}]
	}`, strings.Join(messages, ",")))
}

const textMessage = `{"from":"15551234567","id":"wamid.1","timestamp":"1700000000","type":"text","text":{"body":"hi"}}`

func post(h http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(whatsapp.SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReceiver_TextMessageIsEnqueued(t *testing.T) {
	p := &fakeProducer{}
	m := &readReceipts{}
	body := payload(textMessage)

	rec := post(newTestReceiver(p, m), body, whatsapp.Sign(testSecret, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Len(t, p.jobs, 1)
	job := p.jobs[0]
	assert.Equal(t, "15551234567", job.Sender)
	assert.Equal(t, domain.TypeText, job.MessageType)
	assert.Equal(t, "wamid.1", job.MessageID)
	assert.JSONEq(t, `"hi"`, string(job.Content))
	assert.Equal(t, []string{"wamid.1"}, m.ids)
}

func TestReceiver_MultipleMessagesInDocumentOrder(t *testing.T) {
	p := &fakeProducer{}
	body := payload(
		textMessage,
		`{"from":"15551234567","id":"wamid.2","timestamp":"1","type":"image","image":{"id":"MEDIA","mime_type":"image/jpeg","caption":"c"}}`,
		`{"from":"15551234567","id":"wamid.3","timestamp":"1","type":"location","location":{"latitude":1.5,"longitude":2.5}}`,
	)

	rec := post(newTestReceiver(p, nil), body, whatsapp.Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, p.jobs, 3)
	assert.Equal(t, []domain.MessageType{domain.TypeText, domain.TypeImage, domain.TypeLocation},
		[]domain.MessageType{p.jobs[0].MessageType, p.jobs[1].MessageType, p.jobs[2].MessageType})

	media, err := p.jobs[1].Media()
	require.NoError(t, err)
	assert.Equal(t, "MEDIA", media.ID)
	assert.Equal(t, "c", media.Caption)
}

func TestReceiver_InvalidSignature(t *testing.T) {
	p := &fakeProducer{}
	body := payload(textMessage)

	tests := map[string]string{
		"missing":    "",
		"wrong key":  whatsapp.Sign("other-secret", body),
		"not hex":    "sha256=zzzz",
		"other body": whatsapp.Sign(testSecret, []byte("{}")),
	}
	for name, sig := range tests {
		t.Run(name, func(t *testing.T) {
			rec := post(newTestReceiver(p, nil), body, sig)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
	assert.Empty(t, p.jobs)
}

func TestReceiver_MalformedPayload(t *testing.T) {
	p := &fakeProducer{}
	for _, body := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"object":"page","entry":[]}`),
		payload(`{"from":"15551234567","id":"wamid.9","type":"text","text":{"body":"no timestamp"}}`),
	} {
		rec := post(newTestReceiver(p, nil), body, whatsapp.Sign(testSecret, body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, string(body))
	}
	assert.Empty(t, p.jobs)
}

func TestReceiver_StatusOnlyDelivery(t *testing.T) {
	p := &fakeProducer{}
	m := &readReceipts{}
	body := payload()

	rec := post(newTestReceiver(p, m), body, whatsapp.Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Empty(t, p.jobs)
	assert.Empty(t, m.ids)
}

func TestReceiver_MarkAsReadFailureDoesNotAbort(t *testing.T) {
	p := &fakeProducer{}
	m := &readReceipts{err: errors.New("graph down")}
	body := payload(textMessage)

	rec := post(newTestReceiver(p, m), body, whatsapp.Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, p.jobs, 1)
}

func TestReceiver_QueueUnavailable(t *testing.T) {
	p := &fakeProducer{err: fmt.Errorf("enqueue: %w", domain.ErrQueueUnavailable)}
	body := payload(textMessage)

	rec := post(newTestReceiver(p, nil), body, whatsapp.Sign(testSecret, body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReceiver_RedeliveryIsDeduplicated(t *testing.T) {
	p := &fakeProducer{}
	h := newTestReceiver(p, nil)
	body := payload(textMessage)
	sig := whatsapp.Sign(testSecret, body)

	assert.Equal(t, http.StatusOK, post(h, body, sig).Code)
	assert.Equal(t, http.StatusOK, post(h, body, sig).Code)
	assert.Len(t, p.jobs, 1)
}

func TestReceiver_BodyTooLarge(t *testing.T) {
	body := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	rec := post(newTestReceiver(&fakeProducer{}, nil), body, whatsapp.Sign(testSecret, body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReceiver_Verification(t *testing.T) {
	h := newTestReceiver(&fakeProducer{}, nil)

	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", 200, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", 403, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", 403, ""},
		{"missing", "", 403, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
				assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestReceiver_EmptyVerifyTokenNeverMatches(t *testing.T) {
	h := NewReceiver(ReceiverConfig{Producer: &fakeProducer{}, Logger: testLogger()}).Handler()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReceiver_ServiceEndpoints(t *testing.T) {
	h := newTestReceiver(&fakeProducer{}, nil)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
	  "service": "wabridge",
	  "version": "1.2.3",
	  "status": "running",
	  "endpoints": {
	    "webhook_verification": "GET /webhook",
	    "webhook_messages": "POST /webhook",
	    "health": "GET /health",
	    "metrics": "GET /metrics"
	  },
	  "session_format": "meta-whatsapp-{user_id}",
	  "description": "WhatsApp webhook relay to a Dialogflow CX agent with Gemini media analysis"
	}`, rec.Body.String())

	rec = get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wabridge_webhooks_total")

	assert.Equal(t, http.StatusNotFound, get("/nope").Code)
}

func TestReceiver_MetricsDisabled(t *testing.T) {
	h := NewReceiver(ReceiverConfig{Producer: &fakeProducer{}, Logger: testLogger()}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Handler:         newTestReceiver(&fakeProducer{}, nil),
		ShutdownTimeout: time.Second,
		Logger:          testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestReceiver_RootReflectsSessionPrefix(t *testing.T) {
	h := NewReceiver(ReceiverConfig{
		Producer:      &fakeProducer{},
		SessionPrefix: "acme-wa",
		Logger:        testLogger(),
	}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_format":"acme-wa-{user_id}"`)
	assert.NotContains(t, rec.Body.String(), "/metrics")
}
