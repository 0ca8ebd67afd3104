package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
	"wabridge/internal/queue"
	"wabridge/internal/whatsapp"
)

const (
	maxWebhookBody  = 1 << 20 // 1MB
	markReadTimeout = 5 * time.Second
)

// ReceiverConfig configures the webhook receiver.
type ReceiverConfig struct {
	AppSecret   string
	VerifyToken string
	Producer    queue.Producer

	// Messenger is used for best-effort read receipts; nil disables them.
	Messenger domain.Messenger

	ServiceName   string
	Version       string
	SessionPrefix string // reported on the root endpoint as "<prefix>-{user_id}"
	Metrics       bool
	Logger        *slog.Logger
}

// Receiver accepts WhatsApp webhook deliveries and enqueues one job per
// inbound message. It holds no per-request state.
type Receiver struct {
	verifier    *whatsapp.Verifier
	verifyToken string
	producer    queue.Producer
	messenger   domain.Messenger
	service     string
	version     string
	sessions    string
	metrics     bool
	logger      *slog.Logger
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wabridge"
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "meta-whatsapp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		verifier:    whatsapp.NewVerifier(cfg.AppSecret),
		verifyToken: cfg.VerifyToken,
		producer:    cfg.Producer,
		messenger:   cfg.Messenger,
		service:     cfg.ServiceName,
		version:     cfg.Version,
		sessions:    cfg.SessionPrefix + "-{user_id}",
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Handler returns the receiver's routes wrapped in request logging.
func (rc *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", rc.handleVerification)
	mux.HandleFunc("POST /webhook", rc.handleIncoming)
	mux.HandleFunc("GET /health", rc.handleHealth)
	mux.HandleFunc("GET /{$}", rc.handleRoot)
	if rc.metrics {
		mux.Handle("GET /metrics", metrics.Default.Handler())
	}
	return rc.withRequestID(mux)
}

func (rc *Receiver) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(withLogger(r.Context(), rc.logger.With("request_id", id)))
		next.ServeHTTP(w, r)
	})
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func (rc *Receiver) log(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return rc.logger
}

// handleVerification answers the platform's subscription challenge.
func (rc *Receiver) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")

	if mode == "subscribe" && rc.verifyToken != "" && q.Get("hub.verify_token") == rc.verifyToken {
		rc.log(r).Info("webhook verified")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, q.Get("hub.challenge"))
		return
	}

	rc.log(r).Warn("webhook verification failed", "mode", mode)
	metrics.WebhookRejected("verify_token").Inc()
	http.Error(w, "Forbidden", http.StatusForbidden)
}

func (rc *Receiver) handleIncoming(w http.ResponseWriter, r *http.Request) {
	log := rc.log(r)
	metrics.WebhooksTotal.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		metrics.WebhookRejected("read").Inc()
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		log.Warn("webhook body too large")
		metrics.WebhookRejected("too_large").Inc()
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := rc.verifier.Verify(body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
		log.Warn("rejected webhook", "err", err)
		metrics.WebhookRejected("signature").Inc()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	env, err := whatsapp.Parse(body)
	if err != nil {
		log.Warn("malformed webhook payload", "err", err)
		metrics.WebhookRejected("malformed").Inc()
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	messages := env.Messages()
	if len(messages) == 0 {
		log.Debug("webhook carried no messages", "statuses", len(env.Statuses()))
		writeOK(w)
		return
	}

	for _, msg := range messages {
		mlog := log.With("message_id", msg.ID, "from", msg.From, "type", msg.Classify())
		if name := env.ProfileName(msg.From); name != "" {
			mlog = mlog.With("profile", name)
		}
		mlog.Info("message received")

		rc.markAsRead(r.Context(), mlog, msg.ID)

		job, err := msg.Job()
		if err != nil {
			mlog.Error("encode job failed", "err", err)
			metrics.WebhookRejected("encode").Inc()
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		h, err := rc.producer.Enqueue(r.Context(), job)
		if err != nil {
			mlog.Error("enqueue failed", "err", err)
			metrics.WebhookRejected("queue").Inc()
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		if h.Duplicate {
			metrics.JobsDuplicate.Inc()
			mlog.Info("duplicate delivery ignored", "job_id", h.ID)
			continue
		}
		metrics.JobsEnqueued.Inc()
		mlog.Debug("job enqueued", "job_id", h.ID)
	}

	writeOK(w)
}

func (rc *Receiver) markAsRead(ctx context.Context, log *slog.Logger, messageID string) {
	if rc.messenger == nil || messageID == "" {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, markReadTimeout)
	defer cancel()
	if err := rc.messenger.MarkAsRead(mctx, messageID); err != nil {
		log.Warn("mark as read failed", "err", err)
	}
}

func (rc *Receiver) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"webhook_verification": "GET /webhook",
		"webhook_messages":     "POST /webhook",
		"health":               "GET /health",
	}
	if rc.metrics {
		endpoints["metrics"] = "GET /metrics"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        rc.service,
		"version":        rc.version,
		"status":         "running",
		"endpoints":      endpoints,
		"session_format": rc.sessions,
		"description":    "WhatsApp webhook relay to a Dialogflow CX agent with Gemini media analysis",
	})
}

func (rc *Receiver) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
