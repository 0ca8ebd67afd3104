package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"wabridge/internal/domain"
)

// NATSConfig names the JetStream resources used by the queue.
type NATSConfig struct {
	Stream      string // work-queue stream, default WABRIDGE_JOBS
	Subject     string // default wabridge.jobs
	DeadStream  string // default WABRIDGE_DEAD
	DeadSubject string // default wabridge.dead
	Durable     string // consumer name, default wabridge-worker
	DeadMaxAge  time.Duration
	// DedupWindow bounds how long message ids are remembered for duplicate
	// suppression (JetStream Nats-Msg-Id).
	DedupWindow time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Stream == "" {
		c.Stream = "WABRIDGE_JOBS"
	}
	if c.Subject == "" {
		c.Subject = "wabridge.jobs"
	}
	if c.DeadStream == "" {
		c.DeadStream = "WABRIDGE_DEAD"
	}
	if c.DeadSubject == "" {
		c.DeadSubject = "wabridge.dead"
	}
	if c.Durable == "" {
		c.Durable = "wabridge-worker"
	}
	if c.DeadMaxAge <= 0 {
		c.DeadMaxAge = 7 * 24 * time.Hour
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	return c
}

const (
	headerAttempts  = "Wabridge-Attempts"
	headerLastError = "Wabridge-Last-Error"
	headerJobID     = "Wabridge-Job-Id"

	fetchWait = 5 * time.Second
)

// NATSQueue is a queue on a JetStream work-queue stream. The consumer's
// AckWait is the job timeout and its MaxDeliver bounds the attempts; one
// extra delivery is allowed so a job abandoned on its final attempt can be
// moved to the dead-letter stream instead of silently expiring.
type NATSQueue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cons   jetstream.Consumer
	cfg    NATSConfig
	opts   Options
	logger *slog.Logger
}

var _ Queue = (*NATSQueue)(nil)

// OpenNATS connects to url and ensures the streams and consumer exist.
func OpenNATS(ctx context.Context, url string, cfg NATSConfig, opts Options, logger *slog.Logger) (*NATSQueue, error) {
	cfg = cfg.withDefaults()
	opts = opts.WithDefaults()

	nc, err := nats.Connect(url,
		nats.Name("wabridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, unavailable("connect", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, unavailable("jetstream", err)
	}

	q := &NATSQueue{nc: nc, js: js, cfg: cfg, opts: opts, logger: logger}
	if err := q.provision(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("nats queue ready", "stream", cfg.Stream, "consumer", cfg.Durable)
	return q, nil
}

func (q *NATSQueue) provision(ctx context.Context) error {
	if _, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        q.cfg.Stream,
		Description: "wabridge message jobs",
		Subjects:    []string{q.cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  q.cfg.DedupWindow,
	}); err != nil {
		return unavailable("create stream", err)
	}

	if _, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        q.cfg.DeadStream,
		Description: "wabridge dead-lettered jobs",
		Subjects:    []string{q.cfg.DeadSubject},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      q.cfg.DeadMaxAge,
	}); err != nil {
		return unavailable("create dead stream", err)
	}

	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.JobTimeout,
		MaxDeliver:    q.opts.MaxTries + 1,
		MaxAckPending: q.opts.Concurrency * 2,
		FilterSubject: q.cfg.Subject,
	})
	if err != nil {
		return unavailable("create consumer", err)
	}
	q.cons = cons
	return nil
}

func (q *NATSQueue) Enqueue(ctx context.Context, job domain.Job) (Handle, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal job: %w", err)
	}

	msgID := job.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	msg := nats.NewMsg(q.cfg.Subject)
	msg.Data = data
	msg.Header.Set(headerJobID, msgID)

	ack, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
	if err != nil {
		return Handle{}, unavailable("enqueue", err)
	}
	return Handle{ID: jobRef(ack.Stream, ack.Sequence), Duplicate: ack.Duplicate}, nil
}

func (q *NATSQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fctx, cancel := context.WithTimeout(ctx, fetchWait)
		msg, err := q.cons.Next(jetstream.FetchContext(fctx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if fctx.Err() != nil || errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
				continue
			}
			return nil, unavailable("dequeue", err)
		}

		meta, err := msg.Metadata()
		if err != nil {
			q.logger.Error("message without metadata", "err", err)
			msg.Term()
			continue
		}

		id := jobRef(meta.Stream, meta.Sequence.Stream)
		attempt := int(meta.NumDelivered)
		if attempt > q.opts.MaxTries {
			// Final attempt timed out without an ack.
			q.deadLetter(ctx, id, msg.Data(), q.opts.MaxTries, "job timed out")
			msg.Term()
			continue
		}

		d := &Delivery{
			ID:          id,
			Attempt:     attempt,
			MaxAttempts: q.opts.MaxTries,
			Deadline:    time.Now().Add(q.opts.JobTimeout),
			EnqueuedAt:  meta.Timestamp,
			token:       msg,
		}
		if err := json.Unmarshal(msg.Data(), &d.Job); err != nil {
			q.deadLetter(ctx, id, msg.Data(), attempt, fmt.Sprintf("corrupt payload: %v", err))
			msg.Term()
			continue
		}
		return d, nil
	}
}

func (q *NATSQueue) Ack(ctx context.Context, d *Delivery) error {
	msg, ok := d.token.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("delivery %s was not produced by this queue", d.ID)
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (q *NATSQueue) Fail(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	msg, ok := d.token.(jetstream.Msg)
	if !ok {
		return OutcomeDead, fmt.Errorf("delivery %s was not produced by this queue", d.ID)
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	if d.Final() {
		if err := q.deadLetter(ctx, d.ID, msg.Data(), d.Attempt, reason); err != nil {
			// Leave the message unacked; the next delivery will dead-letter it.
			return OutcomeDead, err
		}
		if err := msg.Term(); err != nil {
			return OutcomeDead, unavailable("term", err)
		}
		return OutcomeDead, nil
	}

	delay := Backoff(d.Attempt, q.opts.RetryBaseDelay, q.opts.RetryMaxDelay)
	if err := msg.NakWithDelay(delay); err != nil {
		return OutcomeRetry, unavailable("nak", err)
	}
	return OutcomeRetry, nil
}

func (q *NATSQueue) deadLetter(ctx context.Context, id string, data []byte, attempts int, reason string) error {
	msg := nats.NewMsg(q.cfg.DeadSubject)
	msg.Data = data
	msg.Header.Set(headerJobID, id)
	msg.Header.Set(headerAttempts, strconv.Itoa(attempts))
	msg.Header.Set(headerLastError, truncate(reason, 1024))
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		q.logger.Error("dead-letter publish failed", "job_id", id, "err", err)
		return unavailable("dead_letter", err)
	}
	return nil
}

func (q *NATSQueue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: "nats"}

	info, err := q.cons.Info(ctx)
	if err != nil {
		return st, unavailable("stats", err)
	}
	st.Pending = int64(info.NumPending)
	st.Running = int64(info.NumAckPending)

	dead, err := q.js.Stream(ctx, q.cfg.DeadStream)
	if err != nil {
		return st, unavailable("stats", err)
	}
	dinfo, err := dead.Info(ctx)
	if err != nil {
		return st, unavailable("stats", err)
	}
	st.Dead = int64(dinfo.State.Msgs)
	// Acked messages are removed by the work-queue retention, so Done stays 0.
	return st, nil
}

// DeadLetters walks the dead-letter stream backwards from its newest message.
func (q *NATSQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	stream, err := q.js.Stream(ctx, q.cfg.DeadStream)
	if err != nil {
		return nil, unavailable("dead_letters", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, unavailable("dead_letters", err)
	}

	var out []DeadLetter
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0 && len(out) < limit; seq-- {
		raw, err := stream.GetMsg(ctx, seq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			return out, unavailable("dead_letters", err)
		}
		dl := DeadLetter{
			ID:        strconv.FormatUint(raw.Sequence, 10),
			LastError: raw.Header.Get(headerLastError),
			FailedAt:  raw.Time,
		}
		dl.Attempts, _ = strconv.Atoi(raw.Header.Get(headerAttempts))
		if err := json.Unmarshal(raw.Data, &dl.Job); err != nil {
			q.logger.Warn("dead letter has corrupt payload", "seq", seq, "err", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Requeue republishes a dead letter (by its dead-stream sequence) onto the
// work subject and removes it from the dead-letter stream.
func (q *NATSQueue) Requeue(ctx context.Context, id string) error {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid dead-letter sequence %q", id)
	}
	stream, err := q.js.Stream(ctx, q.cfg.DeadStream)
	if err != nil {
		return unavailable("requeue", err)
	}
	raw, err := stream.GetMsg(ctx, seq)
	if err != nil {
		return fmt.Errorf("load dead letter %d: %w", seq, err)
	}

	msg := nats.NewMsg(q.cfg.Subject)
	msg.Data = raw.Data
	// A fresh id so the dedup window does not swallow the retry.
	if _, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID("requeue-"+uuid.NewString())); err != nil {
		return unavailable("requeue", err)
	}
	if err := stream.DeleteMsg(ctx, seq); err != nil {
		q.logger.Warn("requeued dead letter not removed", "seq", seq, "err", err)
	}
	return nil
}

// Purge is a no-op: work-queue retention drops messages once acknowledged.
func (q *NATSQueue) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (q *NATSQueue) Close() error {
	return q.nc.Drain()
}

func jobRef(stream string, seq uint64) string {
	return stream + ":" + strconv.FormatUint(seq, 10)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
