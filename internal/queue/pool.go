package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

// Handler processes one job. A nil return acknowledges the job; an error
// hands it back to the queue for retry or dead-lettering.
type Handler interface {
	Process(ctx context.Context, job domain.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Process(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Queue   Queue
	Handler Handler
	Options Options
	Logger  *slog.Logger

	// PurgeAfter enables periodic removal of completed jobs older than this.
	PurgeAfter    time.Duration
	PurgeInterval time.Duration
}

// Pool runs up to Options.Concurrency jobs at once.
type Pool struct {
	queue         Queue
	handler       Handler
	opts          Options
	logger        *slog.Logger
	purgeAfter    time.Duration
	purgeInterval time.Duration

	wg sync.WaitGroup
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		queue:         cfg.Queue,
		handler:       cfg.Handler,
		opts:          cfg.Options.WithDefaults(),
		logger:        cfg.Logger,
		purgeAfter:    cfg.PurgeAfter,
		purgeInterval: cfg.PurgeInterval,
	}
}

// Run dequeues until ctx is cancelled or the queue becomes unavailable.
// Cancelling ctx stops dequeuing only; jobs already running finish under
// their own timeout and Run waits for them before returning.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		"concurrency", p.opts.Concurrency,
		"max_tries", p.opts.MaxTries,
		"job_timeout", p.opts.JobTimeout,
	)

	if p.purgeAfter > 0 {
		go p.purgeLoop(ctx)
	}

	slots := make(chan struct{}, p.opts.Concurrency)
	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case slots <- struct{}{}:
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				break loop
			}
			p.logger.Error("dequeue failed, stopping worker pool", "err", err)
			runErr = fmt.Errorf("dequeue: %w", err)
			break loop
		}

		p.wg.Add(1)
		go func() {
			defer func() {
				<-slots
				p.wg.Done()
			}()
			p.execute(ctx, d)
		}()
	}

	p.logger.Info("worker pool draining in-flight jobs")
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return runErr
}

func (p *Pool) execute(parent context.Context, d *Delivery) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	timeout := p.opts.JobTimeout
	if !d.Deadline.IsZero() {
		if until := time.Until(d.Deadline); until > 0 && until < timeout {
			timeout = until
		}
	}
	// Shutdown does not cancel a running job; only its timeout does.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	log := p.logger.With(
		"job_id", d.ID,
		"message_id", d.Job.MessageID,
		"type", d.Job.MessageType,
		"attempt", d.Attempt,
		"max_attempts", d.MaxAttempts,
	)
	log.Info("job started")

	start := time.Now()
	err := p.safeProcess(jobCtx, d.Job)
	elapsed := time.Since(start)
	metrics.JobDuration.Observe(elapsed.Seconds())

	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer bookCancel()

	if err == nil {
		metrics.JobsProcessed.Inc()
		if ackErr := p.queue.Ack(bookCtx, d); ackErr != nil {
			log.Warn("ack failed", "err", ackErr)
			return
		}
		log.Info("job completed", "elapsed", elapsed)
		return
	}

	metrics.JobsFailed.Inc()
	outcome, failErr := p.queue.Fail(bookCtx, d, err)
	if failErr != nil {
		log.Warn("recording failure failed", "err", failErr, "job_err", err)
		return
	}
	switch outcome {
	case OutcomeDead:
		metrics.JobsDead.Inc()
		log.Error("job dead-lettered", "err", err, "elapsed", elapsed)
	default:
		metrics.JobsRetried.Inc()
		log.Warn("job failed, will retry", "err", err, "elapsed", elapsed)
	}
}

func (p *Pool) safeProcess(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.Process(ctx, job)
}

func (p *Pool) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Purge(ctx, p.purgeAfter)
			if err != nil {
				p.logger.Warn("purge failed", "err", err)
				continue
			}
			if n > 0 {
				p.logger.Info("purged completed jobs", "count", n)
			}
		}
	}
}
