// Package queue carries jobs from the webhook receiver to the worker pool.
//
// Delivery is at-least-once. A dequeued job holds a lease for the job timeout;
// if it is neither acknowledged nor failed before the lease expires, it is
// delivered again until its attempt budget is spent, then dead-lettered.
// Two backends are provided: an embedded SQLite table and NATS JetStream.
package queue

import (
	"context"
	"errors"
	"time"

	"wabridge/internal/domain"
)

// Defaults for Options.
const (
	DefaultMaxTries       = 3
	DefaultJobTimeout     = 300 * time.Second
	DefaultConcurrency    = 10
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 60 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
)

// ErrLeaseLost is returned by Ack or Fail when the delivery's lease expired
// and the job was handed to another consumer in the meantime.
var ErrLeaseLost = errors.New("queue: lease lost")

// Producer is the enqueue side used by the receiver.
type Producer interface {
	Enqueue(ctx context.Context, job domain.Job) (Handle, error)
}

// Queue is the full client used by the worker pool and admin commands.
type Queue interface {
	Producer
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Fail records a failed attempt and reports whether the job will be retried.
	Fail(ctx context.Context, d *Delivery, cause error) (Outcome, error)
	Stats(ctx context.Context) (Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// Requeue moves a dead-lettered job back to pending with a fresh attempt budget.
	Requeue(ctx context.Context, id string) error
	// Purge removes completed jobs older than the given age.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// Handle identifies an enqueued job.
type Handle struct {
	ID        string
	Duplicate bool // the message id was already queued; no new job was created
}

// Delivery is one attempt at processing a job.
type Delivery struct {
	ID          string
	Job         domain.Job
	Attempt     int // 1-based
	MaxAttempts int
	Deadline    time.Time
	EnqueuedAt  time.Time

	token any
}

// Final reports whether this is the last permitted attempt.
func (d *Delivery) Final() bool { return d.Attempt >= d.MaxAttempts }

// Outcome is the result of Fail.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeDead
)

func (o Outcome) String() string {
	if o == OutcomeDead {
		return "dead"
	}
	return "retry"
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Backend string `json:"backend"`
	Pending int64  `json:"pending"`
	Running int64  `json:"running"`
	Done    int64  `json:"done"`
	Dead    int64  `json:"dead"`
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	ID        string     `json:"id"`
	Job       domain.Job `json:"job"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error"`
	FailedAt  time.Time  `json:"failed_at"`
}

// Options tunes retry, lease and concurrency behavior.
type Options struct {
	MaxTries       int
	JobTimeout     time.Duration
	Concurrency    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.MaxTries <= 0 {
		o.MaxTries = DefaultMaxTries
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

func unavailable(op string, err error) error {
	return &queueError{op: op, err: err}
}

type queueError struct {
	op  string
	err error
}

func (e *queueError) Error() string { return "queue " + e.op + ": " + e.err.Error() }

func (e *queueError) Unwrap() []error { return []error{domain.ErrQueueUnavailable, e.err} }
