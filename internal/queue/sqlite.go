package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wabridge/internal/domain"
)

const (
	statusPending = "pending"
	statusRunning = "running"
	statusDone    = "done"
	statusDead    = "dead"
)

// SQLiteQueue is a durable queue backed by a single SQLite file. Several
// worker processes may share the file; claims are atomic UPDATE ... RETURNING
// statements guarded by a per-delivery lease token.
type SQLiteQueue struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	wake   chan struct{}
	now    func() time.Time
}

var _ Queue = (*SQLiteQueue)(nil)

// OpenSQLite opens (or creates) the queue database at dbPath.
func OpenSQLite(ctx context.Context, dbPath string, opts Options, logger *slog.Logger) (*SQLiteQueue, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create queue directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, unavailable("open", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("open", err)
	}
	if err := RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue migration failed: %w", err)
	}

	return &SQLiteQueue{
		db:     db,
		opts:   opts.WithDefaults(),
		logger: logger,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}, nil
}

func (q *SQLiteQueue) millis() int64 { return q.now().UnixMilli() }

// Enqueue inserts a job. A job whose message id is already queued is not
// inserted again; the existing job's id is returned with Duplicate set.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job domain.Job) (Handle, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal job: %w", err)
	}

	messageID := job.MessageID
	if messageID == "" {
		messageID = "anon-" + uuid.NewString()
	}

	id := uuid.NewString()
	now := q.millis()
	res, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (id, message_id, message_type, payload, status, attempts, max_tries, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, messageID, string(job.MessageType), string(payload), statusPending, q.opts.MaxTries, now, now, now,
	)
	if err != nil {
		return Handle{}, unavailable("enqueue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Handle{}, unavailable("enqueue", err)
	}
	if n == 0 {
		var existing string
		if err := q.db.QueryRowContext(ctx, "SELECT id FROM jobs WHERE message_id = ?", messageID).Scan(&existing); err != nil {
			return Handle{}, unavailable("enqueue", err)
		}
		return Handle{ID: existing, Duplicate: true}, nil
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return Handle{ID: id}, nil
}

// Dequeue claims the next ready job, polling until one is available.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (*Delivery, error) {
	now := q.millis()

	// Running jobs whose lease expired on their final attempt cannot be
	// reclaimed; dead-letter them before looking for work.
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = 'job timed out', lease_until = NULL, updated_at = ?
		WHERE status = ? AND lease_until <= ? AND attempts >= max_tries`,
		statusDead, now, statusRunning, now,
	)
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Warn("dead-lettered jobs with expired final lease", "count", n)
	}

	leaseUntil := now + q.opts.JobTimeout.Milliseconds()
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, lease_until = ?, lease_token = lease_token + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE (status = ? AND run_at <= ?)
			   OR (status = ? AND lease_until <= ? AND attempts < max_tries)
			ORDER BY run_at, created_at
			LIMIT 1
		)
		RETURNING id, payload, attempts, max_tries, lease_token, created_at`,
		statusRunning, leaseUntil, now,
		statusPending, now,
		statusRunning, now,
	)

	var (
		d         Delivery
		payload   string
		token     int64
		createdAt int64
	)
	if err := row.Scan(&d.ID, &payload, &d.Attempt, &d.MaxAttempts, &token, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("dequeue", err)
	}
	if err := json.Unmarshal([]byte(payload), &d.Job); err != nil {
		// A corrupt row can never succeed; park it instead of looping on it.
		q.bury(ctx, d.ID, fmt.Sprintf("corrupt payload: %v", err))
		return nil, nil
	}
	d.Deadline = time.UnixMilli(leaseUntil)
	d.EnqueuedAt = time.UnixMilli(createdAt)
	d.token = token
	return &d, nil
}

func (q *SQLiteQueue) bury(ctx context.Context, id, reason string) {
	if _, err := q.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, last_error = ?, lease_until = NULL, updated_at = ? WHERE id = ?",
		statusDead, reason, q.millis(), id,
	); err != nil {
		q.logger.Error("bury job failed", "job_id", id, "err", err)
	}
}

// Ack marks the delivery as done.
func (q *SQLiteQueue) Ack(ctx context.Context, d *Delivery) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, lease_until = NULL, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND lease_token = ?`,
		statusDone, q.millis(), d.ID, statusRunning, d.token,
	)
	if err != nil {
		return unavailable("ack", err)
	}
	return leaseCheck(res)
}

// Fail schedules a retry with backoff, or dead-letters the job on its final attempt.
func (q *SQLiteQueue) Fail(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	now := q.millis()

	var (
		res     sql.Result
		err     error
		outcome Outcome
	)
	if d.Final() {
		outcome = OutcomeDead
		res, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, lease_until = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND lease_token = ?`,
			statusDead, reason, now, d.ID, statusRunning, d.token,
		)
	} else {
		outcome = OutcomeRetry
		runAt := now + Backoff(d.Attempt, q.opts.RetryBaseDelay, q.opts.RetryMaxDelay).Milliseconds()
		res, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, run_at = ?, lease_until = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND lease_token = ?`,
			statusPending, reason, runAt, now, d.ID, statusRunning, d.token,
		)
	}
	if err != nil {
		return outcome, unavailable("fail", err)
	}
	return outcome, leaseCheck(res)
}

func leaseCheck(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("lease", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}
	defer rows.Close()

	st := Stats{Backend: "sqlite"}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, unavailable("stats", err)
		}
		switch status {
		case statusPending:
			st.Pending = n
		case statusRunning:
			st.Running = n
		case statusDone:
			st.Done = n
		case statusDead:
			st.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return st, nil
}

// DeadLetters lists dead jobs, most recent first.
func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, payload, attempts, last_error, updated_at FROM jobs
		WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, statusDead, limit)
	if err != nil {
		return nil, unavailable("dead_letters", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl        DeadLetter
			payload   string
			lastError sql.NullString
			failedAt  int64
		)
		if err := rows.Scan(&dl.ID, &payload, &dl.Attempts, &lastError, &failedAt); err != nil {
			return nil, unavailable("dead_letters", err)
		}
		if err := json.Unmarshal([]byte(payload), &dl.Job); err != nil {
			q.logger.Warn("dead letter has corrupt payload", "job_id", dl.ID, "err", err)
		}
		dl.LastError = lastError.String
		dl.FailedAt = time.UnixMilli(failedAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Requeue(ctx context.Context, id string) error {
	now := q.millis()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = 0, run_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		statusPending, now, now, id, statusDead,
	)
	if err != nil {
		return unavailable("requeue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no dead job with id %s", id)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *SQLiteQueue) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx, "DELETE FROM jobs WHERE status = ? AND updated_at < ?", statusDone, cutoff)
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return res.RowsAffected()
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
