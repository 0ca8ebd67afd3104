package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabridge/internal/domain"
)

// runPool starts a pool and returns a stop func that cancels it and waits.
func runPool(t *testing.T, q Queue, h Handler, opts Options) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(PoolConfig{Queue: q, Handler: h, Options: opts, Logger: testLogger()})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
			return nil
		}
	}
}

func waitStats(t *testing.T, q Queue, cond func(Stats) bool) Stats {
	t.Helper()
	var st Stats
	require.Eventually(t, func() bool {
		var err error
		st, err = q.Stats(context.Background())
		return err == nil && cond(st)
	}, 3*time.Second, 10*time.Millisecond)
	return st
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	h := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		mu.Lock()
		got = append(got, job.MessageID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"wamid.a", "wamid.b", "wamid.c"} {
		_, err := q.Enqueue(ctx, textJob(id, "x"))
		require.NoError(t, err)
	}

	stop := runPool(t, q, h, Options{Concurrency: 2})
	waitStats(t, q, func(st Stats) bool { return st.Done == 3 })
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"wamid.a", "wamid.b", "wamid.c"}, got)
}

func TestPool_FailureIsRetried(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()

	var attempts atomic.Int32
	h := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		if attempts.Add(1) == 1 {
			return errors.New("upstream unavailable")
		}
		return nil
	})

	_, err := q.Enqueue(ctx, textJob("wamid.retry", "x"))
	require.NoError(t, err)

	stop := runPool(t, q, h, Options{})
	st := waitStats(t, q, func(st Stats) bool { return st.Done == 1 })
	require.NoError(t, stop())

	assert.EqualValues(t, 2, attempts.Load())
	assert.Zero(t, st.Dead)
}

func TestPool_ExhaustedJobIsDeadLettered(t *testing.T) {
	q := testQueue(t, Options{MaxTries: 3})
	ctx := context.Background()

	var attempts atomic.Int32
	h := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		attempts.Add(1)
		return errors.New("always fails")
	})

	_, err := q.Enqueue(ctx, textJob("wamid.dead", "x"))
	require.NoError(t, err)

	stop := runPool(t, q, h, Options{})
	waitStats(t, q, func(st Stats) bool { return st.Dead == 1 })
	require.NoError(t, stop())

	assert.EqualValues(t, 3, attempts.Load())
}

func TestPool_RecoversFromPanic(t *testing.T) {
	q := testQueue(t, Options{MaxTries: 1})
	ctx := context.Background()

	h := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		panic("nil map")
	})

	_, err := q.Enqueue(ctx, textJob("wamid.panic", "x"))
	require.NoError(t, err)

	stop := runPool(t, q, h, Options{})
	waitStats(t, q, func(st Stats) bool { return st.Dead == 1 })
	require.NoError(t, stop())

	dead, err := q.DeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "panic: nil map")
}

func TestPool_JobTimeout(t *testing.T) {
	q := testQueue(t, Options{MaxTries: 1, JobTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	h := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := q.Enqueue(ctx, textJob("wamid.slow", "x"))
	require.NoError(t, err)

	stop := runPool(t, q, h, Options{JobTimeout: 50 * time.Millisecond})
	waitStats(t, q, func(st Stats) bool { return st.Dead == 1 })
	require.NoError(t, stop())
}

func TestPool_ShutdownDrainsInFlight(t *testing.T) {
	q := testQueue(t, Options{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var cancelled atomic.Bool
	h := HandlerFunc(func(ctx context.Context, job domain.Job) error {
		close(started)
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	})

	_, err := q.Enqueue(ctx, textJob("wamid.drain", "x"))
	require.NoError(t, err)

	stop := runPool(t, q, h, Options{})
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()

	select {
	case <-stopped:
		t.Fatal("pool returned before in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.False(t, cancelled.Load(), "shutdown must not cancel a running job")

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Done)
}

type brokenQueue struct{ Queue }

func (brokenQueue) Dequeue(context.Context) (*Delivery, error) {
	return nil, unavailable("dequeue", errors.New("disk I/O error"))
}

func TestPool_StopsWhenQueueUnavailable(t *testing.T) {
	p := NewPool(PoolConfig{
		Queue:   brokenQueue{},
		Handler: HandlerFunc(func(context.Context, domain.Job) error { return nil }),
		Logger:  testLogger(),
	})

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}

func TestNewPool_DefaultsLogger(t *testing.T) {
	q := testQueue(t, Options{})
	p := NewPool(PoolConfig{
		Queue:   q,
		Handler: HandlerFunc(func(context.Context, domain.Job) error { return nil }),
	})
	require.NotNil(t, p.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err := q.Enqueue(context.Background(), textJob("wamid.nolog", "x"))
	require.NoError(t, err)
	waitStats(t, q, func(st Stats) bool { return st.Done == 1 })

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
