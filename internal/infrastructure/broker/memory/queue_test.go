package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker(logging.NewNop(), WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestQueue_ProcessesEnqueuedJob(t *testing.T) {
	q := newTestBroker(t).Queue("calls")

	var mu sync.Mutex
	var seen []string
	_, err := q.Enqueue(context.Background(), []byte(`{"n":1}`), queue.Options{})
	require.NoError(t, err)

	err = q.Process(1, func(_ context.Context, job queue.Job) error {
		mu.Lock()
		seen = append(seen, string(job.Payload))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	waitFor(t, func() bool {
		counts, _ := q.Counts(context.Background())
		return counts.Completed == 1
	}, "job completes")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{`{"n":1}`}, seen)
}

func TestQueue_PriorityOrdersDispatch(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	// Enqueued out of order; lower priority value dequeues first, ties by
	// insertion order.
	for _, item := range []struct {
		payload  string
		priority float64
	}{
		{"c", 2.0},
		{"a", 1.0},
		{"b", 1.0},
		{"d", 3.0},
	} {
		_, err := q.Enqueue(ctx, []byte(item.payload), queue.Options{Priority: item.priority})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var order []string
	require.NoError(t, q.Process(1, func(_ context.Context, job queue.Job) error {
		mu.Lock()
		order = append(order, string(job.Payload))
		mu.Unlock()
		return nil
	}))

	waitFor(t, func() bool {
		counts, _ := q.Counts(ctx)
		return counts.Completed == 4
	}, "all jobs complete")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestQueue_RetriesWithBackoffUntilCeiling(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	_, err := q.Enqueue(ctx, []byte("x"), queue.Options{MaxAttempts: 3, Backoff: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, q.Process(1, func(_ context.Context, job queue.Job) error {
		mu.Lock()
		attempts = job.Attempt
		mu.Unlock()
		return errors.New("transient")
	}))

	waitFor(t, func() bool {
		counts, _ := q.Counts(ctx)
		return counts.Failed == 1
	}, "job fails after retry ceiling")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)

	failed, err := q.ListByState(ctx, queue.StateFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].LastError, "transient")
}

func TestQueue_DiscardFailsWithoutRetry(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	_, err := q.Enqueue(ctx, []byte("x"), queue.Options{Backoff: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, q.Process(1, func(_ context.Context, _ queue.Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return queue.Discard(errors.New("bad config"))
	}))

	waitFor(t, func() bool {
		counts, _ := q.Counts(ctx)
		return counts.Failed == 1
	}, "job fails permanently")

	// Give the dispatcher a few more polls to prove no retry happens.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestQueue_DelayedJobWaitsForReadiness(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("x"), queue.Options{Delay: 150 * time.Millisecond})
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Delayed)

	require.NoError(t, q.Process(1, func(_ context.Context, _ queue.Job) error { return nil }))

	waitFor(t, func() bool {
		c, _ := q.Counts(ctx)
		return c.Completed == 1
	}, "delayed job eventually runs")
}

func TestQueue_PauseStopsDispatchResumeContinues(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	require.NoError(t, q.Pause(ctx))
	require.NoError(t, q.Process(1, func(_ context.Context, _ queue.Job) error { return nil }))

	_, err := q.Enqueue(ctx, []byte("x"), queue.Options{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Waiting)
	require.Zero(t, counts.Completed)

	require.NoError(t, q.Resume(ctx))
	waitFor(t, func() bool {
		c, _ := q.Counts(ctx)
		return c.Completed == 1
	}, "job runs after resume")
}

func TestQueue_RetryResetsFailedJob(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	job, err := q.Enqueue(ctx, []byte("x"), queue.Options{MaxAttempts: 1, Backoff: time.Millisecond})
	require.NoError(t, err)

	fail := true
	var mu sync.Mutex
	require.NoError(t, q.Process(1, func(_ context.Context, _ queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("boom")
		}
		return nil
	}))

	waitFor(t, func() bool {
		c, _ := q.Counts(ctx)
		return c.Failed == 1
	}, "job fails")

	mu.Lock()
	fail = false
	mu.Unlock()
	require.NoError(t, q.Retry(ctx, job.ID))

	waitFor(t, func() bool {
		c, _ := q.Counts(ctx)
		return c.Completed == 1
	}, "retried job completes")
}

func TestQueue_RetryRejectsNonFailedJobs(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	job, err := q.Enqueue(ctx, []byte("x"), queue.Options{Delay: time.Hour})
	require.NoError(t, err)

	require.Error(t, q.Retry(ctx, job.ID))
	require.ErrorIs(t, q.Retry(ctx, "missing"), queue.ErrJobNotFound)
}

func TestQueue_RemoveWaitingJob(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	job, err := q.Enqueue(ctx, []byte("x"), queue.Options{Delay: time.Hour})
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, job.ID))
	require.ErrorIs(t, q.Remove(ctx, job.ID), queue.ErrJobNotFound)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Delayed)
}

func TestQueue_CleanRemovesAgedFinishedJobs(t *testing.T) {
	q := newTestBroker(t).Queue("calls")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("x"), queue.Options{})
	require.NoError(t, err)
	require.NoError(t, q.Process(1, func(_ context.Context, _ queue.Job) error { return nil }))

	waitFor(t, func() bool {
		c, _ := q.Counts(ctx)
		return c.Completed == 1
	}, "job completes")

	time.Sleep(20 * time.Millisecond)
	removed, err := q.Clean(ctx, 10*time.Millisecond, 100)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Completed)
}

func TestQueue_RepeatSchedulesNextFire(t *testing.T) {
	q := newTestBroker(t).Queue("scheduler")
	ctx := context.Background()

	job, err := q.Enqueue(ctx, []byte("x"), queue.Options{Repeat: "0 6 * * *"})
	require.NoError(t, err)
	require.True(t, job.ReadyAt.After(time.Now()), "repeat job must wait for its first fire")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Delayed)
}

func TestQueue_EnqueueAfterCloseFails(t *testing.T) {
	b := NewBroker(logging.NewNop())
	q := b.Queue("calls")
	require.NoError(t, b.Close())

	_, err := q.Enqueue(context.Background(), []byte("x"), queue.Options{})
	require.ErrorIs(t, err, queue.ErrQueueClosed)
}
