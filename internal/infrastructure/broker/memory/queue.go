package memory

import (
	"context"
	"sync"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/sourcegraph/conc"

	"github.com/halovoice/campaigner/internal/platform/cronexpr"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

type jobRecord struct {
	job queue.Job
	seq uint64
}

// Queue holds all job records in one map guarded by a mutex; a dispatch
// loop leases ready jobs into an ants pool sized to the configured
// concurrency.
type Queue struct {
	name         string
	logger       *logging.Logger
	pollInterval time.Duration
	closeTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	jobs    map[string]*jobRecord
	nextSeq uint64
	paused  bool
	closed  bool

	pool      *ants.Pool
	handler   queue.Handler
	cancelRun context.CancelFunc
	wg        conc.WaitGroup
	closeOnce sync.Once
}

func newQueue(name string, logger *logging.Logger, o options) *Queue {
	return &Queue{
		name:         name,
		logger:       logger.With("queue", name),
		pollInterval: o.pollInterval,
		closeTimeout: o.closeTimeout,
		now:          o.now,
		jobs:         make(map[string]*jobRecord),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Enqueue(_ context.Context, payload []byte, opts queue.Options) (queue.Job, error) {
	opts = opts.WithDefaults()

	now := q.now().UTC()
	readyAt := now.Add(opts.Delay)
	if opts.Repeat != "" {
		next, err := cronexpr.Next(opts.Repeat, now)
		if err != nil {
			return queue.Job{}, err
		}
		readyAt = next.UTC()
	}

	job := queue.Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Payload:     payload,
		Priority:    opts.Priority,
		Repeat:      opts.Repeat,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		State:       queue.StateWaiting,
		EnqueuedAt:  now,
		ReadyAt:     readyAt,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Job{}, queue.ErrQueueClosed
	}
	q.nextSeq++
	q.jobs[job.ID] = &jobRecord{job: job, seq: q.nextSeq}
	return job, nil
}

func (q *Queue) Process(concurrency int, handler queue.Handler) error {
	if concurrency < 1 {
		return crerr.Newf("queue %s: concurrency must be at least 1", q.name)
	}
	if handler == nil {
		return crerr.Newf("queue %s: handler is required", q.name)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrQueueClosed
	}
	if q.handler != nil {
		q.mu.Unlock()
		return crerr.Newf("queue %s: already processing", q.name)
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		q.mu.Unlock()
		return crerr.Wrapf(err, "queue %s: create worker pool", q.name)
	}
	q.pool = pool
	q.handler = handler
	runCtx, cancel := context.WithCancel(context.Background())
	q.cancelRun = cancel
	q.mu.Unlock()

	q.wg.Go(func() { q.dispatchLoop(runCtx) })
	return nil
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchReady()
		}
	}
}

func (q *Queue) dispatchReady() {
	for {
		q.mu.Lock()
		if q.paused || q.closed || q.pool.Free() == 0 {
			q.mu.Unlock()
			return
		}
		rec := q.leaseNextLocked()
		if rec == nil {
			q.mu.Unlock()
			return
		}
		job := rec.job
		q.mu.Unlock()

		if err := q.pool.Submit(func() { q.runJob(job) }); err != nil {
			// Pool rejected the task (released during shutdown); put the
			// job back so a durable restart picks it up.
			q.mu.Lock()
			if r, ok := q.jobs[job.ID]; ok {
				r.job.State = queue.StateWaiting
				r.job.Attempt--
			}
			q.mu.Unlock()
			return
		}
	}
}

// leaseNextLocked picks the ready job with the lowest priority value,
// breaking ties by readiness time then insertion order.
func (q *Queue) leaseNextLocked() *jobRecord {
	now := q.now().UTC()
	var best *jobRecord
	for _, rec := range q.jobs {
		if rec.job.State != queue.StateWaiting || rec.job.ReadyAt.After(now) {
			continue
		}
		if best == nil || lessReady(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	best.job.State = queue.StateActive
	best.job.Attempt++
	return best
}

func lessReady(a, b *jobRecord) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.ReadyAt.Equal(b.job.ReadyAt) {
		return a.job.ReadyAt.Before(b.job.ReadyAt)
	}
	return a.seq < b.seq
}

// runJob deliberately does not inherit the dispatch loop's context: closing
// the queue stops new leases but lets in-flight handlers finish within the
// pool release grace period.
func (q *Queue) runJob(job queue.Job) {
	err := q.safeHandle(context.Background(), job)
	q.resolve(job.ID, err)
}

func (q *Queue) safeHandle(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = crerr.Newf("handler panic: %v", rec)
			q.logger.Error("worker panic recovered", "job_id", job.ID, "panic", rec)
		}
	}()
	return q.handler(ctx, job)
}

func (q *Queue) resolve(jobID string, handlerErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[jobID]
	if !ok {
		return
	}
	now := q.now().UTC()

	if handlerErr == nil {
		if rec.job.Repeat != "" {
			q.rescheduleRepeatLocked(rec, now, "")
			return
		}
		rec.job.State = queue.StateCompleted
		rec.job.FinishedAt = now
		rec.job.LastError = ""
		return
	}

	rec.job.LastError = handlerErr.Error()
	exhausted := rec.job.Attempt >= rec.job.MaxAttempts
	if queue.IsDiscard(handlerErr) || exhausted {
		if rec.job.Repeat != "" {
			// Recurring jobs survive a failed firing; the next occurrence
			// still runs.
			q.logger.Warn("recurring job firing failed",
				"job_id", rec.job.ID, "error", handlerErr)
			q.rescheduleRepeatLocked(rec, now, handlerErr.Error())
			return
		}
		rec.job.State = queue.StateFailed
		rec.job.FinishedAt = now
		return
	}

	rec.job.State = queue.StateWaiting
	rec.job.ReadyAt = now.Add(queue.RetryDelay(rec.job.Backoff, rec.job.Attempt))
}

func (q *Queue) rescheduleRepeatLocked(rec *jobRecord, now time.Time, lastErr string) {
	next, err := cronexpr.Next(rec.job.Repeat, now)
	if err != nil {
		rec.job.State = queue.StateFailed
		rec.job.FinishedAt = now
		rec.job.LastError = err.Error()
		return
	}
	rec.job.State = queue.StateWaiting
	rec.job.ReadyAt = next.UTC()
	rec.job.Attempt = 0
	rec.job.LastError = lastErr
}

func (q *Queue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

func (q *Queue) Resume(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	return nil
}

func (q *Queue) Counts(_ context.Context) (queue.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	var counts queue.Counts
	for _, rec := range q.jobs {
		switch rec.job.State {
		case queue.StateWaiting:
			if rec.job.ReadyAt.After(now) {
				counts.Delayed++
			} else {
				counts.Waiting++
			}
		case queue.StateActive:
			counts.Active++
		case queue.StateCompleted:
			counts.Completed++
		case queue.StateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (q *Queue) ListByState(_ context.Context, state queue.State, limit int) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	out := make([]queue.Job, 0, limit)
	for _, rec := range q.jobs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if effectiveState(rec.job, now) == state {
			out = append(out, rec.job)
		}
	}
	return out, nil
}

func effectiveState(job queue.Job, now time.Time) queue.State {
	if job.State == queue.StateWaiting && job.ReadyAt.After(now) {
		return queue.StateDelayed
	}
	return job.State
}

func (q *Queue) Retry(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	if rec.job.State != queue.StateFailed {
		return crerr.Newf("queue %s: job %s is %s, only failed jobs can be retried", q.name, jobID, rec.job.State)
	}

	rec.job.State = queue.StateWaiting
	rec.job.Attempt = 0
	rec.job.ReadyAt = q.now().UTC()
	rec.job.FinishedAt = time.Time{}
	return nil
}

func (q *Queue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.jobs[jobID]
	if !ok {
		return queue.ErrJobNotFound
	}
	if rec.job.State == queue.StateActive {
		return crerr.Newf("queue %s: job %s is in flight", q.name, jobID)
	}
	delete(q.jobs, jobID)
	return nil
}

func (q *Queue) Clean(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-olderThan)
	removed := 0
	perState := map[queue.State]int{}
	for id, rec := range q.jobs {
		state := rec.job.State
		if state != queue.StateCompleted && state != queue.StateFailed {
			continue
		}
		if rec.job.FinishedAt.After(cutoff) {
			continue
		}
		if limit > 0 && perState[state] >= limit {
			continue
		}
		delete(q.jobs, id)
		perState[state]++
		removed++
	}
	return removed, nil
}

func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		cancel := q.cancelRun
		pool := q.pool
		q.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		q.wg.Wait()
		if pool != nil {
			if relErr := pool.ReleaseTimeout(q.closeTimeout); relErr != nil {
				err = crerr.Wrapf(relErr, "queue %s: release worker pool", q.name)
			}
		}
	})
	return err
}
