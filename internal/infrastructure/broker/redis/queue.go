package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sonic "github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/halovoice/campaigner/internal/platform/cronexpr"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

const promoteBatch = 200

// jobDoc is the persisted form of a job inside the data hash.
type jobDoc struct {
	ID          string        `json:"id"`
	Queue       string        `json:"queue"`
	Payload     []byte        `json:"payload"`
	Priority    float64       `json:"priority"`
	Repeat      string        `json:"repeat,omitempty"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	State       queue.State   `json:"state"`
	LastError   string        `json:"last_error,omitempty"`
	Seq         int64         `json:"seq"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	ReadyAt     time.Time     `json:"ready_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}

func (d jobDoc) toJob() queue.Job {
	return queue.Job{
		ID:          d.ID,
		Queue:       d.Queue,
		Payload:     d.Payload,
		Priority:    d.Priority,
		Repeat:      d.Repeat,
		Attempt:     d.Attempt,
		MaxAttempts: d.MaxAttempts,
		Backoff:     d.Backoff,
		State:       d.State,
		LastError:   d.LastError,
		EnqueuedAt:  d.EnqueuedAt,
		ReadyAt:     d.ReadyAt,
		FinishedAt:  d.FinishedAt,
	}
}

// Queue is one named queue over a shared Redis connection. Ready members
// are "paddedSeq|jobID" so equal-priority pops fall back to insertion
// order.
type Queue struct {
	name         string
	rdb          *r.Client
	logger       *logging.Logger
	pollInterval time.Duration
	closeTimeout time.Duration

	mu        sync.Mutex
	handler   queue.Handler
	cancelRun context.CancelFunc
	closed    bool

	wg        conc.WaitGroup
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func newQueue(name string, rdb *r.Client, logger *logging.Logger, pollInterval, closeTimeout time.Duration) *Queue {
	return &Queue{
		name:         name,
		rdb:          rdb,
		logger:       logger.With("queue", name),
		pollInterval: pollInterval,
		closeTimeout: closeTimeout,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return "cq:" + q.name + ":" + suffix
}

func member(seq int64, jobID string) string {
	return fmt.Sprintf("%020d|%s", seq, jobID)
}

func memberJobID(m string) string {
	if idx := strings.IndexByte(m, '|'); idx >= 0 {
		return m[idx+1:]
	}
	return m
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts queue.Options) (queue.Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.Job{}, queue.ErrQueueClosed
	}
	q.mu.Unlock()

	opts = opts.WithDefaults()

	now := time.Now().UTC()
	readyAt := now.Add(opts.Delay)
	if opts.Repeat != "" {
		next, err := cronexpr.Next(opts.Repeat, now)
		if err != nil {
			return queue.Job{}, err
		}
		readyAt = next.UTC()
	}

	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return queue.Job{}, crerr.Wrapf(err, "queue %s: next sequence", q.name)
	}

	doc := jobDoc{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Payload:     payload,
		Priority:    opts.Priority,
		Repeat:      opts.Repeat,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		State:       queue.StateWaiting,
		Seq:         seq,
		EnqueuedAt:  now,
		ReadyAt:     readyAt,
	}

	pipe := q.rdb.TxPipeline()
	q.storeDoc(ctx, pipe, doc)
	if readyAt.After(now) {
		pipe.ZAdd(ctx, q.key("delayed"), r.Z{Score: float64(readyAt.UnixMilli()), Member: member(seq, doc.ID)})
	} else {
		pipe.ZAdd(ctx, q.key("ready"), r.Z{Score: doc.Priority, Member: member(seq, doc.ID)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Job{}, crerr.Wrapf(err, "queue %s: enqueue job", q.name)
	}
	return doc.toJob(), nil
}

func (q *Queue) storeDoc(ctx context.Context, pipe r.Cmdable, doc jobDoc) {
	raw, err := sonic.Marshal(doc)
	if err != nil {
		q.logger.Error("marshal job document failed", "job_id", doc.ID, "error", err)
		return
	}
	pipe.HSet(ctx, q.key("data"), doc.ID, raw)
}

func (q *Queue) loadDoc(ctx context.Context, jobID string) (jobDoc, error) {
	raw, err := q.rdb.HGet(ctx, q.key("data"), jobID).Result()
	if err == r.Nil {
		return jobDoc{}, queue.ErrJobNotFound
	}
	if err != nil {
		return jobDoc{}, crerr.Wrapf(err, "queue %s: load job %s", q.name, jobID)
	}
	var doc jobDoc
	if err := sonic.Unmarshal([]byte(raw), &doc); err != nil {
		return jobDoc{}, crerr.Wrapf(err, "queue %s: decode job %s", q.name, jobID)
	}
	return doc, nil
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
	q.handler = handler
	runCtx, cancel := context.WithCancel(context.Background())
	q.cancelRun = cancel
	q.mu.Unlock()

	q.wg.Go(func() { q.promoteLoop(runCtx) })
	for i := 0; i < concurrency; i++ {
		q.wg.Go(func() { q.workerLoop(runCtx) })
	}
	return nil
}

// promoteLoop moves due members from the delayed set into the ready set,
// re-scoring them by priority.
func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("promote delayed jobs failed", "error", err)
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now().UTC().UnixMilli()
	members, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: promoteBatch,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		doc, loadErr := q.loadDoc(ctx, memberJobID(m))
		if loadErr != nil {
			// Orphaned member; drop it rather than loop forever.
			pipe.ZRem(ctx, q.key("delayed"), m)
			continue
		}
		pipe.ZAdd(ctx, q.key("ready"), r.Z{Score: doc.Priority, Member: m})
		pipe.ZRem(ctx, q.key("delayed"), m)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		paused, err := q.rdb.Exists(ctx, q.key("paused")).Result()
		if err == nil && paused > 0 {
			q.sleep(ctx)
			continue
		}

		popped, err := q.rdb.ZPopMin(ctx, q.key("ready"), 1).Result()
		if err != nil || len(popped) == 0 {
			q.sleep(ctx)
			continue
		}

		m, _ := popped[0].Member.(string)
		jobID := memberJobID(m)
		doc, err := q.loadDoc(ctx, jobID)
		if err != nil {
			q.logger.Warn("leased job has no document", "job_id", jobID, "error", err)
			continue
		}

		doc.State = queue.StateActive
		doc.Attempt++
		pipe := q.rdb.TxPipeline()
		q.storeDoc(ctx, pipe, doc)
		pipe.SAdd(ctx, q.key("active"), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Warn("mark job active failed", "job_id", jobID, "error", err)
		}

		q.inflight.Add(1)
		handlerErr := q.safeHandle(doc.toJob())
		q.resolve(doc, handlerErr)
		q.inflight.Done()
	}
}

func (q *Queue) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.pollInterval):
	}
}

func (q *Queue) safeHandle(job queue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = crerr.Newf("handler panic: %v", rec)
			q.logger.Error("worker panic recovered", "job_id", job.ID, "panic", rec)
		}
	}()
	// In-flight work is not canceled by Close; the grace wait in Close
	// covers it.
	return q.handler(context.Background(), job)
}

func (q *Queue) resolve(doc jobDoc, handlerErr error) {
	ctx := context.Background()
	now := time.Now().UTC()

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), doc.ID)

	switch {
	case handlerErr == nil && doc.Repeat != "":
		q.scheduleRepeat(ctx, pipe, &doc, now, "")
	case handlerErr == nil:
		doc.State = queue.StateCompleted
		doc.FinishedAt = now
		doc.LastError = ""
		q.storeDoc(ctx, pipe, doc)
		pipe.ZAdd(ctx, q.key("completed"), r.Z{Score: float64(now.UnixMilli()), Member: doc.ID})
	case queue.IsDiscard(handlerErr) || doc.Attempt >= doc.MaxAttempts:
		doc.LastError = handlerErr.Error()
		if doc.Repeat != "" {
			q.logger.Warn("recurring job firing failed", "job_id", doc.ID, "error", handlerErr)
			q.scheduleRepeat(ctx, pipe, &doc, now, handlerErr.Error())
			break
		}
		doc.State = queue.StateFailed
		doc.FinishedAt = now
		q.storeDoc(ctx, pipe, doc)
		pipe.ZAdd(ctx, q.key("failed"), r.Z{Score: float64(now.UnixMilli()), Member: doc.ID})
	default:
		doc.State = queue.StateWaiting
		doc.LastError = handlerErr.Error()
		doc.ReadyAt = now.Add(queue.RetryDelay(doc.Backoff, doc.Attempt))
		q.storeDoc(ctx, pipe, doc)
		pipe.ZAdd(ctx, q.key("delayed"), r.Z{Score: float64(doc.ReadyAt.UnixMilli()), Member: member(doc.Seq, doc.ID)})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("resolve job failed", "job_id", doc.ID, "error", err)
	}
}

func (q *Queue) scheduleRepeat(ctx context.Context, pipe r.Cmdable, doc *jobDoc, now time.Time, lastErr string) {
	next, err := cronexpr.Next(doc.Repeat, now)
	if err != nil {
		doc.State = queue.StateFailed
		doc.FinishedAt = now
		doc.LastError = err.Error()
		q.storeDoc(ctx, pipe, *doc)
		pipe.ZAdd(ctx, q.key("failed"), r.Z{Score: float64(now.UnixMilli()), Member: doc.ID})
		return
	}
	doc.State = queue.StateWaiting
	doc.Attempt = 0
	doc.ReadyAt = next.UTC()
	doc.LastError = lastErr
	q.storeDoc(ctx, pipe, *doc)
	pipe.ZAdd(ctx, q.key("delayed"), r.Z{Score: float64(doc.ReadyAt.UnixMilli()), Member: member(doc.Seq, doc.ID)})
}

func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.key("paused"), "1", 0).Err()
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.key("paused")).Err()
}

func (q *Queue) Counts(ctx context.Context) (queue.Counts, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCard(ctx, q.key("ready"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.SCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Counts{}, crerr.Wrapf(err, "queue %s: read counts", q.name)
	}

	return queue.Counts{
		Waiting:   int(ready.Val()),
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

func (q *Queue) ListByState(ctx context.Context, state queue.State, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	var err error
	switch state {
	case queue.StateWaiting:
		ids, err = q.memberIDs(ctx, q.key("ready"), limit)
	case queue.StateDelayed:
		ids, err = q.memberIDs(ctx, q.key("delayed"), limit)
	case queue.StateActive:
		ids, err = q.rdb.SMembers(ctx, q.key("active")).Result()
	case queue.StateCompleted:
		ids, err = q.rdb.ZRange(ctx, q.key("completed"), 0, int64(limit-1)).Result()
	case queue.StateFailed:
		ids, err = q.rdb.ZRange(ctx, q.key("failed"), 0, int64(limit-1)).Result()
	default:
		return nil, crerr.Newf("queue %s: unknown state %s", q.name, state)
	}
	if err != nil {
		return nil, crerr.Wrapf(err, "queue %s: list %s jobs", q.name, state)
	}

	out := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		doc, loadErr := q.loadDoc(ctx, id)
		if loadErr != nil {
			continue
		}
		out = append(out, doc.toJob())
	}
	return out, nil
}

func (q *Queue) memberIDs(ctx context.Context, key string, limit int) ([]string, error) {
	members, err := q.rdb.ZRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, memberJobID(m))
	}
	return ids, nil
}

func (q *Queue) Retry(ctx context.Context, jobID string) error {
	doc, err := q.loadDoc(ctx, jobID)
	if err != nil {
		return err
	}
	if doc.State != queue.StateFailed {
		return crerr.Newf("queue %s: job %s is %s, only failed jobs can be retried", q.name, jobID, doc.State)
	}

	doc.State = queue.StateWaiting
	doc.Attempt = 0
	doc.ReadyAt = time.Now().UTC()
	doc.FinishedAt = time.Time{}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("failed"), jobID)
	q.storeDoc(ctx, pipe, doc)
	pipe.ZAdd(ctx, q.key("ready"), r.Z{Score: doc.Priority, Member: member(doc.Seq, doc.ID)})
	_, err = pipe.Exec(ctx)
	return crerr.Wrapf(err, "queue %s: retry job %s", q.name, jobID)
}

func (q *Queue) Remove(ctx context.Context, jobID string) error {
	doc, err := q.loadDoc(ctx, jobID)
	if err != nil {
		return err
	}
	if doc.State == queue.StateActive {
		return crerr.Newf("queue %s: job %s is in flight", q.name, jobID)
	}

	m := member(doc.Seq, doc.ID)
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("ready"), m)
	pipe.ZRem(ctx, q.key("delayed"), m)
	pipe.ZRem(ctx, q.key("completed"), jobID)
	pipe.ZRem(ctx, q.key("failed"), jobID)
	pipe.HDel(ctx, q.key("data"), jobID)
	_, err = pipe.Exec(ctx)
	return crerr.Wrapf(err, "queue %s: remove job %s", q.name, jobID)
}

func (q *Queue) Clean(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()

	removed := 0
	for _, key := range []string{q.key("completed"), q.key("failed")} {
		ids, err := q.rdb.ZRangeByScore(ctx, key, &r.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%d", cutoff), Offset: 0, Count: int64(limit),
		}).Result()
		if err != nil {
			return removed, crerr.Wrapf(err, "queue %s: scan %s for cleanup", q.name, key)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := q.rdb.TxPipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, key, id)
			pipe.HDel(ctx, q.key("data"), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, crerr.Wrapf(err, "queue %s: cleanup", q.name)
		}
		removed += len(ids)
	}
	return removed, nil
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		cancel := q.cancelRun
		q.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		q.wg.Wait()

		done := make(chan struct{})
		go func() {
			q.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(q.closeTimeout):
			q.logger.Warn("close timed out waiting for in-flight jobs")
		}
	})
	return nil
}
