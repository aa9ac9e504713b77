package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sonic "github.com/bytedance/sonic"

	"github.com/halovoice/campaigner/internal/domain/campaign"
	"github.com/halovoice/campaigner/internal/domain/jobscheduler"
	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/cronexpr"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

const (
	QueueCalls     = "calls"
	QueueEmails    = "emails"
	QueueScheduler = "scheduler"

	// Call dispatch is serialized so one tenant line is dialed at a time.
	callConcurrency      = 1
	emailConcurrency     = 5
	schedulerConcurrency = 2

	// Bulk enqueues stagger submissions: each contact waits one more second
	// and carries a slightly higher priority value than the previous one, so
	// dispatch preserves submission order.
	bulkStaggerDelay = time.Second
	bulkPriorityStep = 0.01
)

// Orchestrator owns the three queues and their workers. It is constructed
// explicitly and wired once at startup; nothing in the package reaches for
// a process-global instance.
type Orchestrator struct {
	broker    queue.Broker
	calls     queue.Queue
	emails    queue.Queue
	scheduler queue.Queue

	dispatch    *DispatchService
	email       *EmailService
	reports     *ReportService
	maintenance *MaintenanceService

	logger       *logging.Logger
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewOrchestrator wires the queues. The dispatch service is built by the
// caller against broker.Queue(QueueCalls); brokers cache queues by name, so
// both sides see the same instance.
func NewOrchestrator(
	broker queue.Broker,
	dispatch *DispatchService,
	email *EmailService,
	reports *ReportService,
	maintenance *MaintenanceService,
	logger *logging.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		broker:      broker,
		calls:       broker.Queue(QueueCalls),
		emails:      broker.Queue(QueueEmails),
		scheduler:   broker.Queue(QueueScheduler),
		dispatch:    dispatch,
		email:       email,
		reports:     reports,
		maintenance: maintenance,
		logger:      logger,
	}
}

// Start attaches workers to every queue and registers the default
// recurring jobs.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.Start")
	defer span.End()

	if err := o.calls.Process(callConcurrency, o.dispatch.Handle); err != nil {
		return fmt.Errorf("start call workers: %w", err)
	}
	if err := o.emails.Process(emailConcurrency, o.email.Handle); err != nil {
		return fmt.Errorf("start email workers: %w", err)
	}
	if err := o.scheduler.Process(schedulerConcurrency, o.handleSchedulerJob); err != nil {
		return fmt.Errorf("start scheduler workers: %w", err)
	}

	registered, err := o.registeredRecurringKinds(ctx)
	if err != nil {
		return err
	}
	for _, kind := range jobscheduler.AllKinds() {
		if registered[kind] {
			continue
		}
		expr, _ := jobscheduler.DefaultCron(kind)
		if _, err := o.EnqueueRecurring(ctx, jobscheduler.Job{Kind: kind}, expr); err != nil {
			return fmt.Errorf("register recurring %s job: %w", kind, err)
		}
	}

	o.logger.InfoContext(ctx, "orchestrator started",
		"call_workers", callConcurrency,
		"email_workers", emailConcurrency,
		"scheduler_workers", schedulerConcurrency)
	return nil
}

// EnqueueCall validates and queues one contact dial.
func (o *Orchestrator) EnqueueCall(ctx context.Context, call campaign.CallJob) (queue.Job, error) {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.EnqueueCall")
	defer span.End()

	if err := call.Normalize(); err != nil {
		return queue.Job{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if call.Meta.EnqueuedAt.IsZero() {
		call.Meta.EnqueuedAt = time.Now().UTC()
	}

	payload, err := sonic.Marshal(call)
	if err != nil {
		return queue.Job{}, fmt.Errorf("marshal call job: %w", err)
	}
	job, err := o.calls.Enqueue(ctx, payload, queue.Options{
		Priority: call.Priority,
		Delay:    time.Duration(call.Delay) * time.Millisecond,
	})
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue call: %w", err)
	}

	o.logger.InfoContext(ctx, "call queued",
		"job_id", job.ID,
		"tenant_id", call.TenantID,
		"assistant_id", call.AssistantID,
		"priority", call.Priority)
	return job, nil
}

// EnqueueCallsBulk queues a batch of contacts with staggered delays and
// stepped priorities so they dial in submission order. Validation is
// all-or-nothing: one bad contact rejects the whole batch before anything
// is queued.
func (o *Orchestrator) EnqueueCallsBulk(ctx context.Context, calls []campaign.CallJob) ([]queue.Job, error) {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.EnqueueCallsBulk")
	defer span.End()

	if len(calls) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	for i := range calls {
		if err := calls[i].Normalize(); err != nil {
			return nil, fmt.Errorf("%w: contact %d: %v", ErrInvalidInput, i, err)
		}
	}

	now := time.Now().UTC()
	jobs := make([]queue.Job, 0, len(calls))
	for i := range calls {
		call := calls[i]
		call.Priority += bulkPriorityStep * float64(i)
		call.Delay += int64(i) * bulkStaggerDelay.Milliseconds()
		call.Meta.EnqueuedAt = now
		call.Meta.BatchIndex = i

		payload, err := sonic.Marshal(call)
		if err != nil {
			return jobs, fmt.Errorf("marshal call job %d: %w", i, err)
		}
		job, err := o.calls.Enqueue(ctx, payload, queue.Options{
			Priority: call.Priority,
			Delay:    time.Duration(call.Delay) * time.Millisecond,
		})
		if err != nil {
			return jobs, fmt.Errorf("enqueue call %d: %w", i, err)
		}
		jobs = append(jobs, job)
	}

	o.logger.InfoContext(ctx, "bulk calls queued",
		"count", len(jobs),
		"tenant_id", calls[0].TenantID)
	return jobs, nil
}

// EnqueueEmail queues one outbound email.
func (o *Orchestrator) EnqueueEmail(ctx context.Context, msg notification.EmailJob) (queue.Job, error) {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.EnqueueEmail")
	defer span.End()

	if len(msg.To) == 0 {
		return queue.Job{}, fmt.Errorf("%w: email has no recipients", ErrInvalidInput)
	}
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return queue.Job{}, fmt.Errorf("marshal email job: %w", err)
	}
	job, err := o.emails.Enqueue(ctx, payload, queue.Options{})
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue email: %w", err)
	}
	return job, nil
}

// EnqueueRecurring registers a scheduler job on a cron expression.
func (o *Orchestrator) EnqueueRecurring(ctx context.Context, job jobscheduler.Job, cronExpr string) (queue.Job, error) {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.EnqueueRecurring")
	defer span.End()

	if !job.Kind.Valid() {
		return queue.Job{}, fmt.Errorf("%w: unknown scheduler job kind %q", ErrInvalidInput, job.Kind)
	}
	if err := cronexpr.Validate(cronExpr); err != nil {
		return queue.Job{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	payload, err := sonic.Marshal(job)
	if err != nil {
		return queue.Job{}, fmt.Errorf("marshal scheduler job: %w", err)
	}
	queued, err := o.scheduler.Enqueue(ctx, payload, queue.Options{Repeat: cronExpr})
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue recurring %s job: %w", job.Kind, err)
	}

	o.logger.InfoContext(ctx, "recurring job registered",
		"job_id", queued.ID,
		"kind", string(job.Kind),
		"cron", cronExpr,
		"tenant_id", job.TenantID)
	return queued, nil
}

// registeredRecurringKinds finds system recurring jobs already sitting on a
// durable broker so restarts do not register duplicates.
func (o *Orchestrator) registeredRecurringKinds(ctx context.Context) (map[jobscheduler.JobKind]bool, error) {
	registered := make(map[jobscheduler.JobKind]bool)
	for _, state := range []queue.State{queue.StateDelayed, queue.StateWaiting} {
		jobs, err := o.scheduler.ListByState(ctx, state, 500)
		if err != nil {
			return nil, fmt.Errorf("list %s scheduler jobs: %w", state, err)
		}
		for _, job := range jobs {
			if job.Repeat == "" {
				continue
			}
			var sched jobscheduler.Job
			if err := sonic.Unmarshal(job.Payload, &sched); err != nil {
				continue
			}
			if sched.TenantID == "" && sched.Kind.Valid() {
				registered[sched.Kind] = true
			}
		}
	}
	return registered, nil
}

func (o *Orchestrator) handleSchedulerJob(ctx context.Context, job queue.Job) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.handleSchedulerJob")
	defer span.End()

	var sched jobscheduler.Job
	if err := sonic.Unmarshal(job.Payload, &sched); err != nil {
		return queue.Discard(err)
	}

	switch sched.Kind {
	case jobscheduler.KindDailyReport:
		return o.reports.RunDaily(ctx, sched.TenantID)
	case jobscheduler.KindWeeklyReport:
		return o.reports.RunWeekly(ctx, sched.TenantID)
	case jobscheduler.KindMonthlyReport:
		return o.reports.RunMonthly(ctx, sched.TenantID)
	case jobscheduler.KindCleanup:
		return o.maintenance.RunCleanup(ctx)
	case jobscheduler.KindHealthCheck:
		return o.maintenance.RunHealthCheck(ctx)
	default:
		return queue.Discard(fmt.Errorf("unknown scheduler job kind %q", sched.Kind))
	}
}

// QueueStats is a point-in-time snapshot across all queues.
type QueueStats struct {
	Queues map[string]queue.Counts `json:"queues"`
}

// Stats reads the per-queue counters without blocking dispatch.
func (o *Orchestrator) Stats(ctx context.Context) (QueueStats, error) {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.Stats")
	defer span.End()

	stats := QueueStats{Queues: make(map[string]queue.Counts, 3)}
	for _, q := range o.queues() {
		counts, err := q.Counts(ctx)
		if err != nil {
			return QueueStats{}, fmt.Errorf("read %s queue counts: %w", q.Name(), err)
		}
		stats.Queues[q.Name()] = counts
	}
	return stats, nil
}

// PauseCalls stops call dispatch; queued jobs keep accumulating.
func (o *Orchestrator) PauseCalls(ctx context.Context) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.PauseCalls")
	defer span.End()

	if err := o.calls.Pause(ctx); err != nil {
		return fmt.Errorf("pause call queue: %w", err)
	}
	o.logger.InfoContext(ctx, "call dispatch paused")
	return nil
}

// ResumeCalls restarts call dispatch.
func (o *Orchestrator) ResumeCalls(ctx context.Context) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.ResumeCalls")
	defer span.End()

	if err := o.calls.Resume(ctx); err != nil {
		return fmt.Errorf("resume call queue: %w", err)
	}
	o.logger.InfoContext(ctx, "call dispatch resumed")
	return nil
}

// RetryJob moves a failed job on the named queue back to waiting.
func (o *Orchestrator) RetryJob(ctx context.Context, queueName, jobID string) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.RetryJob")
	defer span.End()

	q, err := o.queueByName(queueName)
	if err != nil {
		return err
	}
	if err := q.Retry(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return fmt.Errorf("retry job %s on %s: %w", jobID, queueName, err)
	}
	return nil
}

// RemoveJob deletes a non-active job from the named queue.
func (o *Orchestrator) RemoveJob(ctx context.Context, queueName, jobID string) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.RemoveJob")
	defer span.End()

	q, err := o.queueByName(queueName)
	if err != nil {
		return err
	}
	if err := q.Remove(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return fmt.Errorf("remove job %s from %s: %w", jobID, queueName, err)
	}
	return nil
}

// ClearFailed drops every failed job across all queues and reports how
// many were removed.
func (o *Orchestrator) ClearFailed(ctx context.Context) (int, error) {
	ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.ClearFailed")
	defer span.End()

	removed := 0
	for _, q := range o.queues() {
		for {
			failed, err := q.ListByState(ctx, queue.StateFailed, 500)
			if err != nil {
				return removed, fmt.Errorf("list failed jobs on %s: %w", q.Name(), err)
			}
			if len(failed) == 0 {
				break
			}
			for _, job := range failed {
				if err := q.Remove(ctx, job.ID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
					return removed, fmt.Errorf("remove failed job %s from %s: %w", job.ID, q.Name(), err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

// Cleanup runs the maintenance sweep on demand.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	return o.maintenance.RunCleanup(ctx)
}

// Ping reports broker reachability.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.broker.Ping(ctx)
}

// Shutdown tears the orchestrator down in order: pause intake, then close
// queues so in-flight jobs finish, then close the broker. Each step's
// failure is logged and teardown continues; calling Shutdown again is a
// no-op returning the first result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		ctx, span := startUsecaseSpan(ctx, "usecase.Orchestrator.Shutdown")
		defer span.End()

		o.logger.InfoContext(ctx, "orchestrator shutting down")

		if err := o.calls.Pause(ctx); err != nil {
			o.logger.WarnContext(ctx, "pause call queue during shutdown failed", "error", err)
		}
		for _, q := range o.queues() {
			if err := q.Close(); err != nil {
				o.logger.WarnContext(ctx, "close queue failed", "queue", q.Name(), "error", err)
				if o.shutdownErr == nil {
					o.shutdownErr = err
				}
			}
		}
		if err := o.broker.Close(); err != nil {
			o.logger.WarnContext(ctx, "close broker failed", "error", err)
			if o.shutdownErr == nil {
				o.shutdownErr = err
			}
		}
		o.logger.InfoContext(ctx, "orchestrator stopped")
	})
	return o.shutdownErr
}

func (o *Orchestrator) queues() []queue.Queue {
	return []queue.Queue{o.calls, o.emails, o.scheduler}
}

func (o *Orchestrator) queueByName(name string) (queue.Queue, error) {
	switch name {
	case QueueCalls:
		return o.calls, nil
	case QueueEmails:
		return o.emails, nil
	case QueueScheduler:
		return o.scheduler, nil
	default:
		return nil, fmt.Errorf("%w: unknown queue %q", ErrInvalidInput, name)
	}
}
