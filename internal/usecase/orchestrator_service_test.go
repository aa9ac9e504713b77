package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memorybroker "github.com/halovoice/campaigner/internal/infrastructure/broker/memory"
	memoryrepo "github.com/halovoice/campaigner/internal/infrastructure/repository/memory"

	"github.com/halovoice/campaigner/internal/domain/campaign"
	"github.com/halovoice/campaigner/internal/domain/jobscheduler"
	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

var orchNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeEmailGateway struct {
	sent []notification.EmailJob
}

func (f *fakeEmailGateway) Send(_ context.Context, msg notification.EmailJob) error {
	f.sent = append(f.sent, msg)
	return nil
}

func newOrchestratorFixture(t *testing.T) *Orchestrator {
	t.Helper()

	broker := memorybroker.NewBroker(logging.NewNop(),
		memorybroker.WithClock(func() time.Time { return orchNow }),
		memorybroker.WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = broker.Close() })

	calls := broker.Queue(QueueCalls)
	emails := broker.Queue(QueueEmails)
	scheduler := broker.Queue(QueueScheduler)

	repo := memoryrepo.NewCallHistoryRepository()
	dispatch := NewDispatchService(
		&fakeScheduleProvider{ws: businessHours()}, &fakeVoice{}, repo, calls,
		DispatchPolicy{}, logging.NewNop())
	email := NewEmailService(&fakeEmailGateway{}, logging.NewNop())
	reports := NewReportService(repo, &fakeTenantDirectory{}, &fakeArtifacts{}, emails, logging.NewNop())
	maintenance := NewMaintenanceService(repo, calls, []queue.Queue{calls, emails, scheduler}, emails,
		MaintenancePolicy{}, logging.NewNop())

	return NewOrchestrator(broker, dispatch, email, reports, maintenance, logging.NewNop())
}

func testContact(n string) campaign.CallJob {
	return campaign.CallJob{
		TenantID:    "tenant-1",
		AssistantID: "asst-1",
		Contact:     campaign.Contact{Name: n, Number: "+1555010" + n},
	}
}

func TestOrchestrator_BulkEnqueueStaggersDelaysAndPriorities(t *testing.T) {
	o := newOrchestratorFixture(t)

	batch := []campaign.CallJob{
		testContact("0"), testContact("1"), testContact("2"), testContact("3"), testContact("4"),
	}
	jobs, err := o.EnqueueCallsBulk(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	for i, job := range jobs {
		wantReady := orchNow.Add(time.Duration(i) * time.Second)
		require.True(t, job.ReadyAt.Equal(wantReady),
			"job %d: want ready at %s, got %s", i, wantReady, job.ReadyAt)
		require.InDelta(t, 1.0+0.01*float64(i), job.Priority, 1e-9, "job %d priority", i)
	}
}

func TestOrchestrator_BulkEnqueueRejectsWholeBatchOnBadContact(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	batch := []campaign.CallJob{
		testContact("0"),
		{TenantID: "tenant-1", AssistantID: "asst-1"}, // missing contact
		testContact("2"),
	}
	_, err := o.EnqueueCallsBulk(ctx, batch)
	require.ErrorIs(t, err, ErrInvalidInput)

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queues[QueueCalls].Waiting+stats.Queues[QueueCalls].Delayed,
		"nothing from a rejected batch may reach the queue")
}

func TestOrchestrator_EnqueueCallValidates(t *testing.T) {
	o := newOrchestratorFixture(t)

	_, err := o.EnqueueCall(context.Background(), campaign.CallJob{TenantID: "tenant-1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	job, err := o.EnqueueCall(context.Background(), testContact("7"))
	require.NoError(t, err)
	require.Equal(t, campaign.DefaultPriority, job.Priority)
}

func TestOrchestrator_EnqueueRecurringValidatesCron(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	_, err := o.EnqueueRecurring(ctx, jobscheduler.Job{Kind: jobscheduler.KindCleanup}, "not a cron")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = o.EnqueueRecurring(ctx, jobscheduler.Job{Kind: "mystery"}, "0 6 * * *")
	require.ErrorIs(t, err, ErrInvalidInput)

	job, err := o.EnqueueRecurring(ctx, jobscheduler.Job{Kind: jobscheduler.KindCleanup, TenantID: "tenant-1"}, "0 3 * * *")
	require.NoError(t, err)
	require.Equal(t, "0 3 * * *", job.Repeat)
	require.True(t, job.ReadyAt.After(orchNow), "recurring job waits for its first fire")
}

func TestOrchestrator_StartRegistersDefaultRecurringJobsOnce(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	sched := stats.Queues[QueueScheduler]
	require.Equal(t, len(jobscheduler.AllKinds()), sched.Delayed+sched.Waiting,
		"one recurring job per system kind")

	// Registration is keyed on existing repeat jobs, so a second pass over
	// the same broker adds nothing.
	registered, err := o.registeredRecurringKinds(ctx)
	require.NoError(t, err)
	require.Len(t, registered, len(jobscheduler.AllKinds()))
}

func TestOrchestrator_StatsCoversAllQueues(t *testing.T) {
	o := newOrchestratorFixture(t)

	stats, err := o.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.Queues, 3)
	require.Contains(t, stats.Queues, QueueCalls)
	require.Contains(t, stats.Queues, QueueEmails)
	require.Contains(t, stats.Queues, QueueScheduler)
}

func TestOrchestrator_PauseAndResumeCalls(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	require.NoError(t, o.PauseCalls(ctx))
	require.NoError(t, o.ResumeCalls(ctx))
}

func TestOrchestrator_RetryAndRemoveValidateInput(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, o.RetryJob(ctx, "mystery", "job-1"), ErrInvalidInput)
	require.ErrorIs(t, o.RetryJob(ctx, QueueCalls, "missing"), ErrNotFound)
	require.ErrorIs(t, o.RemoveJob(ctx, QueueCalls, "missing"), ErrNotFound)

	job, err := o.EnqueueCall(ctx, testContact("9"))
	require.NoError(t, err)
	require.NoError(t, o.RemoveJob(ctx, QueueCalls, job.ID))
}

func TestOrchestrator_ShutdownIsIdempotentAndStopsIntake(t *testing.T) {
	o := newOrchestratorFixture(t)
	ctx := context.Background()

	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx), "second shutdown is a no-op")

	_, err := o.EnqueueCall(ctx, testContact("3"))
	require.Error(t, err, "enqueue after shutdown must fail")
}
