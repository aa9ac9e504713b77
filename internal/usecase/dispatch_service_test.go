package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	sonic "github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	memorybroker "github.com/halovoice/campaigner/internal/infrastructure/broker/memory"
	memoryrepo "github.com/halovoice/campaigner/internal/infrastructure/repository/memory"

	"github.com/halovoice/campaigner/internal/domain/callhistory"
	"github.com/halovoice/campaigner/internal/domain/campaign"
	"github.com/halovoice/campaigner/internal/domain/schedule"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

// Monday 2026-03-02, 10:00 UTC sits inside the 09:00-17:00 weekday window.
var dispatchNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeScheduleProvider struct {
	ws  schedule.WeeklySchedule
	err error
}

func (f *fakeScheduleProvider) WeeklySchedule(context.Context, string) (schedule.WeeklySchedule, error) {
	return f.ws, f.err
}

type fakeVoice struct {
	busy     bool
	busyErr  error
	placeErr error
	placed   []VoicePlacement
}

func (f *fakeVoice) IsBusy(context.Context, string) (bool, error) {
	return f.busy, f.busyErr
}

func (f *fakeVoice) PlaceCall(_ context.Context, req VoicePlacement) (VoicePlacementResult, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return VoicePlacementResult{}, f.placeErr
	}
	return VoicePlacementResult{ProviderCallID: "call-123"}, nil
}

func businessHours() schedule.WeeklySchedule {
	window := schedule.Window{Start: "09:00", End: "17:00"}
	ws := schedule.WeeklySchedule{}
	for _, day := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		ws[day] = map[string]schedule.Slot{
			"office": {AssistantID: "asst-1", Window: window},
		}
	}
	return ws
}

type dispatchFixture struct {
	svc   *DispatchService
	voice *fakeVoice
	repo  *memoryrepo.CallHistoryRepository
	calls queue.Queue
}

func newDispatchFixture(t *testing.T, schedules ScheduleProvider, voice *fakeVoice) dispatchFixture {
	t.Helper()

	broker := memorybroker.NewBroker(logging.NewNop(),
		memorybroker.WithClock(func() time.Time { return dispatchNow }))
	t.Cleanup(func() { _ = broker.Close() })
	calls := broker.Queue("calls")

	repo := memoryrepo.NewCallHistoryRepository()
	svc := NewDispatchService(schedules, voice, repo, calls, DispatchPolicy{}, logging.NewNop()).
		WithClock(func() time.Time { return dispatchNow })
	return dispatchFixture{svc: svc, voice: voice, repo: repo, calls: calls}
}

func callJobPayload(t *testing.T) queue.Job {
	t.Helper()
	payload, err := sonic.Marshal(campaign.CallJob{
		TenantID:    "tenant-1",
		AssistantID: "asst-1",
		Contact:     campaign.Contact{Name: "Ada", Number: "+15550100"},
		Priority:    1.0,
	})
	require.NoError(t, err)
	return queue.Job{ID: "job-1", Queue: "calls", Payload: payload, Priority: 1.0, MaxAttempts: 3, Backoff: 5 * time.Second}
}

func TestDispatch_PlacesCallInsideWindow(t *testing.T) {
	voice := &fakeVoice{}
	fx := newDispatchFixture(t, &fakeScheduleProvider{ws: businessHours()}, voice)

	require.NoError(t, fx.svc.Handle(context.Background(), callJobPayload(t)))

	require.Len(t, voice.placed, 1)
	require.Equal(t, "tenant-1", voice.placed[0].TenantID)

	attempts := fx.repo.Attempts()
	require.Len(t, attempts, 1)
	require.Equal(t, callhistory.AttemptInitiated, attempts[0].Status)
	require.NotNil(t, attempts[0].CompletedAt)
}

func TestDispatch_BusyLineReEnqueuesWithoutAttemptRecord(t *testing.T) {
	voice := &fakeVoice{busy: true}
	fx := newDispatchFixture(t, &fakeScheduleProvider{ws: businessHours()}, voice)

	require.NoError(t, fx.svc.Handle(context.Background(), callJobPayload(t)))

	require.Empty(t, voice.placed)
	require.Empty(t, fx.repo.Attempts(), "busy re-enqueue must not write an attempt row")

	delayed, err := fx.calls.ListByState(context.Background(), queue.StateDelayed, 10)
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	require.True(t, delayed[0].ReadyAt.Equal(dispatchNow.Add(15*time.Second)),
		"busy retry waits the fixed 15s, got ready at %s", delayed[0].ReadyAt)
	require.Equal(t, 1.0, delayed[0].Priority, "priority survives the re-enqueue")
}

func TestDispatch_OutsideWindowPostponesToNextSlot(t *testing.T) {
	voice := &fakeVoice{}
	fx := newDispatchFixture(t, &fakeScheduleProvider{ws: businessHours()}, voice)

	// Monday 18:00 is past close; the next slot opens Tuesday 09:00.
	evening := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	fx.svc.WithClock(func() time.Time { return evening })

	require.NoError(t, fx.svc.Handle(context.Background(), callJobPayload(t)))

	require.Empty(t, voice.placed)
	require.Empty(t, fx.repo.Attempts())

	delayed, err := fx.calls.ListByState(context.Background(), queue.StateDelayed, 10)
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	// The broker clock still reads dispatchNow, so ReadyAt is anchored there.
	require.True(t, delayed[0].ReadyAt.Equal(dispatchNow.Add(15*time.Hour)),
		"expected a 15h postponement, got ready at %s", delayed[0].ReadyAt)
}

func TestDispatch_NeverScheduledAssistantDiscards(t *testing.T) {
	voice := &fakeVoice{}
	fx := newDispatchFixture(t, &fakeScheduleProvider{ws: schedule.WeeklySchedule{}}, voice)

	err := fx.svc.Handle(context.Background(), callJobPayload(t))
	require.Error(t, err)
	require.True(t, queue.IsDiscard(err), "config errors must not retry")

	de, ok := AsDispatchError(err)
	require.True(t, ok)
	require.Equal(t, DispatchConfig, de.Kind)
	require.Empty(t, fx.repo.Attempts())
}

func TestDispatch_ThrottledFailureRetriesAndRecordsAttempt(t *testing.T) {
	voice := &fakeVoice{placeErr: NewDispatchError(DispatchThrottled, errors.New("rate limited"))}
	fx := newDispatchFixture(t, &fakeScheduleProvider{ws: businessHours()}, voice)

	err := fx.svc.Handle(context.Background(), callJobPayload(t))
	require.Error(t, err)
	require.False(t, queue.IsDiscard(err), "throttled failures retry via backoff")

	attempts := fx.repo.Attempts()
	require.Len(t, attempts, 1)
	require.Equal(t, callhistory.AttemptFailed, attempts[0].Status)
	require.Contains(t, attempts[0].FailureReason, "rate limited")
}

func TestDispatch_PermanentFailureDiscards(t *testing.T) {
	voice := &fakeVoice{placeErr: NewDispatchError(DispatchPermanent, errors.New("number rejected"))}
	fx := newDispatchFixture(t, &fakeScheduleProvider{ws: businessHours()}, voice)

	err := fx.svc.Handle(context.Background(), callJobPayload(t))
	require.Error(t, err)
	require.True(t, queue.IsDiscard(err))

	attempts := fx.repo.Attempts()
	require.Len(t, attempts, 1)
	require.Equal(t, callhistory.AttemptFailed, attempts[0].Status)
}

func TestDispatch_MalformedPayloadDiscards(t *testing.T) {
	fx := newDispatchFixture(t, &fakeScheduleProvider{ws: businessHours()}, &fakeVoice{})

	err := fx.svc.Handle(context.Background(), queue.Job{ID: "bad", Payload: []byte(`{"tenant_id":`)})
	require.Error(t, err)
	require.True(t, queue.IsDiscard(err))
}

func TestDispatch_ScheduleLookupFailureRetries(t *testing.T) {
	fx := newDispatchFixture(t, &fakeScheduleProvider{err: errors.New("directory down")}, &fakeVoice{})

	err := fx.svc.Handle(context.Background(), callJobPayload(t))
	require.Error(t, err)
	require.False(t, queue.IsDiscard(err))
	require.Empty(t, fx.repo.Attempts())
}
