package usecase

import (
	"context"
	"time"

	sonic "github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/halovoice/campaigner/internal/domain/callhistory"
	"github.com/halovoice/campaigner/internal/domain/campaign"
	"github.com/halovoice/campaigner/internal/domain/schedule"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

// ScheduleProvider resolves the weekly call-hour schedule for a tenant.
type ScheduleProvider interface {
	WeeklySchedule(ctx context.Context, tenantID string) (schedule.WeeklySchedule, error)
}

// VoicePlacement is one outbound call request handed to the voice provider.
type VoicePlacement struct {
	TenantID    string
	AssistantID string
	Contact     campaign.Contact
}

// VoicePlacementResult reports the provider-side identity of a placed call.
type VoicePlacementResult struct {
	ProviderCallID string
}

// VoiceProvider is the outbound calling service. PlaceCall failures should
// be DispatchError values so the state machine can branch on the kind.
type VoiceProvider interface {
	IsBusy(ctx context.Context, tenantID string) (bool, error)
	PlaceCall(ctx context.Context, req VoicePlacement) (VoicePlacementResult, error)
}

// DispatchPolicy tunes the call dispatch state machine.
type DispatchPolicy struct {
	// BusyRetryDelay postpones a contact while the tenant line is busy.
	// Busy re-enqueues do not consume retry attempts.
	BusyRetryDelay time.Duration
	// MinScheduleDelay floors the wait for the next call-hour window.
	MinScheduleDelay time.Duration
}

func (c DispatchPolicy) withDefaults() DispatchPolicy {
	if c.BusyRetryDelay <= 0 {
		c.BusyRetryDelay = 15 * time.Second
	}
	if c.MinScheduleDelay <= 0 {
		c.MinScheduleDelay = time.Minute
	}
	return c
}

// DispatchService drives one call job from lease to outcome: window check,
// busy check, attempt audit row, placement, classification.
type DispatchService struct {
	schedules ScheduleProvider
	voice     VoiceProvider
	history   callhistory.Repository
	calls     queue.Queue
	cfg       DispatchPolicy
	logger    *logging.Logger
	now       func() time.Time
}

func NewDispatchService(
	schedules ScheduleProvider,
	voice VoiceProvider,
	history callhistory.Repository,
	calls queue.Queue,
	cfg DispatchPolicy,
	logger *logging.Logger,
) *DispatchService {
	if logger == nil {
		logger = logging.Default()
	}
	return &DispatchService{
		schedules: schedules,
		voice:     voice,
		history:   history,
		calls:     calls,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock injects a time source for tests.
func (s *DispatchService) WithClock(now func() time.Time) *DispatchService {
	if now != nil {
		s.now = now
	}
	return s
}

// Handle is the call-queue handler. Returning nil acknowledges the job;
// window misses and busy lines re-enqueue a fresh job and acknowledge the
// current one, so neither consumes retry attempts nor writes an attempt row.
func (s *DispatchService) Handle(ctx context.Context, job queue.Job) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.DispatchService.Handle")
	defer span.End()

	var call campaign.CallJob
	if err := sonic.Unmarshal(job.Payload, &call); err != nil {
		return queue.Discard(NewDispatchError(DispatchConfig, err))
	}
	if err := call.Normalize(); err != nil {
		return queue.Discard(NewDispatchError(DispatchConfig, err))
	}

	now := s.now().UTC()

	ws, err := s.schedules.WeeklySchedule(ctx, call.TenantID)
	if err != nil {
		return NewDispatchError(DispatchTransient, err)
	}

	if _, ok := schedule.CurrentSlot(ws, call.AssistantID, now); !ok {
		delay, scheduled := schedule.DelayUntil(ws, call.AssistantID, now)
		if !scheduled {
			s.logger.WarnContext(ctx, "assistant has no call hours configured",
				"tenant_id", call.TenantID, "assistant_id", call.AssistantID)
			return queue.Discard(NewDispatchError(DispatchConfig, ErrInvalidInput))
		}
		if delay < s.cfg.MinScheduleDelay {
			delay = s.cfg.MinScheduleDelay
		}
		return s.reEnqueue(ctx, job, call, delay, "outside call hours")
	}

	busy, err := s.voice.IsBusy(ctx, call.TenantID)
	if err != nil {
		return NewDispatchError(DispatchTransient, err)
	}
	if busy {
		return s.reEnqueue(ctx, job, call, s.cfg.BusyRetryDelay, "line busy")
	}

	attempt := callhistory.AttemptRecord{
		ID:            uuid.NewString(),
		TenantID:      call.TenantID,
		AssistantID:   call.AssistantID,
		ContactName:   call.Contact.Name,
		ContactNumber: call.Contact.Number,
		Status:        callhistory.AttemptPending,
		CreatedAt:     now,
	}
	if err := s.history.InsertAttempt(ctx, attempt); err != nil {
		return NewDispatchError(DispatchTransient, err)
	}

	result, placeErr := s.voice.PlaceCall(ctx, VoicePlacement{
		TenantID:    call.TenantID,
		AssistantID: call.AssistantID,
		Contact:     call.Contact,
	})
	completedAt := s.now().UTC()

	if placeErr == nil {
		if err := attempt.Transition(callhistory.AttemptInitiated, completedAt, ""); err != nil {
			return err
		}
		if err := s.history.UpdateAttempt(ctx, attempt); err != nil {
			s.logger.ErrorContext(ctx, "record initiated attempt failed",
				"attempt_id", attempt.ID, "error", err)
		}
		s.logger.InfoContext(ctx, "call initiated",
			"tenant_id", call.TenantID,
			"assistant_id", call.AssistantID,
			"provider_call_id", result.ProviderCallID,
			"attempt_id", attempt.ID)
		return nil
	}

	if err := attempt.Transition(callhistory.AttemptFailed, completedAt, placeErr.Error()); err != nil {
		return err
	}
	if err := s.history.UpdateAttempt(ctx, attempt); err != nil {
		s.logger.ErrorContext(ctx, "record failed attempt failed",
			"attempt_id", attempt.ID, "error", err)
	}

	de, ok := AsDispatchError(placeErr)
	if !ok {
		// Unclassified failures get the retry policy.
		de = NewDispatchError(DispatchTransient, placeErr)
	}
	s.logger.WarnContext(ctx, "call placement failed",
		"tenant_id", call.TenantID,
		"attempt_id", attempt.ID,
		"kind", string(de.Kind),
		"error", placeErr)
	if de.Retryable() {
		return de
	}
	return queue.Discard(de)
}

func (s *DispatchService) reEnqueue(ctx context.Context, job queue.Job, call campaign.CallJob, delay time.Duration, reason string) error {
	_, err := s.calls.Enqueue(ctx, job.Payload, queue.Options{
		Priority:    job.Priority,
		Delay:       delay,
		MaxAttempts: job.MaxAttempts,
		Backoff:     job.Backoff,
	})
	if err != nil {
		// Keep the lease failing so the broker redelivers; the contact must
		// not be lost.
		return NewDispatchError(DispatchTransient, err)
	}
	s.logger.InfoContext(ctx, "call postponed",
		"tenant_id", call.TenantID,
		"assistant_id", call.AssistantID,
		"reason", reason,
		"delay", delay.String())
	return nil
}
