package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	sonic "github.com/bytedance/sonic"

	"github.com/halovoice/campaigner/internal/domain/callhistory"
	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

// MaintenancePolicy tunes the cleanup and health-check jobs.
type MaintenancePolicy struct {
	// RecordRetention bounds how long call history rows are kept.
	RecordRetention time.Duration
	// QueueRetention bounds how long finished queue jobs are kept.
	QueueRetention time.Duration
	// CleanLimit caps removals per state per queue in one sweep.
	CleanLimit int
	// StuckActiveThreshold flags a wedged call queue.
	StuckActiveThreshold int
	// FailedThreshold flags an elevated failure count.
	FailedThreshold int
	// OperatorEmail receives health alerts.
	OperatorEmail string
}

func (p MaintenancePolicy) withDefaults() MaintenancePolicy {
	if p.RecordRetention <= 0 {
		p.RecordRetention = 30 * 24 * time.Hour
	}
	if p.QueueRetention <= 0 {
		p.QueueRetention = 24 * time.Hour
	}
	if p.CleanLimit <= 0 {
		p.CleanLimit = 100
	}
	if p.StuckActiveThreshold <= 0 {
		p.StuckActiveThreshold = 10
	}
	if p.FailedThreshold <= 0 {
		p.FailedThreshold = 50
	}
	return p
}

// MaintenanceService runs the recurring cleanup and health-check jobs.
type MaintenanceService struct {
	history   callhistory.Repository
	callQueue queue.Queue
	queues    []queue.Queue
	emails    queue.Queue
	policy    MaintenancePolicy
	logger    *logging.Logger
	now       func() time.Time
}

func NewMaintenanceService(
	history callhistory.Repository,
	callQueue queue.Queue,
	queues []queue.Queue,
	emails queue.Queue,
	policy MaintenancePolicy,
	logger *logging.Logger,
) *MaintenanceService {
	if logger == nil {
		logger = logging.Default()
	}
	return &MaintenanceService{
		history:   history,
		callQueue: callQueue,
		queues:    queues,
		emails:    emails,
		policy:    policy.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock injects a time source for tests.
func (s *MaintenanceService) WithClock(now func() time.Time) *MaintenanceService {
	if now != nil {
		s.now = now
	}
	return s
}

// RunCleanup deletes aged call-history rows and sweeps finished jobs off
// every queue. Partial failures are logged and the sweep continues.
func (s *MaintenanceService) RunCleanup(ctx context.Context) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.MaintenanceService.RunCleanup")
	defer span.End()

	cutoff := s.now().UTC().Add(-s.policy.RecordRetention)

	var firstErr error
	records, err := s.history.DeleteRecordsBefore(ctx, cutoff)
	if err != nil {
		firstErr = fmt.Errorf("delete aged call records: %w", err)
		s.logger.ErrorContext(ctx, "delete aged call records failed", "error", err)
	}
	attempts, err := s.history.DeleteAttemptsBefore(ctx, cutoff)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("delete aged call attempts: %w", err)
		}
		s.logger.ErrorContext(ctx, "delete aged call attempts failed", "error", err)
	}

	swept := 0
	for _, q := range s.queues {
		n, err := q.Clean(ctx, s.policy.QueueRetention, s.policy.CleanLimit)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep queue %s: %w", q.Name(), err)
			}
			s.logger.ErrorContext(ctx, "queue sweep failed", "queue", q.Name(), "error", err)
			continue
		}
		swept += n
	}

	s.logger.InfoContext(ctx, "cleanup finished",
		"records_deleted", records,
		"attempts_deleted", attempts,
		"queue_jobs_swept", swept)
	return firstErr
}

// RunHealthCheck snapshots queue depth and store reachability. Any alert
// produces exactly one operator email; a clean pass produces none.
func (s *MaintenanceService) RunHealthCheck(ctx context.Context) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.MaintenanceService.RunHealthCheck")
	defer span.End()

	counts, err := s.callQueue.Counts(ctx)
	if err != nil {
		return fmt.Errorf("read call queue counts: %w", err)
	}

	var alerts []string
	if counts.Active > s.policy.StuckActiveThreshold {
		alerts = append(alerts, fmt.Sprintf("call queue has %d active jobs, possible stuck workers", counts.Active))
	}
	if counts.Failed > s.policy.FailedThreshold {
		alerts = append(alerts, fmt.Sprintf("call queue has %d failed jobs, failure rate is elevated", counts.Failed))
	}
	if err := s.history.Ping(ctx); err != nil {
		alerts = append(alerts, fmt.Sprintf("call history store unreachable: %v", err))
	}

	if len(alerts) == 0 {
		s.logger.InfoContext(ctx, "health check passed",
			"active", counts.Active, "failed", counts.Failed)
		return nil
	}

	s.logger.WarnContext(ctx, "health check raised alerts",
		"alerts", len(alerts), "active", counts.Active, "failed", counts.Failed)

	if s.policy.OperatorEmail == "" {
		s.logger.WarnContext(ctx, "no operator email configured, alerts not delivered")
		return nil
	}

	msg := notification.EmailJob{
		Kind:    notification.KindOperatorAlert,
		To:      []string{s.policy.OperatorEmail},
		Subject: fmt.Sprintf("Campaigner health alert (%d issues)", len(alerts)),
		Text:    "Health check raised the following alerts:\n\n- " + strings.Join(alerts, "\n- "),
	}
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal operator alert: %w", err)
	}
	if _, err := s.emails.Enqueue(ctx, payload, queue.Options{}); err != nil {
		return fmt.Errorf("enqueue operator alert: %w", err)
	}
	return nil
}
