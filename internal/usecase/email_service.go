package usecase

import (
	"context"
	"os"

	sonic "github.com/bytedance/sonic"

	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

// EmailGateway delivers one outbound email.
type EmailGateway interface {
	Send(ctx context.Context, msg notification.EmailJob) error
}

// EmailService is the email-queue worker.
type EmailService struct {
	gateway EmailGateway
	logger  *logging.Logger
}

func NewEmailService(gateway EmailGateway, logger *logging.Logger) *EmailService {
	if logger == nil {
		logger = logging.Default()
	}
	return &EmailService{gateway: gateway, logger: logger}
}

// Handle sends one queued email. Attachment files flagged for cleanup are
// removed once the send resolves, success or not; a redelivered job with
// missing files sends without them rather than failing forever.
func (s *EmailService) Handle(ctx context.Context, job queue.Job) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.EmailService.Handle")
	defer span.End()

	var msg notification.EmailJob
	if err := sonic.Unmarshal(job.Payload, &msg); err != nil {
		return queue.Discard(err)
	}
	if len(msg.To) == 0 {
		s.logger.WarnContext(ctx, "email job has no recipients", "kind", string(msg.Kind))
		return queue.Discard(ErrInvalidInput)
	}

	msg.Attachments = s.pruneMissingAttachments(ctx, msg.Attachments)
	if msg.Cleanup {
		defer s.cleanupAttachments(ctx, msg.Attachments)
	}

	if err := s.gateway.Send(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "email send failed",
			"kind", string(msg.Kind),
			"tenant_id", msg.TenantID,
			"recipients", len(msg.To),
			"error", err)
		return err
	}

	s.logger.InfoContext(ctx, "email sent",
		"kind", string(msg.Kind),
		"tenant_id", msg.TenantID,
		"recipients", len(msg.To),
		"attachments", len(msg.Attachments))
	return nil
}

func (s *EmailService) pruneMissingAttachments(ctx context.Context, paths []string) []string {
	out := paths[:0]
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			s.logger.WarnContext(ctx, "attachment missing, sending without it",
				"path", path, "error", err)
			continue
		}
		out = append(out, path)
	}
	return out
}

func (s *EmailService) cleanupAttachments(ctx context.Context, paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WarnContext(ctx, "remove attachment failed", "path", path, "error", err)
		}
	}
}
