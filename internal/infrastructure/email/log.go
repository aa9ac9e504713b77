package email

import (
	"context"

	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/logging"
)

// LogSender is the dev-mode gateway: it logs the message instead of
// delivering it, so the email pipeline runs without Mailgun credentials.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg notification.EmailJob) error {
	s.logger.InfoContext(ctx, "email delivery skipped (log sender)",
		"kind", string(msg.Kind),
		"to", msg.To,
		"subject", msg.Subject,
		"attachments", len(msg.Attachments))
	return nil
}
