package email

import (
	"context"
	"strings"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/mailgun/mailgun-go/v4"

	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/logging"
)

// MailgunConfig holds the Mailgun credentials and sender identity.
type MailgunConfig struct {
	Domain  string
	APIKey  string
	From    string
	Timeout time.Duration
}

func (c MailgunConfig) validate() error {
	if strings.TrimSpace(c.Domain) == "" || strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.From) == "" {
		return crerr.New("mailgun domain, api key and from address are required")
	}
	return nil
}

// MailgunSender delivers notification emails through Mailgun.
type MailgunSender struct {
	mg      *mailgun.MailgunImpl
	from    string
	timeout time.Duration
	logger  *logging.Logger
}

func NewMailgunSender(cfg MailgunConfig, logger *logging.Logger) (*MailgunSender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &MailgunSender{
		mg:      mailgun.NewMailgun(cfg.Domain, cfg.APIKey),
		from:    cfg.From,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (s *MailgunSender) Send(ctx context.Context, msg notification.EmailJob) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	message := s.mg.NewMessage(s.from, msg.Subject, msg.Text, msg.To...)
	if msg.HTML != "" {
		message.SetHtml(msg.HTML)
	}
	for _, path := range msg.Attachments {
		message.AddAttachment(path)
	}

	_, id, err := s.mg.Send(ctx, message)
	if err != nil {
		return crerr.Wrapf(err, "send %s email via mailgun", msg.Kind)
	}

	s.logger.InfoContext(ctx, "email queued at mailgun",
		"kind", string(msg.Kind), "message_id", id)
	return nil
}
