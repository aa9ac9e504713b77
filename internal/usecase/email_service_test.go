package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	sonic "github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

type flakyEmailGateway struct {
	err  error
	sent []notification.EmailJob
}

func (f *flakyEmailGateway) Send(_ context.Context, msg notification.EmailJob) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func emailJobPayload(t *testing.T, msg notification.EmailJob) queue.Job {
	t.Helper()
	payload, err := sonic.Marshal(msg)
	require.NoError(t, err)
	return queue.Job{ID: "email-1", Queue: "emails", Payload: payload}
}

func tempAttachment(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("day,total\n"), 0o644))
	return path
}

func TestEmail_SendsAndCleansUpAttachment(t *testing.T) {
	gateway := &flakyEmailGateway{}
	svc := NewEmailService(gateway, logging.NewNop())

	path := tempAttachment(t)
	job := emailJobPayload(t, notification.EmailJob{
		Kind:        notification.KindWeeklyReport,
		To:          []string{"ops@tenant.example"},
		Subject:     "Weekly report",
		Text:        "totals inside",
		Attachments: []string{path},
		Cleanup:     true,
	})

	require.NoError(t, svc.Handle(context.Background(), job))
	require.Len(t, gateway.sent, 1)
	require.Equal(t, []string{path}, gateway.sent[0].Attachments)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "attachment must be removed after delivery")
}

func TestEmail_FailedSendStillCleansUpAttachment(t *testing.T) {
	gateway := &flakyEmailGateway{err: errors.New("mailgun unavailable")}
	svc := NewEmailService(gateway, logging.NewNop())

	path := tempAttachment(t)
	job := emailJobPayload(t, notification.EmailJob{
		Kind:        notification.KindMonthlyReport,
		To:          []string{"ops@tenant.example"},
		Subject:     "Monthly report",
		Attachments: []string{path},
		Cleanup:     true,
	})

	require.Error(t, svc.Handle(context.Background(), job))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "failed sends must not orphan report files")
}

func TestEmail_MissingAttachmentSendsWithoutIt(t *testing.T) {
	gateway := &flakyEmailGateway{}
	svc := NewEmailService(gateway, logging.NewNop())

	job := emailJobPayload(t, notification.EmailJob{
		Kind:        notification.KindWeeklyReport,
		To:          []string{"ops@tenant.example"},
		Subject:     "Weekly report",
		Attachments: []string{"/nonexistent/report.csv"},
		Cleanup:     true,
	})

	require.NoError(t, svc.Handle(context.Background(), job))
	require.Len(t, gateway.sent, 1)
	require.Empty(t, gateway.sent[0].Attachments)
}

func TestEmail_NoRecipientsDiscards(t *testing.T) {
	svc := NewEmailService(&flakyEmailGateway{}, logging.NewNop())

	err := svc.Handle(context.Background(), emailJobPayload(t, notification.EmailJob{
		Kind:    notification.KindOperatorAlert,
		Subject: "alert",
	}))
	require.Error(t, err)
	require.True(t, queue.IsDiscard(err))
}

func TestEmail_MalformedPayloadDiscards(t *testing.T) {
	svc := NewEmailService(&flakyEmailGateway{}, logging.NewNop())

	err := svc.Handle(context.Background(), queue.Job{ID: "bad", Payload: []byte(`{"to":`)})
	require.Error(t, err)
	require.True(t, queue.IsDiscard(err))
}
