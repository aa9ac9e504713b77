package notification

// EmailKind tags the notification category for routing and logging.
type EmailKind string

const (
	KindDailyReport   EmailKind = "daily_report"
	KindWeeklyReport  EmailKind = "weekly_report"
	KindMonthlyReport EmailKind = "monthly_report"
	KindOperatorAlert EmailKind = "operator_alert"
)

// EmailJob is the payload handed to the email queue. Attachments are local
// file paths; when Cleanup is true the worker deletes them after the send
// resolves, success or not, so failed sends do not orphan report files.
type EmailJob struct {
	Kind        EmailKind `json:"kind"`
	TenantID    string    `json:"tenant_id,omitempty"`
	To          []string  `json:"to"`
	Subject     string    `json:"subject"`
	HTML        string    `json:"html,omitempty"`
	Text        string    `json:"text,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Cleanup     bool      `json:"cleanup"`
}
