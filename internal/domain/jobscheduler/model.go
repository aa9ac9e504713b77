package jobscheduler

// JobKind enumerates the recurring maintenance and reporting jobs.
type JobKind string

const (
	KindDailyReport   JobKind = "daily_report"
	KindWeeklyReport  JobKind = "weekly_report"
	KindMonthlyReport JobKind = "monthly_report"
	KindCleanup       JobKind = "cleanup"
	KindHealthCheck   JobKind = "health_check"
)

// Job is the payload on the scheduler queue. TenantID narrows report jobs
// to one tenant; empty means all tenants.
type Job struct {
	Kind     JobKind `json:"kind"`
	TenantID string  `json:"tenant_id,omitempty"`
}

// DefaultCron returns the process-start schedule for each kind.
func DefaultCron(kind JobKind) (string, bool) {
	switch kind {
	case KindDailyReport:
		return "0 6 * * *", true
	case KindWeeklyReport:
		return "0 8 * * 0", true
	case KindMonthlyReport:
		return "0 9 1 * *", true
	case KindCleanup:
		return "0 2 * * *", true
	case KindHealthCheck:
		return "*/30 * * * *", true
	default:
		return "", false
	}
}

// AllKinds lists every recurring job registered at startup.
func AllKinds() []JobKind {
	return []JobKind{
		KindDailyReport,
		KindWeeklyReport,
		KindMonthlyReport,
		KindCleanup,
		KindHealthCheck,
	}
}

func (k JobKind) Valid() bool {
	_, ok := DefaultCron(k)
	return ok
}
