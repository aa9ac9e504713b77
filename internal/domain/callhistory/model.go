package callhistory

import (
	"time"

	crerr "github.com/cockroachdb/errors"
)

// AttemptStatus tracks one dispatch attempt. Transitions are monotonic:
// pending_initiation moves to initiated or failed exactly once and never
// back.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending_initiation"
	AttemptInitiated AttemptStatus = "initiated"
	AttemptFailed    AttemptStatus = "failed"
)

// AttemptRecord is the durable audit row created immediately before each
// external call attempt. Redelivered jobs create fresh records rather than
// reusing an old one, so the store sees at most one writer per row.
type AttemptRecord struct {
	ID            string        `db:"id"`
	TenantID      string        `db:"tenant_id"`
	AssistantID   string        `db:"assistant_id"`
	ContactName   string        `db:"contact_name"`
	ContactNumber string        `db:"contact_number"`
	Status        AttemptStatus `db:"status"`
	FailureReason string        `db:"failure_reason"`
	CreatedAt     time.Time     `db:"created_at"`
	CompletedAt   *time.Time    `db:"completed_at"`
}

// Transition moves the record to a terminal status. It rejects any move
// that would reverse a terminal state or re-enter pending.
func (r *AttemptRecord) Transition(to AttemptStatus, at time.Time, reason string) error {
	if to == AttemptPending {
		return crerr.Newf("attempt %s: cannot re-enter %s", r.ID, AttemptPending)
	}
	if r.Status != AttemptPending {
		return crerr.Newf("attempt %s: already terminal in %s", r.ID, r.Status)
	}
	if to != AttemptInitiated && to != AttemptFailed {
		return crerr.Newf("attempt %s: unknown status %s", r.ID, to)
	}

	r.Status = to
	at = at.UTC()
	r.CompletedAt = &at
	if to == AttemptFailed {
		r.FailureReason = reason
	}
	return nil
}

// CallRecord is an aggregated call-history row read back for reporting.
type CallRecord struct {
	TenantID    string    `db:"tenant_id"`
	AssistantID string    `db:"assistant_id"`
	Success     bool      `db:"success"`
	DurationSec float64   `db:"duration_sec"`
	Cost        float64   `db:"cost"`
	EndedReason string    `db:"ended_reason"`
	StartedAt   time.Time `db:"started_at"`
}
