package callhistory

import (
	"context"
	"time"
)

// Repository persists attempt audit rows and aggregated call records.
// Range reads use an exclusive projection on both ends: start < t < end.
type Repository interface {
	InsertAttempt(ctx context.Context, rec AttemptRecord) error
	UpdateAttempt(ctx context.Context, rec AttemptRecord) error
	InsertRecord(ctx context.Context, rec CallRecord) error
	// RecordsInRange returns records for one tenant, or every tenant when
	// tenantID is empty, ordered by start time.
	RecordsInRange(ctx context.Context, tenantID string, start, end time.Time) ([]CallRecord, error)
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}
