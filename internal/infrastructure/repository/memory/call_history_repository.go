package memory

import (
	"context"
	"sync"
	"time"

	crerr "github.com/cockroachdb/errors"

	"github.com/halovoice/campaigner/internal/domain/callhistory"
)

// CallHistoryRepository keeps everything in slices behind one mutex. It
// backs tests and local development.
type CallHistoryRepository struct {
	mu       sync.Mutex
	attempts map[string]callhistory.AttemptRecord
	records  []callhistory.CallRecord
	pingErr  error
}

func NewCallHistoryRepository() *CallHistoryRepository {
	return &CallHistoryRepository{
		attempts: make(map[string]callhistory.AttemptRecord),
	}
}

func (r *CallHistoryRepository) InsertAttempt(_ context.Context, rec callhistory.AttemptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[rec.ID]; ok {
		return crerr.Newf("attempt %s already exists", rec.ID)
	}
	r.attempts[rec.ID] = rec
	return nil
}

func (r *CallHistoryRepository) UpdateAttempt(_ context.Context, rec callhistory.AttemptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[rec.ID]; !ok {
		return crerr.Newf("attempt %s not found", rec.ID)
	}
	r.attempts[rec.ID] = rec
	return nil
}

func (r *CallHistoryRepository) InsertRecord(_ context.Context, rec callhistory.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *CallHistoryRepository) RecordsInRange(_ context.Context, tenantID string, start, end time.Time) ([]callhistory.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]callhistory.CallRecord, 0)
	for _, rec := range r.records {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		if !rec.StartedAt.After(start) || !rec.StartedAt.Before(end) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *CallHistoryRepository) DeleteRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.records[:0]
	var removed int64
	for _, rec := range r.records {
		if rec.StartedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return removed, nil
}

func (r *CallHistoryRepository) DeleteAttemptsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, rec := range r.attempts {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.attempts, id)
			removed++
		}
	}
	return removed, nil
}

func (r *CallHistoryRepository) Ping(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

// SetPingError makes Ping fail; tests use it to exercise health alerts.
func (r *CallHistoryRepository) SetPingError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingErr = err
}

// Attempts returns a snapshot of stored attempt rows for assertions.
func (r *CallHistoryRepository) Attempts() []callhistory.AttemptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]callhistory.AttemptRecord, 0, len(r.attempts))
	for _, rec := range r.attempts {
		out = append(out, rec)
	}
	return out
}
