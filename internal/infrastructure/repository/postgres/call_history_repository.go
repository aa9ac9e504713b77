package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/halovoice/campaigner/internal/domain/callhistory"
)

type CallHistoryRepository struct {
	db *sqlx.DB
}

func NewCallHistoryRepository(db *sqlx.DB) *CallHistoryRepository {
	return &CallHistoryRepository{db: db}
}

func (r *CallHistoryRepository) InsertAttempt(ctx context.Context, rec callhistory.AttemptRecord) error {
	const query = `INSERT INTO call_attempts
(id, tenant_id, assistant_id, contact_name, contact_number, status, failure_reason, created_at, completed_at)
VALUES (:id, :tenant_id, :assistant_id, :contact_name, :contact_number, :status, :failure_reason, :created_at, :completed_at)`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("insert call attempt id=%s: %w", rec.ID, err)
	}
	return nil
}

func (r *CallHistoryRepository) UpdateAttempt(ctx context.Context, rec callhistory.AttemptRecord) error {
	const query = `UPDATE call_attempts
SET status = :status, failure_reason = :failure_reason, completed_at = :completed_at
WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("update call attempt id=%s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call attempt id=%s rows affected: %w", rec.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update call attempt id=%s: attempt not found", rec.ID)
	}
	return nil
}

func (r *CallHistoryRepository) InsertRecord(ctx context.Context, rec callhistory.CallRecord) error {
	const query = `INSERT INTO call_records
(tenant_id, assistant_id, success, duration_sec, cost, ended_reason, started_at)
VALUES (:tenant_id, :assistant_id, :success, :duration_sec, :cost, :ended_reason, :started_at)`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("insert call record tenant=%s: %w", rec.TenantID, err)
	}
	return nil
}

func (r *CallHistoryRepository) RecordsInRange(ctx context.Context, tenantID string, start, end time.Time) ([]callhistory.CallRecord, error) {
	query := `SELECT tenant_id, assistant_id, success, duration_sec, cost, ended_reason, started_at
FROM call_records
WHERE started_at > $1 AND started_at < $2`
	args := []any{start.UTC(), end.UTC()}
	if tenantID != "" {
		query += ` AND tenant_id = $3`
		args = append(args, tenantID)
	}
	query += ` ORDER BY started_at`

	records := make([]callhistory.CallRecord, 0)
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("select call records tenant=%q range=[%s, %s]: %w", tenantID, start, end, err)
	}
	return records, nil
}

func (r *CallHistoryRepository) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM call_records WHERE started_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete call records before %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}

func (r *CallHistoryRepository) DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM call_attempts WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete call attempts before %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}

func (r *CallHistoryRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping call history store: %w", err)
	}
	return nil
}
