package usecase

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	sonic "github.com/bytedance/sonic"

	"github.com/halovoice/campaigner/internal/domain/callhistory"
	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

// TenantDirectory resolves the tenants to report on and who receives
// their reports.
type TenantDirectory interface {
	TenantIDs(ctx context.Context) ([]string, error)
	ReportRecipients(ctx context.Context, tenantID string) ([]string, error)
}

// ArtifactWriter materializes a CSV breakdown and returns its path.
type ArtifactWriter interface {
	WriteCSV(name string, header []string, rows [][]string) (string, error)
}

const (
	dailyReportWindow   = 24 * time.Hour
	weeklyReportWindow  = 7 * 24 * time.Hour
	monthlyReportWindow = 30 * 24 * time.Hour
)

// ReportService builds the daily, weekly and monthly call reports and
// queues them for delivery. Report runs are idempotent over the same
// records: re-running a period produces identical aggregates.
type ReportService struct {
	history   callhistory.Repository
	tenants   TenantDirectory
	artifacts ArtifactWriter
	emails    queue.Queue
	logger    *logging.Logger
	now       func() time.Time
}

func NewReportService(
	history callhistory.Repository,
	tenants TenantDirectory,
	artifacts ArtifactWriter,
	emails queue.Queue,
	logger *logging.Logger,
) *ReportService {
	if logger == nil {
		logger = logging.Default()
	}
	return &ReportService{
		history:   history,
		tenants:   tenants,
		artifacts: artifacts,
		emails:    emails,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock injects a time source for tests.
func (s *ReportService) WithClock(now func() time.Time) *ReportService {
	if now != nil {
		s.now = now
	}
	return s
}

// RunDaily covers the trailing 24 hours. An empty tenantID fans out to
// every known tenant. Tenants with no calls still get a no-activity note.
func (s *ReportService) RunDaily(ctx context.Context, tenantID string) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.ReportService.RunDaily")
	defer span.End()

	return s.forEachTenant(ctx, tenantID, func(ctx context.Context, tenant string) error {
		end := s.now().UTC()
		start := end.Add(-dailyReportWindow)

		records, err := s.history.RecordsInRange(ctx, tenant, start, end)
		if err != nil {
			return fmt.Errorf("load daily records for tenant %s: %w", tenant, err)
		}
		stats := callhistory.Summarize(records)

		msg := notification.EmailJob{
			Kind:     notification.KindDailyReport,
			TenantID: tenant,
			Subject:  "Daily call report " + end.Format("2006-01-02"),
		}
		if stats.TotalCalls == 0 {
			msg.Text = "No call activity in the last 24 hours."
		} else {
			msg.Text = statsText(stats)
			msg.HTML = statsHTML("Daily call report", stats)
		}
		return s.queueReport(ctx, tenant, msg, stats)
	})
}

// RunWeekly covers the trailing 7 days grouped by calendar day, with a CSV
// breakdown attached.
func (s *ReportService) RunWeekly(ctx context.Context, tenantID string) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.ReportService.RunWeekly")
	defer span.End()

	return s.forEachTenant(ctx, tenantID, func(ctx context.Context, tenant string) error {
		end := s.now().UTC()
		start := end.Add(-weeklyReportWindow)

		records, err := s.history.RecordsInRange(ctx, tenant, start, end)
		if err != nil {
			return fmt.Errorf("load weekly records for tenant %s: %w", tenant, err)
		}
		stats := callhistory.Summarize(records)
		breakdown := groupRecords(records, dayKey)

		msg := notification.EmailJob{
			Kind:     notification.KindWeeklyReport,
			TenantID: tenant,
			Subject:  "Weekly call report " + end.Format("2006-01-02"),
			Text:     statsText(stats),
			HTML:     statsHTML("Weekly call report", stats),
		}
		if len(breakdown) > 0 {
			path, err := s.writeBreakdown("weekly-"+tenant, "day", breakdown)
			if err != nil {
				return err
			}
			msg.Attachments = []string{path}
			msg.Cleanup = true
		}
		return s.queueReport(ctx, tenant, msg, stats)
	})
}

// RunMonthly covers the trailing 30 days grouped by ISO week, with a CSV
// breakdown attached.
func (s *ReportService) RunMonthly(ctx context.Context, tenantID string) error {
	ctx, span := startUsecaseSpan(ctx, "usecase.ReportService.RunMonthly")
	defer span.End()

	return s.forEachTenant(ctx, tenantID, func(ctx context.Context, tenant string) error {
		end := s.now().UTC()
		start := end.Add(-monthlyReportWindow)

		records, err := s.history.RecordsInRange(ctx, tenant, start, end)
		if err != nil {
			return fmt.Errorf("load monthly records for tenant %s: %w", tenant, err)
		}
		stats := callhistory.Summarize(records)
		breakdown := groupRecords(records, isoWeekKey)

		msg := notification.EmailJob{
			Kind:     notification.KindMonthlyReport,
			TenantID: tenant,
			Subject:  "Monthly call report " + end.Format("2006-01-02"),
			Text:     statsText(stats),
			HTML:     statsHTML("Monthly call report", stats),
		}
		if len(breakdown) > 0 {
			path, err := s.writeBreakdown("monthly-"+tenant, "week", breakdown)
			if err != nil {
				return err
			}
			msg.Attachments = []string{path}
			msg.Cleanup = true
		}
		return s.queueReport(ctx, tenant, msg, stats)
	})
}

func (s *ReportService) forEachTenant(ctx context.Context, tenantID string, run func(context.Context, string) error) error {
	if tenantID != "" {
		return run(ctx, tenantID)
	}

	tenants, err := s.tenants.TenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range tenants {
		if err := run(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReportService) queueReport(ctx context.Context, tenant string, msg notification.EmailJob, stats callhistory.SummaryStats) error {
	recipients, err := s.tenants.ReportRecipients(ctx, tenant)
	if err != nil {
		return fmt.Errorf("resolve report recipients for tenant %s: %w", tenant, err)
	}
	if len(recipients) == 0 {
		s.logger.WarnContext(ctx, "tenant has no report recipients, skipping",
			"tenant_id", tenant, "kind", string(msg.Kind))
		return nil
	}
	msg.To = recipients

	payload, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s email: %w", msg.Kind, err)
	}
	if _, err := s.emails.Enqueue(ctx, payload, queue.Options{}); err != nil {
		return fmt.Errorf("enqueue %s email: %w", msg.Kind, err)
	}

	s.logger.InfoContext(ctx, "report queued",
		"kind", string(msg.Kind),
		"tenant_id", tenant,
		"total_calls", stats.TotalCalls,
		"success_rate", stats.SuccessRate)
	return nil
}

type periodStats struct {
	Period string
	Stats  callhistory.SummaryStats
}

// groupRecords buckets records by the key function and aggregates each
// bucket, returning buckets in period order.
func groupRecords(records []callhistory.CallRecord, key func(time.Time) string) []periodStats {
	buckets := make(map[string][]callhistory.CallRecord)
	for _, rec := range records {
		k := key(rec.StartedAt.UTC())
		buckets[k] = append(buckets[k], rec)
	}

	out := make([]periodStats, 0, len(buckets))
	for k, recs := range buckets {
		out = append(out, periodStats{Period: k, Stats: callhistory.Summarize(recs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func isoWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func (s *ReportService) writeBreakdown(name, periodLabel string, breakdown []periodStats) (string, error) {
	header := []string{periodLabel, "total_calls", "successful_calls", "success_rate", "total_duration_sec", "total_cost"}
	rows := make([][]string, 0, len(breakdown))
	for _, p := range breakdown {
		rows = append(rows, []string{
			p.Period,
			strconv.Itoa(p.Stats.TotalCalls),
			strconv.Itoa(p.Stats.SuccessfulCalls),
			strconv.FormatFloat(p.Stats.SuccessRate, 'f', 1, 64),
			strconv.FormatFloat(p.Stats.TotalDurationS, 'f', -1, 64),
			strconv.FormatFloat(p.Stats.TotalCost, 'f', -1, 64),
		})
	}

	path, err := s.artifacts.WriteCSV(name, header, rows)
	if err != nil {
		return "", fmt.Errorf("write %s breakdown: %w", name, err)
	}
	return path, nil
}

func statsText(stats callhistory.SummaryStats) string {
	return fmt.Sprintf(
		"Total calls: %d\nSuccessful calls: %d\nSuccess rate: %.1f%%\nTotal duration: %.0fs\nTotal cost: %.2f",
		stats.TotalCalls, stats.SuccessfulCalls, stats.SuccessRate, stats.TotalDurationS, stats.TotalCost)
}

func statsHTML(title string, stats callhistory.SummaryStats) string {
	return fmt.Sprintf(
		"<h2>%s</h2><ul><li>Total calls: %d</li><li>Successful calls: %d</li><li>Success rate: %.1f%%</li><li>Total duration: %.0fs</li><li>Total cost: %.2f</li></ul>",
		title, stats.TotalCalls, stats.SuccessfulCalls, stats.SuccessRate, stats.TotalDurationS, stats.TotalCost)
}
