package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	sonic "github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"

	"github.com/halovoice/campaigner/internal/domain/campaign"
	"github.com/halovoice/campaigner/internal/domain/jobscheduler"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
	"github.com/halovoice/campaigner/internal/usecase"
)

// StorePinger reports call-history store reachability for the health probe.
type StorePinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	orchestrator *usecase.Orchestrator
	store        StorePinger
	logger       *logging.Logger
	validator    *validator.Validate
}

func NewHandler(orchestrator *usecase.Orchestrator, store StorePinger, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}

	return &Handler{
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
		validator:    validator.New(),
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.Healthz")
	defer span.End()

	health := healthzDTO{Status: "ok", Broker: "ok", Store: "ok"}
	if err := h.orchestrator.Ping(ctx); err != nil {
		health.Status = "degraded"
		health.Broker = err.Error()
	}
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			health.Status = "degraded"
			health.Store = err.Error()
		}
	}
	if stats, err := h.orchestrator.Stats(ctx); err == nil {
		health.Queues = stats.Queues
	} else {
		health.Status = "degraded"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(ctx, w, status, googleResponseEnvelope{APIVersion: googleAPIVersion, Data: health})
}

// EnqueueCampaignCalls accepts a contact batch for one assistant and queues
// the dials with staggered start times.
func (h *Handler) EnqueueCampaignCalls(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.EnqueueCampaignCalls")
	defer span.End()

	var req enqueueCallsRequest
	decoder := sonic.ConfigDefault.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(ctx, w, fmt.Errorf("%w: invalid JSON payload: %v", usecase.ErrInvalidInput, err))
		return
	}
	if err := h.validateRequest(ctx, req); err != nil {
		writeError(ctx, w, err)
		return
	}

	calls := make([]campaign.CallJob, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		calls = append(calls, campaign.CallJob{
			TenantID:    req.TenantID,
			AssistantID: req.AssistantID,
			Contact:     campaign.Contact{Name: c.Name, Number: c.Number},
			Priority:    req.Priority,
			Delay:       req.DelayMS,
			Meta:        campaign.CallMeta{Source: "api"},
		})
	}

	jobs, err := h.orchestrator.EnqueueCallsBulk(ctx, calls)
	if err != nil {
		h.logger.WarnContext(ctx, "bulk call enqueue failed",
			"tenant_id", req.TenantID, "contacts", len(req.Contacts), "error", err)
		writeError(ctx, w, err)
		return
	}

	resp := enqueueCallsResponse{Queued: len(jobs)}
	if len(jobs) > 0 {
		resp.EstimatedStart = jobs[0].ReadyAt.UTC().Format(time.RFC3339)
		for _, job := range jobs {
			resp.JobIDs = append(resp.JobIDs, job.ID)
		}
	}
	writeSuccess(ctx, w, http.StatusAccepted, resp)
}

func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.GetQueueStats")
	defer span.End()

	stats, err := h.orchestrator.Stats(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "queue stats failed", "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusOK, stats)
}

func (h *Handler) PauseCallQueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.PauseCallQueue")
	defer span.End()

	if err := h.orchestrator.PauseCalls(ctx); err != nil {
		h.logger.ErrorContext(ctx, "pause call queue failed", "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusOK, queueActionDTO{Queue: usecase.QueueCalls, Action: "paused"})
}

func (h *Handler) ResumeCallQueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.ResumeCallQueue")
	defer span.End()

	if err := h.orchestrator.ResumeCalls(ctx); err != nil {
		h.logger.ErrorContext(ctx, "resume call queue failed", "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusOK, queueActionDTO{Queue: usecase.QueueCalls, Action: "resumed"})
}

func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.RetryJob")
	defer span.End()

	queueName := strings.TrimSpace(r.PathValue("queue"))
	jobID := strings.TrimSpace(r.PathValue("jobID"))
	if err := h.orchestrator.RetryJob(ctx, queueName, jobID); err != nil {
		h.logger.WarnContext(ctx, "retry job failed", "queue", queueName, "job_id", jobID, "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusOK, jobActionDTO{Queue: queueName, JobID: jobID, Action: "retried"})
}

func (h *Handler) RemoveJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.RemoveJob")
	defer span.End()

	queueName := strings.TrimSpace(r.PathValue("queue"))
	jobID := strings.TrimSpace(r.PathValue("jobID"))
	if err := h.orchestrator.RemoveJob(ctx, queueName, jobID); err != nil {
		h.logger.WarnContext(ctx, "remove job failed", "queue", queueName, "job_id", jobID, "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusOK, jobActionDTO{Queue: queueName, JobID: jobID, Action: "removed"})
}

func (h *Handler) ClearFailedJobs(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.ClearFailedJobs")
	defer span.End()

	removed, err := h.orchestrator.ClearFailed(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "clear failed jobs failed", "removed_before_error", removed, "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusOK, clearFailedDTO{Removed: removed})
}

func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.RunCleanup")
	defer span.End()

	if err := h.orchestrator.Cleanup(ctx); err != nil {
		h.logger.ErrorContext(ctx, "on-demand cleanup failed", "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusOK, map[string]string{"status": "cleaned"})
}

// CreateSchedulerJob registers a recurring job. An empty cron falls back to
// the kind's default schedule.
func (h *Handler) CreateSchedulerJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r.Context(), "httpapi.Handler.CreateSchedulerJob")
	defer span.End()

	var req schedulerJobRequest
	decoder := sonic.ConfigDefault.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(ctx, w, fmt.Errorf("%w: invalid JSON payload: %v", usecase.ErrInvalidInput, err))
		return
	}
	if err := h.validateRequest(ctx, req); err != nil {
		writeError(ctx, w, err)
		return
	}

	kind := jobscheduler.JobKind(strings.TrimSpace(req.Kind))
	cronExpr := strings.TrimSpace(req.Cron)
	if cronExpr == "" {
		defaultExpr, ok := jobscheduler.DefaultCron(kind)
		if !ok {
			writeError(ctx, w, fmt.Errorf("%w: unknown scheduler job kind %q", usecase.ErrInvalidInput, req.Kind))
			return
		}
		cronExpr = defaultExpr
	}

	job, err := h.orchestrator.EnqueueRecurring(ctx, jobscheduler.Job{
		Kind:     kind,
		TenantID: strings.TrimSpace(req.TenantID),
	}, cronExpr)
	if err != nil {
		h.logger.WarnContext(ctx, "scheduler job registration failed", "kind", req.Kind, "error", err)
		writeError(ctx, w, err)
		return
	}

	writeSuccess(ctx, w, http.StatusCreated, jobToDTO(job))
}

func (h *Handler) validateRequest(ctx context.Context, payload any) error {
	ctx, span := startSpan(ctx, "httpapi.Handler.validateRequest")
	defer span.End()

	if err := h.validator.StructCtx(ctx, payload); err != nil {
		return fmt.Errorf("%w: validation failed: %v", usecase.ErrInvalidInput, err)
	}

	return nil
}

type contactDTO struct {
	Name   string `json:"name" validate:"required"`
	Number string `json:"number" validate:"required"`
}

type enqueueCallsRequest struct {
	TenantID    string       `json:"tenant_id" validate:"required"`
	AssistantID string       `json:"assistant_id" validate:"required"`
	Contacts    []contactDTO `json:"contacts" validate:"required,min=1,max=1000,dive"`
	Priority    float64      `json:"priority" validate:"omitempty,gt=0"`
	DelayMS     int64        `json:"delay_ms" validate:"omitempty,gte=0"`
}

type enqueueCallsResponse struct {
	Queued         int      `json:"queued"`
	JobIDs         []string `json:"job_ids,omitempty"`
	EstimatedStart string   `json:"estimated_start,omitempty"`
}

type schedulerJobRequest struct {
	Kind     string `json:"kind" validate:"required"`
	TenantID string `json:"tenant_id"`
	Cron     string `json:"cron"`
}

type healthzDTO struct {
	Status string                  `json:"status"`
	Broker string                  `json:"broker"`
	Store  string                  `json:"store"`
	Queues map[string]queue.Counts `json:"queues,omitempty"`
}

type queueActionDTO struct {
	Queue  string `json:"queue"`
	Action string `json:"action"`
}

type jobActionDTO struct {
	Queue  string `json:"queue"`
	JobID  string `json:"job_id"`
	Action string `json:"action"`
}

type clearFailedDTO struct {
	Removed int `json:"removed"`
}

type jobDTO struct {
	ID       string  `json:"id"`
	Queue    string  `json:"queue"`
	State    string  `json:"state"`
	Repeat   string  `json:"repeat,omitempty"`
	ReadyAt  string  `json:"ready_at"`
	Priority float64 `json:"priority"`
}

func jobToDTO(job queue.Job) jobDTO {
	return jobDTO{
		ID:       job.ID,
		Queue:    job.Queue,
		State:    string(job.State),
		Repeat:   job.Repeat,
		ReadyAt:  job.ReadyAt.UTC().Format(time.RFC3339),
		Priority: job.Priority,
	}
}
