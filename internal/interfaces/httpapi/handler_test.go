package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sonic "github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"

	memorybroker "github.com/halovoice/campaigner/internal/infrastructure/broker/memory"
	memoryrepo "github.com/halovoice/campaigner/internal/infrastructure/repository/memory"

	"github.com/halovoice/campaigner/internal/domain/notification"
	"github.com/halovoice/campaigner/internal/domain/schedule"
	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
	"github.com/halovoice/campaigner/internal/usecase"
)

const testJobToken = "job-token"

type apiScheduleProvider struct{}

func (apiScheduleProvider) WeeklySchedule(context.Context, string) (schedule.WeeklySchedule, error) {
	ws := schedule.WeeklySchedule{}
	for day := time.Sunday; day <= time.Saturday; day++ {
		ws[day] = map[string]schedule.Slot{
			"office": {AssistantID: "asst-1", Window: schedule.Window{Start: "00:00", End: "23:59"}},
		}
	}
	return ws, nil
}

type apiVoice struct{}

func (apiVoice) IsBusy(context.Context, string) (bool, error) { return false, nil }
func (apiVoice) PlaceCall(context.Context, usecase.VoicePlacement) (usecase.VoicePlacementResult, error) {
	return usecase.VoicePlacementResult{ProviderCallID: "call-1"}, nil
}

type apiTenants struct{}

func (apiTenants) TenantIDs(context.Context) ([]string, error) { return []string{"tenant-1"}, nil }
func (apiTenants) ReportRecipients(context.Context, string) ([]string, error) {
	return []string{"ops@tenant.example"}, nil
}

type apiArtifacts struct{}

func (apiArtifacts) WriteCSV(name string, _ []string, _ [][]string) (string, error) {
	return "/tmp/" + name + ".csv", nil
}

type apiEmailGateway struct{}

func (apiEmailGateway) Send(context.Context, notification.EmailJob) error { return nil }

type apiFixture struct {
	router http.Handler
	repo   *memoryrepo.CallHistoryRepository
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()

	broker := memorybroker.NewBroker(logging.NewNop())
	t.Cleanup(func() { _ = broker.Close() })

	repo := memoryrepo.NewCallHistoryRepository()
	calls := broker.Queue(usecase.QueueCalls)
	emails := broker.Queue(usecase.QueueEmails)
	scheduler := broker.Queue(usecase.QueueScheduler)

	dispatch := usecase.NewDispatchService(
		apiScheduleProvider{}, apiVoice{}, repo, calls, usecase.DispatchPolicy{}, logging.NewNop())
	email := usecase.NewEmailService(apiEmailGateway{}, logging.NewNop())
	reports := usecase.NewReportService(repo, apiTenants{}, apiArtifacts{}, emails, logging.NewNop())
	maintenance := usecase.NewMaintenanceService(repo, calls,
		[]queue.Queue{calls, emails, scheduler}, emails,
		usecase.MaintenancePolicy{OperatorEmail: "oncall@halovoice.example"}, logging.NewNop())

	orchestrator := usecase.NewOrchestrator(broker, dispatch, email, reports, maintenance, logging.NewNop())
	handler := NewHandler(orchestrator, repo, logging.NewNop())

	return apiFixture{
		router: NewRouter(handler, logging.NewNop(), nil, testJobToken),
		repo:   repo,
	}
}

func doRequest(t *testing.T, router http.Handler, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Internal-Job-Token", testJobToken)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	data, _ := body["data"].(map[string]any)
	return data
}

func TestAPI_EnqueueCampaignCalls(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/campaigns/calls", `{
		"tenant_id": "tenant-1",
		"assistant_id": "asst-1",
		"contacts": [
			{"name": "Ada", "number": "+15550100"},
			{"name": "Lin", "number": "+15550101"}
		]
	}`, false)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	require.EqualValues(t, 2, data["queued"])
	require.NotEmpty(t, data["estimated_start"])
	require.Len(t, data["job_ids"], 2)
}

func TestAPI_EnqueueCampaignCallsRejectsEmptyBatch(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/campaigns/calls", `{
		"tenant_id": "tenant-1",
		"assistant_id": "asst-1",
		"contacts": []
	}`, false)

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestAPI_EnqueueCampaignCallsRejectsUnknownFields(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/campaigns/calls", `{
		"tenant_id": "tenant-1",
		"assistant_id": "asst-1",
		"contacts": [{"name": "Ada", "number": "+15550100"}],
		"surprise": true
	}`, false)

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestAPI_AdminRoutesRequireToken(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodGet, "/v1/admin/queues/stats", "", false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, fx.router, http.MethodGet, "/v1/admin/queues/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeData(t, rec)
	queues, _ := data["queues"].(map[string]any)
	require.Contains(t, queues, usecase.QueueCalls)
	require.Contains(t, queues, usecase.QueueEmails)
	require.Contains(t, queues, usecase.QueueScheduler)
}

func TestAPI_PauseAndResumeCallQueue(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/admin/queues/calls/pause", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "paused", decodeData(t, rec)["action"])

	rec = doRequest(t, fx.router, http.MethodPost, "/v1/admin/queues/calls/resume", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "resumed", decodeData(t, rec)["action"])
}

func TestAPI_RetryJobValidation(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/admin/queues/mystery/jobs/job-1/retry", "", true)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = doRequest(t, fx.router, http.MethodPost, "/v1/admin/queues/calls/jobs/missing/retry", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestAPI_CreateSchedulerJobDefaultsCron(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/admin/scheduler/jobs", `{
		"kind": "daily_report",
		"tenant_id": "tenant-1"
	}`, true)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	require.Equal(t, "0 6 * * *", data["repeat"])
	require.Equal(t, usecase.QueueScheduler, data["queue"])
}

func TestAPI_CreateSchedulerJobRejectsUnknownKind(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/admin/scheduler/jobs", `{"kind": "mystery"}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestAPI_ClearFailedJobs(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodPost, "/v1/admin/queues/failed/clear", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 0, decodeData(t, rec)["removed"])
}

func TestAPI_Healthz(t *testing.T) {
	fx := newAPIFixture(t)

	rec := doRequest(t, fx.router, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeData(t, rec)
	require.Equal(t, "ok", data["status"])
	require.Equal(t, "ok", data["store"])
}

func TestAPI_HealthzDegradesOnStoreFailure(t *testing.T) {
	fx := newAPIFixture(t)
	fx.repo.SetPingError(context.DeadlineExceeded)

	rec := doRequest(t, fx.router, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	require.Equal(t, "degraded", decodeData(t, rec)["status"])
}
