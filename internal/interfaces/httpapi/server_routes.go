package httpapi

import "net/http"

func registerSystemRoutes(mux *http.ServeMux, handler *Handler) {
	mux.HandleFunc("GET /healthz", handler.Healthz)
}

func registerCampaignRoutes(mux *http.ServeMux, handler *Handler) {
	mux.HandleFunc("POST /v1/campaigns/calls", handler.EnqueueCampaignCalls)
}

func registerAdminRoutes(mux *http.ServeMux, handler *Handler, internalJobToken string) {
	guard := func(h http.HandlerFunc) http.Handler {
		return RequireInternalJobToken(internalJobToken, h)
	}

	mux.Handle("GET /v1/admin/queues/stats", guard(handler.GetQueueStats))
	mux.Handle("POST /v1/admin/queues/calls/pause", guard(handler.PauseCallQueue))
	mux.Handle("POST /v1/admin/queues/calls/resume", guard(handler.ResumeCallQueue))
	mux.Handle("POST /v1/admin/queues/{queue}/jobs/{jobID}/retry", guard(handler.RetryJob))
	mux.Handle("DELETE /v1/admin/queues/{queue}/jobs/{jobID}", guard(handler.RemoveJob))
	mux.Handle("POST /v1/admin/queues/failed/clear", guard(handler.ClearFailedJobs))
	mux.Handle("POST /v1/admin/queues/cleanup", guard(handler.RunCleanup))
	mux.Handle("POST /v1/admin/scheduler/jobs", guard(handler.CreateSchedulerJob))
}
