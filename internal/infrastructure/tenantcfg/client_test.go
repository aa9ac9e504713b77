package tenantcfg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halovoice/campaigner/internal/platform/logging"
)

func newTestServer(t *testing.T, scheduleHits *atomic.Int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tenants", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tenants": ["tenant-1", "tenant-2"]}`))
	})
	mux.HandleFunc("GET /v1/tenants/{id}/schedule", func(w http.ResponseWriter, r *http.Request) {
		scheduleHits.Add(1)
		w.Write([]byte(`{
			"days": {
				"monday": {
					"office": {"assistant_id": "asst-1", "start": "09:00", "end": "17:00"}
				},
				"someday": {
					"office": {"assistant_id": "asst-1", "start": "09:00", "end": "17:00"}
				}
			}
		}`))
	})
	mux.HandleFunc("GET /v1/tenants/{id}/report-recipients", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"recipients": ["ops@tenant.example"]}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestClient_WeeklyScheduleParsesAndSkipsUnknownDays(t *testing.T) {
	var hits atomic.Int64
	server := newTestServer(t, &hits)
	client := NewClient(server.Client(), Config{BaseURL: server.URL}, logging.NewNop())

	ws, err := client.WeeklySchedule(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("weekly schedule: %v", err)
	}

	if len(ws) != 1 {
		t.Fatalf("expected only monday to survive, got %d days", len(ws))
	}
	slot, ok := ws[time.Monday]["office"]
	if !ok {
		t.Fatalf("expected monday office slot")
	}
	if slot.AssistantID != "asst-1" || slot.Start != "09:00" || slot.End != "17:00" {
		t.Fatalf("unexpected slot: %+v", slot)
	}
}

func TestClient_WeeklyScheduleServedFromCache(t *testing.T) {
	var hits atomic.Int64
	server := newTestServer(t, &hits)
	client := NewClient(server.Client(), Config{BaseURL: server.URL, ScheduleTTL: time.Minute}, logging.NewNop())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.WeeklySchedule(ctx, "tenant-1"); err != nil {
			t.Fatalf("weekly schedule: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one upstream fetch, got %d", got)
	}

	client.InvalidateSchedule(ctx, "tenant-1")
	if _, err := client.WeeklySchedule(ctx, "tenant-1"); err != nil {
		t.Fatalf("weekly schedule after invalidation: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected a refetch after invalidation, got %d", got)
	}
}

func TestClient_TenantIDsAndRecipients(t *testing.T) {
	var hits atomic.Int64
	server := newTestServer(t, &hits)
	client := NewClient(server.Client(), Config{BaseURL: server.URL}, logging.NewNop())

	ctx := context.Background()
	tenants, err := client.TenantIDs(ctx)
	if err != nil {
		t.Fatalf("tenant ids: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "tenant-1" {
		t.Fatalf("unexpected tenants: %v", tenants)
	}

	recipients, err := client.ReportRecipients(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("report recipients: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "ops@tenant.example" {
		t.Fatalf("unexpected recipients: %v", recipients)
	}
}

func TestClient_UpstreamErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)
	client := NewClient(server.Client(), Config{BaseURL: server.URL}, logging.NewNop())

	if _, err := client.WeeklySchedule(context.Background(), "tenant-1"); err == nil {
		t.Fatalf("expected an error for upstream 502")
	}
}
