package tenantcfg

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	sonic "github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"

	"github.com/halovoice/campaigner/internal/domain/schedule"
	"github.com/halovoice/campaigner/internal/platform/cache"
	"github.com/halovoice/campaigner/internal/platform/logging"
)

const defaultScheduleTTL = time.Minute

// Client reads tenant configuration (call-hour schedules, report
// recipients) from the admin service. Schedule lookups sit behind a TTL
// cache with singleflight loading because the call worker asks on every
// window check.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	schedules  *cache.Store
	logger     *logging.Logger
}

type Config struct {
	BaseURL     string
	APIKey      string
	ScheduleTTL time.Duration
}

func NewClient(httpClient *http.Client, cfg Config, logger *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	ttl := cfg.ScheduleTTL
	if ttl <= 0 {
		ttl = defaultScheduleTTL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		schedules:  cache.NewStore(ttl),
		logger:     logger,
	}
}

type slotDTO struct {
	AssistantID string `json:"assistant_id"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

type scheduleResponse struct {
	Days map[string]map[string]slotDTO `json:"days"`
}

// WeeklySchedule resolves the tenant's call-hour schedule, served from
// cache within the TTL.
func (c *Client) WeeklySchedule(ctx context.Context, tenantID string) (schedule.WeeklySchedule, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, crerr.New("tenant id is required")
	}

	value, err := c.schedules.GetOrLoad(ctx, "schedule:"+tenantID, func(ctx context.Context) (any, error) {
		return c.fetchWeeklySchedule(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}

	ws, ok := value.(schedule.WeeklySchedule)
	if !ok {
		return nil, crerr.Newf("unexpected cache entry type %T for tenant %s schedule", value, tenantID)
	}
	return ws, nil
}

func (c *Client) fetchWeeklySchedule(ctx context.Context, tenantID string) (schedule.WeeklySchedule, error) {
	body, err := c.get(ctx, "/v1/tenants/"+tenantID+"/schedule")
	if err != nil {
		return nil, err
	}

	var decoded scheduleResponse
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return nil, crerr.Wrap(err, "unmarshal schedule response")
	}

	ws := make(schedule.WeeklySchedule, len(decoded.Days))
	for dayName, slots := range decoded.Days {
		day, ok := parseWeekday(dayName)
		if !ok {
			c.logger.WarnContext(ctx, "schedule has unknown weekday",
				"tenant_id", tenantID, "day", dayName)
			continue
		}
		named := make(map[string]schedule.Slot, len(slots))
		for name, slot := range slots {
			named[name] = schedule.Slot{
				AssistantID: slot.AssistantID,
				Window:      schedule.Window{Start: slot.Start, End: slot.End},
			}
		}
		ws[day] = named
	}
	return ws, nil
}

type tenantsResponse struct {
	Tenants []string `json:"tenants"`
}

func (c *Client) TenantIDs(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/v1/tenants")
	if err != nil {
		return nil, err
	}

	var decoded tenantsResponse
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return nil, crerr.Wrap(err, "unmarshal tenants response")
	}
	return decoded.Tenants, nil
}

type recipientsResponse struct {
	Recipients []string `json:"recipients"`
}

func (c *Client) ReportRecipients(ctx context.Context, tenantID string) ([]string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, crerr.New("tenant id is required")
	}

	body, err := c.get(ctx, "/v1/tenants/"+tenantID+"/report-recipients")
	if err != nil {
		return nil, err
	}

	var decoded recipientsResponse
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return nil, crerr.Wrap(err, "unmarshal report recipients response")
	}
	return decoded.Recipients, nil
}

// InvalidateSchedule drops the cached schedule so the next lookup refetches.
func (c *Client) InvalidateSchedule(ctx context.Context, tenantID string) {
	c.schedules.Delete(ctx, "schedule:"+strings.TrimSpace(tenantID))
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, crerr.Wrapf(err, "create GET %s request", path)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, crerr.Wrapf(err, "request tenant config service GET %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, crerr.Wrap(err, "read tenant config response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, crerr.Newf("tenant config service returned status %d for GET %s", resp.StatusCode, path)
	}
	return body, nil
}

func parseWeekday(name string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, true
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	default:
		return time.Sunday, false
	}
}
