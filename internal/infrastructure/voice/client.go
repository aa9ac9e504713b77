package voice

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	sonic "github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"

	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/platform/resilience"
	"github.com/halovoice/campaigner/internal/usecase"
)

// Client talks to the outbound voice provider over HTTP. PlaceCall failures
// come back as usecase.DispatchError values classified from the response
// status, so the dispatch state machine never inspects error text.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *resilience.CircuitBreaker
	logger     *logging.Logger
}

type Config struct {
	BaseURL string
	APIKey  string
	Circuit resilience.CircuitBreakerConfig
}

func NewClient(httpClient *http.Client, cfg Config, logger *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = logging.Default()
	}

	var breaker *resilience.CircuitBreaker
	if cfg.Circuit.Enabled {
		breaker = resilience.NewCircuitBreaker(cfg.Circuit)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		breaker:    breaker,
		logger:     logger,
	}
}

type busyResponse struct {
	Busy bool `json:"busy"`
}

// IsBusy reports whether the tenant's line currently has a call in flight.
func (c *Client) IsBusy(ctx context.Context, tenantID string) (bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return false, crerr.New("tenant id is required")
	}

	body, _, err := c.do(ctx, http.MethodGet, "/v1/tenants/"+tenantID+"/line", nil)
	if err != nil {
		return false, err
	}

	var decoded busyResponse
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return false, crerr.Wrap(err, "unmarshal line status response")
	}
	return decoded.Busy, nil
}

type placeCallRequest struct {
	TenantID      string `json:"tenant_id"`
	AssistantID   string `json:"assistant_id"`
	ContactName   string `json:"contact_name"`
	ContactNumber string `json:"contact_number"`
}

type placeCallResponse struct {
	CallID string `json:"call_id"`
}

// PlaceCall starts one outbound call.
func (c *Client) PlaceCall(ctx context.Context, req usecase.VoicePlacement) (usecase.VoicePlacementResult, error) {
	encoded, err := sonic.Marshal(placeCallRequest{
		TenantID:      req.TenantID,
		AssistantID:   req.AssistantID,
		ContactName:   req.Contact.Name,
		ContactNumber: req.Contact.Number,
	})
	if err != nil {
		return usecase.VoicePlacementResult{}, crerr.Wrap(err, "marshal place call request")
	}

	body, status, err := c.do(ctx, http.MethodPost, "/v1/calls", encoded)
	if err != nil {
		return usecase.VoicePlacementResult{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return usecase.VoicePlacementResult{}, classifyStatus(status)
	}

	var decoded placeCallResponse
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return usecase.VoicePlacementResult{}, usecase.NewDispatchError(usecase.DispatchTransient,
			crerr.Wrap(err, "unmarshal place call response"))
	}
	return usecase.VoicePlacementResult{ProviderCallID: decoded.CallID}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, 0, usecase.NewDispatchError(usecase.DispatchTransient, err)
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, crerr.Wrapf(err, "create %s %s request", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, 0, usecase.NewDispatchError(usecase.DispatchTransient,
			crerr.Wrapf(err, "request voice provider %s %s", method, path))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recordFailure()
		return nil, resp.StatusCode, usecase.NewDispatchError(usecase.DispatchTransient,
			crerr.Wrap(err, "read voice provider response"))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.recordFailure()
		c.logger.WarnContext(ctx, "voice provider server error",
			"method", method, "path", path, "status_code", resp.StatusCode)
		return body, resp.StatusCode, classifyStatus(resp.StatusCode)
	}
	c.recordSuccess()

	if method == http.MethodGet && resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, classifyStatus(resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func classifyStatus(status int) error {
	err := crerr.Newf("voice provider returned status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return usecase.NewDispatchError(usecase.DispatchThrottled, err)
	case status >= http.StatusInternalServerError:
		return usecase.NewDispatchError(usecase.DispatchTransient, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return usecase.NewDispatchError(usecase.DispatchConfig, err)
	default:
		return usecase.NewDispatchError(usecase.DispatchPermanent, err)
	}
}
