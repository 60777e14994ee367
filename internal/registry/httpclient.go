package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/micro-ha/device-intake/internal/model"
)

const (
	defaultTimeout   = 30 * time.Second
	maxRetryAttempts = 3
)

// HTTPError is a non-2xx registry response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "registry http error"
	}
	return fmt.Sprintf("registry %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// HTTPClient talks to the registry's JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewHTTPClient returns a client for baseURL authenticating with a bearer
// token when one is set.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewHTTPClientWithHTTPClient(baseURL, token, &http.Client{Timeout: timeout}, logger)
}

func NewHTTPClientWithHTTPClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger.With("component", "registry"),
		retryDelay: 400 * time.Millisecond,
	}
}

func (c *HTTPClient) DeviceBySerial(ctx context.Context, serial string) (*Device, error) {
	var device Device
	err := c.get(ctx, "/devices", url.Values{"serialNumber": {serial}}, &device)
	if err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) && herr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

func (c *HTTPClient) UpdateDeviceStatus(ctx context.Context, deviceID, reasonID int64) error {
	path := "/devices/" + strconv.FormatInt(deviceID, 10) + "/status"
	return c.send(ctx, http.MethodPost, path, map[string]any{"reasonId": reasonID}, nil)
}

func (c *HTTPClient) MoveDevice(ctx context.Context, deviceID, toStockHandlerID, reasonID int64) error {
	path := "/devices/" + strconv.FormatInt(deviceID, 10) + "/move"
	body := map[string]any{
		"toStockHandlerId": toStockHandlerID,
		"reasonId":         reasonID,
		"effectiveAt":      time.Now().UTC().Format(time.RFC3339),
	}
	return c.send(ctx, http.MethodPost, path, body, nil)
}

func (c *HTTPClient) Pairings(ctx context.Context, deviceID int64) ([]Pairing, error) {
	var out []Pairing
	err := c.get(ctx, "/devices/"+strconv.FormatInt(deviceID, 10)+"/pairings", nil, &out)
	return out, err
}

func (c *HTTPClient) PairDevices(ctx context.Context, fromDeviceID, toDeviceID, reasonID int64) error {
	body := map[string]any{"fromDeviceId": fromDeviceID, "toDeviceId": toDeviceID, "reasonId": reasonID}
	return c.send(ctx, http.MethodPost, "/pairings", body, nil)
}

func (c *HTTPClient) UpdateCustomFields(ctx context.Context, deviceID int64, fields []model.CustomField) error {
	path := "/devices/" + strconv.FormatInt(deviceID, 10) + "/custom-fields"
	return c.send(ctx, http.MethodPut, path, fields, nil)
}

func (c *HTTPClient) StockHandlers(ctx context.Context, page int) ([]StockHandler, error) {
	var out []StockHandler
	err := c.get(ctx, "/stock-handlers", url.Values{"page": {strconv.Itoa(page)}}, &out)
	return out, err
}

func (c *HTTPClient) DeviceCustomFields(ctx context.Context) ([]CustomFieldDef, error) {
	var out []CustomFieldDef
	err := c.get(ctx, "/custom-fields", url.Values{"entity": {"device"}}, &out)
	return out, err
}

func (c *HTTPClient) Lookups(ctx context.Context, list LookupList) ([]Lookup, error) {
	var out []Lookup
	err := c.get(ctx, "/lookups/"+url.PathEscape(string(list)), nil, &out)
	return out, err
}

func (c *HTTPClient) HardwareModels(ctx context.Context, page int) ([]HardwareModel, error) {
	var out []HardwareModel
	err := c.get(ctx, "/hardware-models", url.Values{"page": {strconv.Itoa(page)}}, &out)
	return out, err
}

func (c *HTTPClient) CreateStockReceive(ctx context.Context, in StockReceive) (StockReceive, error) {
	var out StockReceive
	err := c.send(ctx, http.MethodPost, "/stock-receives", in, &out)
	return out, err
}

func (c *HTTPClient) CreateBuildList(ctx context.Context, in BuildList) (BuildList, error) {
	var out BuildList
	err := c.send(ctx, http.MethodPost, "/build-lists", in, &out)
	return out, err
}

type scheduleResponse struct {
	ScheduleID int64 `json:"scheduleId"`
}

func (c *HTTPClient) ScheduleAddDevicesFromFile(ctx context.Context, buildListID int64, fileName string, content []byte) (int64, error) {
	var out scheduleResponse
	path := "/build-lists/" + strconv.FormatInt(buildListID, 10) + "/add-from-file"
	body := map[string]any{"fileName": fileName, "content": string(content)}
	err := c.send(ctx, http.MethodPost, path, body, &out)
	return out.ScheduleID, err
}

func (c *HTTPClient) SchedulePerformBuildList(ctx context.Context, buildListID int64) (int64, error) {
	var out scheduleResponse
	path := "/build-lists/" + strconv.FormatInt(buildListID, 10) + "/perform"
	err := c.send(ctx, http.MethodPost, path, map[string]any{}, &out)
	return out.ScheduleID, err
}

func (c *HTTPClient) FailedBuildListItems(ctx context.Context, buildListID int64, page int) ([]BuildListItem, error) {
	var out []BuildListItem
	path := "/build-lists/" + strconv.FormatInt(buildListID, 10) + "/failed"
	err := c.get(ctx, path, url.Values{"page": {strconv.Itoa(page)}}, &out)
	return out, err
}

func (c *HTTPClient) Schedule(ctx context.Context, scheduleID int64) (ScheduleHeader, error) {
	var out ScheduleHeader
	err := c.get(ctx, "/schedules/"+strconv.FormatInt(scheduleID, 10), nil, &out)
	return out, err
}

// get retries idempotent reads on transient failures.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		err := c.do(ctx, http.MethodGet, endpoint, path, nil, out)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err
		c.logger.Debug("registry read failed; retrying", "path", path, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.retryDelay):
		}
	}
	return fmt.Errorf("registry request failed for %s: %w", path, lastErr)
}

// send performs one mutation. Mutations are never retried.
func (c *HTTPClient) send(ctx context.Context, method, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, method, c.baseURL+path, path, raw, out)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry %s %s: %w", method, path, err)
	}
	return nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.Status >= 500 || herr.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "connection reset") ||
		strings.Contains(message, "connection refused") ||
		strings.Contains(message, "broken pipe")
}
