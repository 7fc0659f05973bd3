/*
 * Copyright 2025 GridPulse Energy, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package controlplane is the bearer-authed REST client for the
// platform API. Every call is bounded by the configured timeout and
// retried a bounded number of times; failures are never fatal to the
// session being served.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

var (
	// ErrDisabled is returned by the no-op client used when no control
	// plane is configured.
	ErrDisabled = errors.New("controlplane: not configured")

	errStatus = errors.New("controlplane: unexpected status")
)

// RegisterRequest carries a device registration.
type RegisterRequest struct {
	SiteID       string            `json:"site_id,omitempty"`
	SerialNumber string            `json:"serial_number"`
	DeviceType   models.DeviceType `json:"device_type"`
	Protocol     string            `json:"protocol"`
	Model        string            `json:"model,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
}

// Client is the control-plane surface the device server uses.
type Client interface {
	RegisterDevice(ctx context.Context, req *RegisterRequest) (deviceID string, err error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus, message string) error
	UpdateDeviceSnapshot(ctx context.Context, deviceID string, metrics map[string]interface{}) error
	GetSiteForDevice(ctx context.Context, remoteAddr string) (string, error)
	PublishAnomaly(ctx context.Context, event *models.AnomalyEvent) error
	PendingCommands(ctx context.Context, deviceID string) ([]models.Command, error)
	UpdateCommand(ctx context.Context, commandID string, status models.CommandStatus, result map[string]interface{}, errMsg string) error
}

// HTTPClient implements Client over JSON/HTTPS.
type HTTPClient struct {
	baseURL    string
	token      string
	retries    int
	retryDelay time.Duration
	http       *http.Client
	logger     logger.Logger
}

var _ Client = (*HTTPClient)(nil)

// New builds a control-plane client from settings.
func New(cfg *models.ControlPlaneSettings, log logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.APIToken,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay.Duration(),
		http:       &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:     log.WithComponent("controlplane"),
	}
}

type deviceResponse struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
}

func (r *deviceResponse) id() string {
	if r.ID != "" {
		return r.ID
	}

	return r.DeviceID
}

// RegisterDevice registers a device. 201 means created; 409 means the
// serial is already known and the response body carries the existing
// id, which is the success path for reconnects.
func (c *HTTPClient) RegisterDevice(ctx context.Context, req *RegisterRequest) (string, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/api/devices", req)
	if err != nil {
		return "", err
	}

	switch status {
	case http.StatusCreated, http.StatusOK, http.StatusConflict:
		var resp deviceResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("controlplane: bad register response: %w", err)
		}

		if resp.id() == "" {
			return "", fmt.Errorf("controlplane: register response missing device id")
		}

		return resp.id(), nil
	default:
		return "", fmt.Errorf("%w: register returned %d", errStatus, status)
	}
}

// UpdateDeviceStatus reports a device status transition.
func (c *HTTPClient) UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus, message string) error {
	payload := map[string]string{"status": string(status), "message": message}

	code, _, err := c.do(ctx, http.MethodPut, "/api/devices/"+url.PathEscape(deviceID)+"/status", payload)
	if err != nil {
		return err
	}

	if code != http.StatusOK {
		return fmt.Errorf("%w: status update returned %d", errStatus, code)
	}

	return nil
}

// UpdateDeviceSnapshot pushes the latest metric snapshot, with reserved
// underscore-prefixed metadata stripped.
func (c *HTTPClient) UpdateDeviceSnapshot(ctx context.Context, deviceID string, metrics map[string]interface{}) error {
	clean := make(map[string]interface{}, len(metrics))

	for k, v := range metrics {
		if !strings.HasPrefix(k, "_") {
			clean[k] = v
		}
	}

	code, _, err := c.do(ctx, http.MethodPut, "/api/devices/"+url.PathEscape(deviceID)+"/snapshot", clean)
	if err != nil {
		return err
	}

	if code != http.StatusOK {
		return fmt.Errorf("%w: snapshot update returned %d", errStatus, code)
	}

	return nil
}

// GetSiteForDevice asks which site the connecting address belongs to.
// An empty id with nil error means no assignment exists.
func (c *HTTPClient) GetSiteForDevice(ctx context.Context, remoteAddr string) (string, error) {
	path := "/api/sites/lookup?remote_addr=" + url.QueryEscape(remoteAddr)

	code, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	switch code {
	case http.StatusOK:
		var resp struct {
			SiteID string `json:"site_id"`
		}

		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("controlplane: bad site lookup response: %w", err)
		}

		return resp.SiteID, nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("%w: site lookup returned %d", errStatus, code)
	}
}

// PublishAnomaly sends one anomaly event, best-effort.
func (c *HTTPClient) PublishAnomaly(ctx context.Context, event *models.AnomalyEvent) error {
	code, _, err := c.do(ctx, http.MethodPost, "/api/events/anomalies", event)
	if err != nil {
		return err
	}

	if code != http.StatusOK && code != http.StatusCreated && code != http.StatusAccepted {
		return fmt.Errorf("%w: anomaly publish returned %d", errStatus, code)
	}

	return nil
}

// PendingCommands fetches the queued commands for a device.
func (c *HTTPClient) PendingCommands(ctx context.Context, deviceID string) ([]models.Command, error) {
	path := "/api/devices/" + url.PathEscape(deviceID) + "/commands?status=pending"

	code, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if code == http.StatusNotFound {
		return nil, nil
	}

	if code != http.StatusOK {
		return nil, fmt.Errorf("%w: command fetch returned %d", errStatus, code)
	}

	var commands []models.Command
	if err := json.Unmarshal(body, &commands); err != nil {
		return nil, fmt.Errorf("controlplane: bad command list: %w", err)
	}

	return commands, nil
}

// UpdateCommand reports a command's outcome.
func (c *HTTPClient) UpdateCommand(ctx context.Context, commandID string, status models.CommandStatus, result map[string]interface{}, errMsg string) error {
	payload := map[string]interface{}{"status": string(status)}

	if result != nil {
		payload["result"] = result
	}

	if errMsg != "" {
		payload["error_message"] = errMsg
	}

	code, _, err := c.do(ctx, http.MethodPut, "/api/commands/"+url.PathEscape(commandID), payload)
	if err != nil {
		return err
	}

	if code != http.StatusOK {
		return fmt.Errorf("%w: command update returned %d", errStatus, code)
	}

	return nil
}

// do runs one request with bounded retries. Network errors and 5xx
// responses retry after the configured delay; anything else is
// returned to the caller to interpret.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var body []byte

	if payload != nil {
		var err error

		body, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("controlplane: encode payload: %w", err)
		}
	}

	attempts := c.retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		code, respBody, err := c.once(ctx, method, path, body)
		if err != nil {
			lastErr = err
			continue
		}

		if code >= 500 {
			lastErr = fmt.Errorf("%w: %d", errStatus, code)
			continue
		}

		return code, respBody, nil
	}

	return 0, nil, lastErr
}

func (c *HTTPClient) once(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, respBody, nil
}

// Disabled returns a Client whose every call reports ErrDisabled.
// Used when no control plane is configured; callers already treat
// control-plane errors as non-fatal.
func Disabled() Client { return disabledClient{} }

type disabledClient struct{}

func (disabledClient) RegisterDevice(context.Context, *RegisterRequest) (string, error) {
	return "", ErrDisabled
}

func (disabledClient) UpdateDeviceStatus(context.Context, string, models.DeviceStatus, string) error {
	return ErrDisabled
}

func (disabledClient) UpdateDeviceSnapshot(context.Context, string, map[string]interface{}) error {
	return ErrDisabled
}

func (disabledClient) GetSiteForDevice(context.Context, string) (string, error) {
	return "", ErrDisabled
}

func (disabledClient) PublishAnomaly(context.Context, *models.AnomalyEvent) error {
	return ErrDisabled
}

func (disabledClient) PendingCommands(context.Context, string) ([]models.Command, error) {
	return nil, ErrDisabled
}

func (disabledClient) UpdateCommand(context.Context, string, models.CommandStatus, map[string]interface{}, string) error {
	return ErrDisabled
}
