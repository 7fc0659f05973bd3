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

package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

func newClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return New(&models.ControlPlaneSettings{
		BaseURL:    server.URL,
		APIToken:   "test-token",
		Timeout:    models.Duration(2 * time.Second),
		Retries:    2,
		RetryDelay: models.Duration(time.Millisecond),
	}, logger.NewTestLogger())
}

func TestRegisterDeviceCreated(t *testing.T) {
	var gotAuth string

	var gotReq RegisterRequest

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/devices", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "dev-remote-1"}`))
	}))

	id, err := client.RegisterDevice(context.Background(), &RegisterRequest{
		SiteID:       "site-1",
		SerialNumber: "INV4711",
		DeviceType:   models.DeviceTypeInverter,
		Protocol:     "acme_inverter",
	})
	require.NoError(t, err)

	assert.Equal(t, "dev-remote-1", id)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "INV4711", gotReq.SerialNumber)
}

func TestRegisterDeviceConflictReturnsExistingID(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"device_id": "dev-existing"}`))
	}))

	id, err := client.RegisterDevice(context.Background(), &RegisterRequest{SerialNumber: "INV4711"})
	require.NoError(t, err)
	assert.Equal(t, "dev-existing", id)
}

func TestRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "dev-1"}`))
	}))

	id, err := client.RegisterDevice(context.Background(), &RegisterRequest{SerialNumber: "SN"})
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.RegisterDevice(context.Background(), &RegisterRequest{SerialNumber: "SN"})
	require.Error(t, err)
	// retries=2 means three attempts total.
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	_, err := client.RegisterDevice(context.Background(), &RegisterRequest{SerialNumber: "SN"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetSiteForDevice(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sites/lookup", r.URL.Path)

		switch r.URL.Query().Get("remote_addr") {
		case "10.1.2.3":
			_, _ = w.Write([]byte(`{"site_id": "site-42"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	site, err := client.GetSiteForDevice(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "site-42", site)

	// No assignment is not an error.
	site, err = client.GetSiteForDevice(context.Background(), "10.9.9.9")
	require.NoError(t, err)
	assert.Empty(t, site)
}

func TestUpdateDeviceSnapshotStripsMetadata(t *testing.T) {
	var got map[string]interface{}

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/devices/dev-1/snapshot", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusOK)
	}))

	err := client.UpdateDeviceSnapshot(context.Background(), "dev-1", map[string]interface{}{
		"grid_voltage":  240.5,
		"_pwr_response": "raw text",
	})
	require.NoError(t, err)

	assert.Contains(t, got, "grid_voltage")
	assert.NotContains(t, got, "_pwr_response")
}

func TestPendingCommands(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/devices/dev-1/commands":
			require.Equal(t, "pending", r.URL.Query().Get("status"))
			_, _ = w.Write([]byte(`[{"id": "cmd-1", "command_type": "write_register", "priority": 5}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	commands, err := client.PendingCommands(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "cmd-1", commands[0].ID)
	assert.Equal(t, 5, commands[0].Priority)

	// Unknown device: empty list, no error.
	commands, err = client.PendingCommands(context.Background(), "dev-unknown")
	require.NoError(t, err)
	assert.Empty(t, commands)
}

func TestUpdateCommand(t *testing.T) {
	var got map[string]interface{}

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/commands/cmd-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusOK)
	}))

	err := client.UpdateCommand(context.Background(), "cmd-1", models.CommandFailed, nil, "retry budget exhausted")
	require.NoError(t, err)

	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, "retry budget exhausted", got["error_message"])
	assert.NotContains(t, got, "result")
}

func TestDisabledClient(t *testing.T) {
	client := Disabled()

	_, err := client.RegisterDevice(context.Background(), &RegisterRequest{SerialNumber: "SN"})
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = client.GetSiteForDevice(context.Background(), "10.0.0.1")
	assert.ErrorIs(t, err, ErrDisabled)

	assert.ErrorIs(t, client.UpdateDeviceStatus(context.Background(), "d", models.DeviceOnline, ""), ErrDisabled)
}

type recordingSink struct {
	mu      sync.Mutex
	samples int
}

func (s *recordingSink) Submit(*models.TelemetrySample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples++

	return true
}

func TestSnapshotPusherThrottles(t *testing.T) {
	var pushes atomic.Int32

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	sink := &recordingSink{}
	pusher := NewSnapshotPusher(sink, client, time.Hour, logger.NewTestLogger())

	sample := &models.TelemetrySample{
		DeviceID: "dev-1",
		Metrics:  map[string]interface{}{"grid_voltage": 240.5},
	}

	// Only the first submission within the interval pushes upstream.
	for i := 0; i < 5; i++ {
		assert.True(t, pusher.Submit(sample))
	}

	require.Eventually(t, func() bool { return pushes.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	forwarded := sink.samples
	sink.mu.Unlock()
	assert.Equal(t, 5, forwarded)

	// Forget resets the throttle; the next submit pushes again.
	pusher.Forget("dev-1")
	pusher.Submit(sample)

	require.Eventually(t, func() bool { return pushes.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
}
