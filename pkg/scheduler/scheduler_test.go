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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/devices"
	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
)

type fakeSession struct{ id string }

func (s *fakeSession) ID() string   { return s.id }
func (s *fakeSession) Close() error { return nil }

type fakePoller struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	result    map[string]interface{}
}

func (p *fakePoller) Poll(context.Context) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.calls <= p.failUntil {
		return nil, errors.New("read timeout")
	}

	return p.result, nil
}

type captureSink struct {
	mu      sync.Mutex
	samples []*models.TelemetrySample
	notify  chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{notify: make(chan struct{}, 64)}
}

func (s *captureSink) Submit(sample *models.TelemetrySample) bool {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	return true
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.samples)
}

func testSettings() models.PollingSettings {
	return models.PollingSettings{
		DefaultInterval:        models.Duration(5 * time.Millisecond),
		MinInterval:            models.Duration(time.Millisecond),
		MaxInterval:            models.Duration(50 * time.Millisecond),
		Timeout:                models.Duration(time.Second),
		MaxConsecutiveFailures: 3,
		FailureBackoff:         false,
	}
}

func addDevice(dm *devices.Manager, id string, poller *fakePoller) {
	dm.Add(&models.Device{
		DeviceID:     id,
		SerialNumber: "SN-" + id,
		ProtocolID:   "acme_inverter",
		PollInterval: 5 * time.Millisecond,
	}, &fakeSession{id: "sess-" + id}, poller)
}

func TestPollSubmitsTelemetry(t *testing.T) {
	dm := devices.NewManager(logger.NewTestLogger())
	poller := &fakePoller{result: map[string]interface{}{"grid_voltage": 240.5}}
	addDevice(dm, "dev-1", poller)

	sink := newCaptureSink()
	s := New(dm, testSettings(), sink, metrics.NewTestMetrics(), logger.NewTestLogger())

	s.Start(context.Background(), "dev-1")
	defer s.StopAll()

	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no sample submitted")
	}

	sink.mu.Lock()
	sample := sink.samples[0]
	sink.mu.Unlock()

	assert.Equal(t, "dev-1", sample.DeviceID)
	assert.Equal(t, "SN-dev-1", sample.SerialNumber)
	assert.Equal(t, 240.5, sample.Metrics["grid_voltage"])

	device, _ := dm.Get("dev-1")
	assert.Equal(t, models.DeviceOnline, device.Status)
}

func TestFailureLimitMarksOffline(t *testing.T) {
	dm := devices.NewManager(logger.NewTestLogger())
	poller := &fakePoller{failUntil: 1 << 30}
	addDevice(dm, "dev-1", poller)

	offline := make(chan string, 1)

	s := New(dm, testSettings(), newCaptureSink(), metrics.NewTestMetrics(), logger.NewTestLogger())
	s.OnOffline = func(deviceID string) { offline <- deviceID }

	s.Start(context.Background(), "dev-1")

	select {
	case id := <-offline:
		assert.Equal(t, "dev-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("device never went offline")
	}

	device, _ := dm.Get("dev-1")
	assert.Equal(t, models.DeviceOffline, device.Status)
	assert.GreaterOrEqual(t, dm.ConsecutiveFailures("dev-1"), 3)

	// The task removed itself.
	require.Eventually(t, func() bool { return s.ActiveTasks() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestStartReplacesExistingTask(t *testing.T) {
	dm := devices.NewManager(logger.NewTestLogger())
	poller := &fakePoller{result: map[string]interface{}{"v": 1.0}}
	addDevice(dm, "dev-1", poller)

	s := New(dm, testSettings(), newCaptureSink(), metrics.NewTestMetrics(), logger.NewTestLogger())
	defer s.StopAll()

	s.Start(context.Background(), "dev-1")
	s.Start(context.Background(), "dev-1")

	assert.Equal(t, 1, s.ActiveTasks())
}

func TestStopAll(t *testing.T) {
	dm := devices.NewManager(logger.NewTestLogger())

	for _, id := range []string{"dev-1", "dev-2"} {
		addDevice(dm, id, &fakePoller{result: map[string]interface{}{"v": 1.0}})
	}

	s := New(dm, testSettings(), newCaptureSink(), metrics.NewTestMetrics(), logger.NewTestLogger())

	s.Start(context.Background(), "dev-1")
	s.Start(context.Background(), "dev-2")
	require.Equal(t, 2, s.ActiveTasks())

	s.StopAll()
	assert.Zero(t, s.ActiveTasks())
}

func TestTaskStopsWhenDeviceRemoved(t *testing.T) {
	dm := devices.NewManager(logger.NewTestLogger())
	poller := &fakePoller{result: map[string]interface{}{"v": 1.0}}
	addDevice(dm, "dev-1", poller)

	sink := newCaptureSink()
	s := New(dm, testSettings(), sink, metrics.NewTestMetrics(), logger.NewTestLogger())

	s.Start(context.Background(), "dev-1")

	<-sink.notify
	dm.Remove("dev-1")

	// The next poll attempt finds no poller and the task unwinds; Stop
	// is still safe afterwards.
	require.Eventually(t, func() bool {
		before := sink.len()
		time.Sleep(20 * time.Millisecond)

		return sink.len() == before
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop("dev-1")
}

func TestNextInterval(t *testing.T) {
	base := 30 * time.Second
	minI := 5 * time.Second
	maxI := 10 * time.Minute

	// No failures: the base interval.
	assert.Equal(t, base, NextInterval(base, minI, maxI, 0, true))

	// Exponential growth on the streak.
	assert.Equal(t, 60*time.Second, NextInterval(base, minI, maxI, 1, true))
	assert.Equal(t, 120*time.Second, NextInterval(base, minI, maxI, 2, true))

	// Clamped at max once the doubling passes it.
	assert.Equal(t, maxI, NextInterval(base, minI, maxI, 10, true))

	// Absurd streaks must not overflow into a negative interval.
	assert.Equal(t, maxI, NextInterval(base, minI, maxI, 500, true))

	// Backoff disabled: always the base.
	assert.Equal(t, base, NextInterval(base, minI, maxI, 5, false))

	// Base below min gets raised.
	assert.Equal(t, minI, NextInterval(time.Second, minI, maxI, 0, true))
}
