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

package devices

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

type fakeSession struct {
	id     string
	closed bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakePoller struct{ name string }

func (p *fakePoller) Poll(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"poller": p.name}, nil
}

func newDevice(serial string) *models.Device {
	return &models.Device{
		DeviceID:     "dev-" + serial,
		SerialNumber: serial,
		ProtocolID:   "acme_inverter",
		DeviceType:   models.DeviceTypeInverter,
		PollInterval: 30 * time.Second,
		ConnectedAt:  time.Now(),
	}
}

func TestAddIndexesDevice(t *testing.T) {
	m := NewManager(logger.NewTestLogger())

	session := &fakeSession{id: "sess-1"}
	device := m.Add(newDevice("SN1"), session, &fakePoller{name: "a"})

	assert.Equal(t, models.DeviceInitializing, device.Status)

	got, ok := m.Get("dev-SN1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", got.SessionID)

	_, ok = m.GetBySerial("SN1")
	assert.True(t, ok)

	_, ok = m.GetBySession("sess-1")
	assert.True(t, ok)

	assert.Equal(t, 1, m.Count())
}

func TestPromoteRegistrationReKeysDevice(t *testing.T) {
	m := NewManager(logger.NewTestLogger())
	m.Add(newDevice("SN1"), &fakeSession{id: "sess-1"}, &fakePoller{name: "a"})

	require.True(t, m.PromoteRegistration("dev-SN1", "dev-remote-1"))

	_, ok := m.Get("dev-SN1")
	assert.False(t, ok)

	device, ok := m.Get("dev-remote-1")
	require.True(t, ok)
	assert.True(t, device.RegisteredRemotely)
	assert.Equal(t, "dev-remote-1", device.DeviceID)

	// Serial and session indexes still point at the same entry.
	bySerial, ok := m.GetBySerial("SN1")
	require.True(t, ok)
	assert.Equal(t, "dev-remote-1", bySerial.DeviceID)

	bySession, ok := m.GetBySession("sess-1")
	require.True(t, ok)
	assert.Equal(t, "dev-remote-1", bySession.DeviceID)
}

func TestPromoteRegistrationRefusals(t *testing.T) {
	m := NewManager(logger.NewTestLogger())
	m.Add(newDevice("SN1"), &fakeSession{id: "sess-1"}, &fakePoller{name: "a"})
	m.Add(newDevice("SN2"), &fakeSession{id: "sess-2"}, &fakePoller{name: "b"})

	// Unknown device, empty remote id, and an id collision all refuse.
	assert.False(t, m.PromoteRegistration("no-such-device", "dev-remote-1"))
	assert.False(t, m.PromoteRegistration("dev-SN1", ""))
	assert.False(t, m.PromoteRegistration("dev-SN1", "dev-SN2"))

	device, ok := m.Get("dev-SN1")
	require.True(t, ok)
	assert.False(t, device.RegisteredRemotely)

	// The same id on both sides just flips the flag.
	assert.True(t, m.PromoteRegistration("dev-SN1", "dev-SN1"))

	device, ok = m.Get("dev-SN1")
	require.True(t, ok)
	assert.True(t, device.RegisteredRemotely)
}

func TestReconnectKeepsIdentityAndKicksOldSession(t *testing.T) {
	m := NewManager(logger.NewTestLogger())

	oldSession := &fakeSession{id: "sess-old"}
	first := m.Add(newDevice("SN1"), oldSession, &fakePoller{name: "a"})

	m.SetStatus(first.DeviceID, models.DeviceOffline)
	m.RecordPoll(first.DeviceID, false, time.Millisecond, "timeout")

	newSession := &fakeSession{id: "sess-new"}
	reconnect := newDevice("SN1")
	reconnect.DeviceID = "ignored-new-id"

	second := m.Add(reconnect, newSession, &fakePoller{name: "b"})

	// Identity survives, the old socket is closed, the streak resets.
	assert.Equal(t, "dev-SN1", second.DeviceID)
	assert.True(t, oldSession.closed)
	assert.Equal(t, models.DeviceOnline, second.Status)
	assert.Zero(t, m.ConsecutiveFailures("dev-SN1"))
	assert.Equal(t, 1, m.Count())

	// The session index points at the new session only.
	_, ok := m.GetBySession("sess-old")
	assert.False(t, ok)

	poller, ok := m.Poller("dev-SN1")
	require.True(t, ok)
	assert.Equal(t, "b", poller.(*fakePoller).name)
}

func TestRemoveBySession(t *testing.T) {
	m := NewManager(logger.NewTestLogger())

	m.Add(newDevice("SN1"), &fakeSession{id: "sess-1"}, &fakePoller{})
	m.RemoveBySession("sess-1")

	assert.Zero(t, m.Count())

	_, ok := m.GetBySerial("SN1")
	assert.False(t, ok)
}

func TestListenerCallbacks(t *testing.T) {
	m := NewManager(logger.NewTestLogger())

	var added, removed []string

	var transitions []models.DeviceStatus

	m.Subscribe(Listener{
		OnAdded:   func(d *models.Device) { added = append(added, d.DeviceID) },
		OnRemoved: func(d *models.Device) { removed = append(removed, d.DeviceID) },
		OnStatusChanged: func(d *models.Device, _ models.DeviceStatus) {
			transitions = append(transitions, d.Status)
		},
	})

	m.Add(newDevice("SN1"), &fakeSession{id: "sess-1"}, &fakePoller{})
	m.SetStatus("dev-SN1", models.DeviceOnline)
	m.SetStatus("dev-SN1", models.DeviceOnline) // no-op, no callback
	m.SetStatus("dev-SN1", models.DeviceOffline)
	m.Remove("dev-SN1")

	assert.Equal(t, []string{"dev-SN1"}, added)
	assert.Equal(t, []string{"dev-SN1"}, removed)
	assert.Equal(t, []models.DeviceStatus{models.DeviceOnline, models.DeviceOffline}, transitions)
}

func TestRecordPollStatistics(t *testing.T) {
	m := NewManager(logger.NewTestLogger())
	m.Add(newDevice("SN1"), &fakeSession{id: "sess-1"}, &fakePoller{})

	m.RecordPoll("dev-SN1", true, 5*time.Millisecond, "")
	m.RecordPoll("dev-SN1", false, time.Millisecond, "timeout")
	m.RecordPoll("dev-SN1", false, time.Millisecond, "timeout")

	device, _ := m.Get("dev-SN1")
	assert.Equal(t, uint64(3), device.TotalPolls)
	assert.Equal(t, uint64(1), device.SuccessfulPolls)
	assert.Equal(t, uint64(2), device.FailedPolls)
	assert.Equal(t, 2, m.ConsecutiveFailures("dev-SN1"))
	assert.Equal(t, 3, device.History.Len())

	// A success resets the streak.
	m.RecordPoll("dev-SN1", true, time.Millisecond, "")
	assert.Zero(t, m.ConsecutiveFailures("dev-SN1"))
}

func TestUpdatePollIntervalClamped(t *testing.T) {
	m := NewManager(logger.NewTestLogger())
	m.Add(newDevice("SN1"), &fakeSession{id: "sess-1"}, &fakePoller{})

	minI := 5 * time.Second
	maxI := 10 * time.Minute

	m.UpdatePollInterval("dev-SN1", time.Second, minI, maxI)
	got, _ := m.PollInterval("dev-SN1")
	assert.Equal(t, minI, got)

	m.UpdatePollInterval("dev-SN1", time.Hour, minI, maxI)
	got, _ = m.PollInterval("dev-SN1")
	assert.Equal(t, maxI, got)

	m.UpdatePollInterval("dev-SN1", time.Minute, minI, maxI)
	got, _ = m.PollInterval("dev-SN1")
	assert.Equal(t, time.Minute, got)
}
