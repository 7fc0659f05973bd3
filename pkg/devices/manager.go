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

// Package devices owns the set of identified devices and their
// indexes. One coarse mutex guards all three indexes; the operations
// are rare next to the I/O they bracket.
package devices

import (
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/adapter"
	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// SessionRef is the weak session handle a device holds: identity and
// the ability to close, never socket ownership.
type SessionRef interface {
	ID() string
	Close() error
}

// Listener receives device lifecycle events. Callbacks run while the
// manager holds no locks.
type Listener struct {
	OnAdded         func(device *models.Device)
	OnRemoved       func(device *models.Device)
	OnStatusChanged func(device *models.Device, previous models.DeviceStatus)
}

type entry struct {
	device  *models.Device
	session SessionRef
	poller  adapter.Poller
}

// Manager indexes identified devices by id, serial, and session.
type Manager struct {
	mu        sync.Mutex
	byID      map[string]*entry
	bySerial  map[string]*entry
	bySession map[string]*entry
	listeners []Listener
	logger    logger.Logger
}

// NewManager creates an empty device manager.
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		byID:      make(map[string]*entry),
		bySerial:  make(map[string]*entry),
		bySession: make(map[string]*entry),
		logger:    log.WithComponent("devices"),
	}
}

// Subscribe registers a lifecycle listener. Must be called before the
// first Add; listeners are not removable.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, l)
}

// Add registers an identified device. A serial that already exists is
// a reconnect: the device id is preserved, the session and poller are
// swapped atomically, the previous socket is closed, the failure
// counter resets, and the device goes Online.
func (m *Manager) Add(device *models.Device, session SessionRef, poller adapter.Poller) *models.Device {
	m.mu.Lock()

	var (
		previous     SessionRef
		existing     *entry
		statusBefore models.DeviceStatus
		isNew        bool
	)

	if existing = m.bySerial[device.SerialNumber]; existing != nil {
		statusBefore = existing.device.Status

		if existing.session != nil {
			if existing.session.ID() != session.ID() {
				previous = existing.session
			}

			delete(m.bySession, existing.session.ID())
		}

		existing.device.SessionID = session.ID()
		existing.device.ProtocolID = device.ProtocolID
		existing.device.DeviceType = device.DeviceType
		existing.device.Status = models.DeviceOnline
		existing.device.ConsecutiveFailures = 0
		existing.device.ConnectedAt = device.ConnectedAt
		existing.device.LastSeen = time.Now().UTC()
		existing.session = session
		existing.poller = poller

		if device.PollInterval > 0 {
			existing.device.PollInterval = device.PollInterval
		}

		device = existing.device
		m.bySession[session.ID()] = existing
	} else {
		isNew = true
		device.SessionID = session.ID()
		device.LastSeen = time.Now().UTC()

		if device.Status == "" {
			device.Status = models.DeviceInitializing
		}

		e := &entry{device: device, session: session, poller: poller}
		m.byID[device.DeviceID] = e
		m.bySerial[device.SerialNumber] = e
		m.bySession[session.ID()] = e
	}

	listeners := m.listeners
	m.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	for _, l := range listeners {
		if isNew && l.OnAdded != nil {
			l.OnAdded(device)
		}

		if !isNew && l.OnStatusChanged != nil && statusBefore != models.DeviceOnline {
			l.OnStatusChanged(device, statusBefore)
		}
	}

	m.logger.Info().
		Str("device_id", device.DeviceID).
		Str("serial_number", device.SerialNumber).
		Bool("reconnect", !isNew).
		Msg("device registered")

	return device
}

// Remove drops a device from all indexes.
func (m *Manager) Remove(deviceID string) {
	m.mu.Lock()

	e, ok := m.byID[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}

	delete(m.byID, deviceID)
	delete(m.bySerial, e.device.SerialNumber)
	delete(m.bySession, e.device.SessionID)

	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		if l.OnRemoved != nil {
			l.OnRemoved(e.device)
		}
	}
}

// RemoveBySession drops the device bound to a session, if any.
func (m *Manager) RemoveBySession(sessionID string) {
	m.mu.Lock()
	e, ok := m.bySession[sessionID]
	m.mu.Unlock()

	if ok {
		m.Remove(e.device.DeviceID)
	}
}

// PromoteRegistration re-keys a device polling under a local id to the
// id the control plane assigned and marks it remotely registered. A
// remote id that is already taken by another device is refused.
func (m *Manager) PromoteRegistration(deviceID, remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if remoteID == "" {
		return false
	}

	e, ok := m.byID[deviceID]
	if !ok {
		return false
	}

	if remoteID != deviceID {
		if _, taken := m.byID[remoteID]; taken {
			return false
		}

		delete(m.byID, deviceID)
		m.byID[remoteID] = e
	}

	e.device.DeviceID = remoteID
	e.device.RegisteredRemotely = true

	m.logger.Info().
		Str("local_device_id", deviceID).
		Str("device_id", remoteID).
		Str("serial_number", e.device.SerialNumber).
		Msg("device promoted to remote registration")

	return true
}

// Get returns the device with the given id.
func (m *Manager) Get(deviceID string) (*models.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[deviceID]
	if !ok {
		return nil, false
	}

	return e.device, true
}

// GetBySerial returns the device with the given serial.
func (m *Manager) GetBySerial(serial string) (*models.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.bySerial[serial]
	if !ok {
		return nil, false
	}

	return e.device, true
}

// GetBySession returns the device bound to a session.
func (m *Manager) GetBySession(sessionID string) (*models.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.bySession[sessionID]
	if !ok {
		return nil, false
	}

	return e.device, true
}

// Poller returns the active poller for a device.
func (m *Manager) Poller(deviceID string) (adapter.Poller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[deviceID]
	if !ok || e.poller == nil {
		return nil, false
	}

	return e.poller, true
}

// Session returns the weak session handle for a device.
func (m *Manager) Session(deviceID string) (SessionRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[deviceID]
	if !ok || e.session == nil {
		return nil, false
	}

	return e.session, true
}

// List returns all devices.
func (m *Manager) List() []*models.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Device, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e.device)
	}

	return out
}

// Count returns the number of managed devices.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.byID)
}

// SetStatus updates a device's status, firing the status listener.
func (m *Manager) SetStatus(deviceID string, status models.DeviceStatus) {
	m.mu.Lock()

	e, ok := m.byID[deviceID]
	if !ok || e.device.Status == status {
		m.mu.Unlock()
		return
	}

	previous := e.device.Status
	e.device.Status = status
	device := e.device
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		if l.OnStatusChanged != nil {
			l.OnStatusChanged(device, previous)
		}
	}
}

// RecordPoll updates poll statistics and the bounded history ring.
func (m *Manager) RecordPoll(deviceID string, success bool, duration time.Duration, pollErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[deviceID]
	if !ok {
		return
	}

	d := e.device
	d.TotalPolls++

	if success {
		d.SuccessfulPolls++
		d.ConsecutiveFailures = 0
		d.LastSeen = time.Now().UTC()
	} else {
		d.FailedPolls++
		d.ConsecutiveFailures++
	}

	d.History.Append(models.PollRecord{
		Timestamp:  time.Now().UTC(),
		Success:    success,
		DurationMS: duration.Milliseconds(),
		Error:      pollErr,
	})
}

// ConsecutiveFailures returns the failure streak for a device.
func (m *Manager) ConsecutiveFailures(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byID[deviceID]; ok {
		return e.device.ConsecutiveFailures
	}

	return 0
}

// UpdateTelemetry stores the latest metric snapshot on the device.
func (m *Manager) UpdateTelemetry(deviceID string, metrics map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byID[deviceID]; ok {
		e.device.LastTelemetry = metrics
	}
}

// UpdatePollInterval changes a device's poll interval, clamped to
// [min, max]. The scheduler picks it up on its next decision.
func (m *Manager) UpdatePollInterval(deviceID string, interval, minI, maxI time.Duration) {
	if interval < minI {
		interval = minI
	}

	if maxI > 0 && interval > maxI {
		interval = maxI
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byID[deviceID]; ok {
		e.device.PollInterval = interval
	}
}

// PollInterval reads the device's current poll interval.
func (m *Manager) PollInterval(deviceID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byID[deviceID]; ok {
		return e.device.PollInterval, true
	}

	return 0, false
}
