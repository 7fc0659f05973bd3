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

package models

import "time"

// SessionState tracks a connection through its lifecycle.
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionIdentifying  SessionState = "identifying"
	SessionIdentified   SessionState = "identified"
	SessionPolling      SessionState = "polling"
	SessionDisconnected SessionState = "disconnected"
	SessionError        SessionState = "error"
)

// DeviceStatus is the canonical device availability state.
type DeviceStatus string

const (
	DeviceInitializing DeviceStatus = "initializing"
	DeviceOnline       DeviceStatus = "online"
	DeviceOffline      DeviceStatus = "offline"
	DeviceError        DeviceStatus = "error"
)

// PollRecord is one entry of a device's bounded poll history.
type PollRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// PollHistoryCapacity bounds the per-device poll history ring.
const PollHistoryCapacity = 100

// PollHistory is a fixed-capacity ring of recent poll outcomes.
type PollHistory struct {
	records []PollRecord
	next    int
	full    bool
}

// Append records one poll outcome, evicting the oldest when full.
func (h *PollHistory) Append(rec PollRecord) {
	if h.records == nil {
		h.records = make([]PollRecord, PollHistoryCapacity)
	}

	h.records[h.next] = rec
	h.next = (h.next + 1) % len(h.records)

	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of records held.
func (h *PollHistory) Len() int {
	if h.full {
		return len(h.records)
	}

	return h.next
}

// Snapshot returns the held records oldest-first.
func (h *PollHistory) Snapshot() []PollRecord {
	if h.records == nil {
		return nil
	}

	out := make([]PollRecord, 0, h.Len())

	if h.full {
		out = append(out, h.records[h.next:]...)
	}

	out = append(out, h.records[:h.next]...)

	return out
}

// Device is the canonical record for one identified piece of equipment.
// Identity is the serial number; the session reference is weak (an id
// resolved through the session index, never socket ownership).
type Device struct {
	DeviceID     string                 `json:"device_id"`
	SerialNumber string                 `json:"serial_number"`
	SessionID    string                 `json:"session_id"`
	SiteID       string                 `json:"site_id,omitempty"`
	ProtocolID   string                 `json:"protocol_id"`
	DeviceType   DeviceType             `json:"device_type"`
	Status       DeviceStatus           `json:"status"`
	PollInterval time.Duration          `json:"poll_interval"`
	// PollTimeout and MaxFailures come from the protocol's polling spec
	// and override the process-wide defaults when nonzero.
	PollTimeout time.Duration `json:"poll_timeout,omitempty"`
	MaxFailures int           `json:"max_failures,omitempty"`

	ConnectedAt   time.Time              `json:"connected_at"`
	LastSeen      time.Time              `json:"last_seen"`
	LastTelemetry map[string]interface{} `json:"last_telemetry,omitempty"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalPolls          uint64 `json:"total_polls"`
	SuccessfulPolls     uint64 `json:"successful_polls"`
	FailedPolls         uint64 `json:"failed_polls"`

	// RegisteredRemotely is false when the control plane could not be
	// reached at registration time and a local id was assigned.
	RegisteredRemotely bool `json:"registered_remotely"`

	History PollHistory `json:"-"`
}
