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

// ScanStatus tracks a discovery scan through its phases.
type ScanStatus string

const (
	ScanPending     ScanStatus = "pending"
	ScanScanning    ScanStatus = "scanning"
	ScanIdentifying ScanStatus = "identifying"
	ScanCompleted   ScanStatus = "completed"
	ScanCancelled   ScanStatus = "cancelled"
	ScanFailed      ScanStatus = "failed"
)

// ScanTarget is one (ip, port) endpoint to probe.
type ScanTarget struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ScanResult is the outcome of one connect attempt.
type ScanResult struct {
	Target    ScanTarget    `json:"target"`
	Available bool          `json:"available"`
	RespTime  time.Duration `json:"response_time"`
	Error     error         `json:"-"`
}

// ScanProgress carries the counters reported during a discovery run.
type ScanProgress struct {
	TotalHosts            int `json:"total_hosts"`
	ScannedHosts          int `json:"scanned_hosts"`
	ResponsiveHosts       int `json:"responsive_hosts"`
	IdentifiedDevices     int `json:"identified_devices"`
	FailedIdentifications int `json:"failed_identifications"`
}

// DiscoveredDevice is one identified endpoint from a scan.
type DiscoveredDevice struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	SerialNumber string        `json:"serial_number"`
	ProtocolID   string        `json:"protocol_id"`
	DeviceType   DeviceType    `json:"device_type"`
	RespTime     time.Duration `json:"response_time"`
}

// DiscoveryScan is the transient record of one scan run.
type DiscoveryScan struct {
	ScanID      string             `json:"scan_id"`
	Network     string             `json:"network"`
	Ports       []int              `json:"ports"`
	Status      ScanStatus         `json:"status"`
	Progress    ScanProgress       `json:"progress"`
	Devices     []DiscoveredDevice `json:"devices"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}
