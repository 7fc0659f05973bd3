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

// TelemetrySample is one complete poll result headed for storage.
// Metric keys beginning with "_" are reserved metadata; all other
// values must be numeric-coercible or they are dropped during
// validation.
type TelemetrySample struct {
	DeviceID       string                 `json:"device_id"`
	SiteID         string                 `json:"site_id,omitempty"`
	SerialNumber   string                 `json:"serial_number"`
	ProtocolID     string                 `json:"protocol_id"`
	DeviceType     DeviceType             `json:"device_type"`
	Timestamp      time.Time              `json:"timestamp"`
	PollDurationMS int64                  `json:"poll_duration_ms"`
	Metrics        map[string]interface{} `json:"metrics"`
}

// AnomalyKind classifies a threshold crossing.
type AnomalyKind string

const (
	AnomalyBelowMinimum AnomalyKind = "below_minimum"
	AnomalyAboveMaximum AnomalyKind = "above_maximum"
	AnomalyRapidChange  AnomalyKind = "rapid_change"
)

// AnomalyEvent is emitted to the control plane when an in-range value
// crosses a configured threshold. It never drops the sample itself.
type AnomalyEvent struct {
	DeviceID  string      `json:"device_id"`
	Metric    string      `json:"metric"`
	Kind      AnomalyKind `json:"kind"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
	Timestamp time.Time   `json:"timestamp"`
}

// AnomalyThreshold configures detection for one metric name.
type AnomalyThreshold struct {
	Min          *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max          *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	RateOfChange *float64 `json:"rate_of_change,omitempty" yaml:"rate_of_change,omitempty"`
}
