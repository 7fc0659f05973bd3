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

// Package metrics exposes the device server's prometheus
// instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline updates. Construct one per
// process (or per test) with New.
type Metrics struct {
	SessionsActive        prometheus.Gauge
	SessionsTotal         prometheus.Counter
	SessionsRejected      prometheus.Counter
	IdentificationsOK     prometheus.Counter
	IdentificationsFailed prometheus.Counter
	PollsOK               prometheus.Counter
	PollsFailed           *prometheus.CounterVec
	DevicesOnline         prometheus.Gauge
	TelemetryQueueDepth   prometheus.Gauge
	TelemetryDropped      prometheus.Counter
	TelemetryWritten      prometheus.Counter
	BatchFlushErrors      prometheus.Counter
	AnomaliesDetected     *prometheus.CounterVec
}

// New registers the device-server collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_sessions_active",
			Help: "Currently open data-logger sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_sessions_total",
			Help: "Total accepted connections.",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_sessions_rejected_total",
			Help: "Connections closed immediately at the connection cap.",
		}),
		IdentificationsOK: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_identifications_total",
			Help: "Successful protocol identifications.",
		}),
		IdentificationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_identifications_failed_total",
			Help: "Sessions closed after exhausting identification retries.",
		}),
		PollsOK: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_polls_total",
			Help: "Successful device polls.",
		}),
		PollsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deviceserver_polls_failed_total",
			Help: "Failed device polls by error kind.",
		}, []string{"kind"}),
		DevicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_devices_online",
			Help: "Devices currently online.",
		}),
		TelemetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deviceserver_telemetry_queue_depth",
			Help: "Samples waiting in the telemetry queue.",
		}),
		TelemetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_telemetry_dropped_total",
			Help: "Samples dropped because the telemetry queue was full.",
		}),
		TelemetryWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_telemetry_written_total",
			Help: "Samples flushed to the time-series store.",
		}),
		BatchFlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "deviceserver_batch_flush_errors_total",
			Help: "Failed batch flushes (batch retained for retry).",
		}),
		AnomaliesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deviceserver_anomalies_total",
			Help: "Anomaly events by kind.",
		}, []string{"kind"}),
	}
}

// NewTestMetrics returns collectors on a private registry for tests.
func NewTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}
