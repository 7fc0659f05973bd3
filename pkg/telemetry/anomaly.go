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

package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/models"
)

// windowSize is the per-(device, metric) sliding window of recent valid
// values used for rate-of-change detection.
const windowSize = 10

type windowKey struct {
	deviceID string
	metric   string
}

type window struct {
	values []float64
}

func (w *window) push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > windowSize {
		w.values = w.values[1:]
	}
}

func (w *window) last() (float64, bool) {
	if len(w.values) == 0 {
		return 0, false
	}

	return w.values[len(w.values)-1], true
}

// Detector checks validated values against configured thresholds and
// emits anomaly events. Detection never drops a sample.
type Detector struct {
	thresholds map[string]models.AnomalyThreshold

	mu      sync.Mutex
	windows map[windowKey]*window

	// Emit receives anomaly events; it must not block. Optional.
	Emit func(event models.AnomalyEvent)
}

// NewDetector creates a detector with the given per-metric thresholds.
func NewDetector(thresholds map[string]models.AnomalyThreshold) *Detector {
	return &Detector{
		thresholds: thresholds,
		windows:    make(map[windowKey]*window),
	}
}

// Observe feeds one validated value through detection and records it in
// the device's sliding window.
func (d *Detector) Observe(deviceID, metric string, value float64, at time.Time) {
	threshold, ok := d.thresholds[metric]

	d.mu.Lock()
	key := windowKey{deviceID: deviceID, metric: metric}

	w := d.windows[key]
	if w == nil {
		w = &window{}
		d.windows[key] = w
	}

	previous, hasPrevious := w.last()
	w.push(value)
	d.mu.Unlock()

	if !ok {
		return
	}

	emit := func(kind models.AnomalyKind, limit float64) {
		if d.Emit != nil {
			d.Emit(models.AnomalyEvent{
				DeviceID:  deviceID,
				Metric:    metric,
				Kind:      kind,
				Value:     value,
				Threshold: limit,
				Timestamp: at,
			})
		}
	}

	if threshold.Min != nil && value < *threshold.Min {
		emit(models.AnomalyBelowMinimum, *threshold.Min)
	}

	if threshold.Max != nil && value > *threshold.Max {
		emit(models.AnomalyAboveMaximum, *threshold.Max)
	}

	if threshold.RateOfChange != nil && hasPrevious {
		if math.Abs(value-previous) > *threshold.RateOfChange {
			emit(models.AnomalyRapidChange, *threshold.RateOfChange)
		}
	}
}
