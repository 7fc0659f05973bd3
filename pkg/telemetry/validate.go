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
	"strconv"
	"strings"
)

// Modbus "unavailable" markers. All-zero readings are valid data; only
// these two values mean the register had nothing to report.
const (
	markerU16 = 0xFFFF
	markerU32 = 0xFFFFFFFF
)

// rangeRule bounds metrics whose names contain the pattern,
// case-insensitively. Values outside the range are bad data and are
// silently dropped, which is distinct from anomaly detection.
type rangeRule struct {
	pattern  string
	min, max float64
}

var defaultRanges = []rangeRule{
	{"voltage", 0, 1000},
	{"frequency", 40, 70},
	{"soc", 0, 100},
	{"soh", 0, 100},
	{"temperature", -40, 100},
	{"temp", -40, 100},
	{"power", -100000, 100000},
	{"current", -1000, 1000},
	{"humidity", 0, 100},
	{"efficiency", 0, 100},
}

// ValidateMetrics returns a cleaned copy of metrics: numerics coerced
// to float64, unavailable markers and non-finite values dropped,
// out-of-range values dropped, strings trimmed with empties removed.
// Keys starting with "_" are reserved metadata and pass through
// untouched. Running an already-validated map through again leaves it
// unchanged.
func ValidateMetrics(metrics map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metrics))

	for key, raw := range metrics {
		if strings.HasPrefix(key, "_") {
			out[key] = raw
			continue
		}

		switch v := raw.(type) {
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				continue
			}

			// Numeric strings become numbers; anything else is kept as
			// trimmed text.
			if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
				if value, ok := acceptNumeric(key, f); ok {
					out[key] = value
				}

				continue
			}

			out[key] = trimmed
		case nil:
			continue
		default:
			f, ok := toFloat(raw)
			if !ok {
				continue
			}

			if value, accepted := acceptNumeric(key, f); accepted {
				out[key] = value
			}
		}
	}

	return out
}

func acceptNumeric(key string, f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	if f == float64(markerU16) || f == float64(markerU32) {
		return 0, false
	}

	if !inRange(key, f) {
		return 0, false
	}

	return f, true
}

func inRange(key string, f float64) bool {
	lower := strings.ToLower(key)

	for i := range defaultRanges {
		if strings.Contains(lower, defaultRanges[i].pattern) {
			return f >= defaultRanges[i].min && f <= defaultRanges[i].max
		}
	}

	return true
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}

		return 0, true
	default:
		return 0, false
	}
}
