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

package adapter

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// newPytesPoller builds the Pytes battery adapter: a pwr + bat command
// script with a parser that lifts the key figures into numeric metrics.
// Raw responses stay available under the metadata keys for downstream
// parsers.
func newPytesPoller(conn Conn, def *models.ProtocolDefinition, _ models.RegisterMap, log logger.Logger) Poller {
	return &commandPoller{
		conn:   conn,
		def:    def,
		logger: log,
		script: []string{"pwr", "bat"},
		parse:  parsePytes,
	}
}

// pytesFieldPattern matches "Name : 51234 mV" style console lines.
var pytesFieldPattern = regexp.MustCompile(`(?i)^\s*([A-Za-z ._]+?)\s*:\s*(-?\d+(?:\.\d+)?)\s*([a-zA-Z%]*)\s*$`)

// parsePytes extracts voltage/current/temperature/SOC figures from the
// pwr and bat console responses. Pytes units report millivolt and
// milliamp integers; those are normalized to V and A.
func parsePytes(responses map[string]string, metrics map[string]interface{}) {
	for _, response := range []string{responses["pwr"], responses["bat"]} {
		if response == "" {
			continue
		}

		for _, line := range strings.Split(response, "\n") {
			m := pytesFieldPattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}

			value, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				continue
			}

			name := strings.ToLower(strings.TrimSpace(m[1]))
			unit := strings.ToLower(m[3])

			switch unit {
			case "mv", "ma", "mw":
				value /= 1000
			}

			switch {
			case strings.Contains(name, "volt"):
				metrics["battery_voltage"] = value
			case strings.Contains(name, "curr"):
				metrics["battery_current"] = value
			case strings.Contains(name, "tempr"), strings.Contains(name, "temp"):
				// Console temperature is milli-degrees on some firmware.
				if unit == "" && (value > 1000 || value < -1000) {
					value /= 1000
				}

				metrics["battery_temperature"] = value
			case strings.Contains(name, "coulomb"), strings.Contains(name, "soc"):
				metrics["battery_soc"] = value
			case strings.Contains(name, "base state"):
				// Non-numeric on real units; pattern already filters.
			}
		}
	}
}
