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

package probe

import (
	"encoding/hex"
	"strings"

	"github.com/gridpulse/deviceserver/pkg/models"
)

// Device-family specializations, keyed by protocol-id substring. They
// only enrich the metadata of an already-successful probe; the match
// decision itself stays with the generic probes.

// specialize enriches a text-command match.
func specialize(def *models.ProtocolDefinition, t Transport, response string) map[string]string {
	if strings.Contains(def.ID, "pytes") {
		return pytesMetadata(t, response, &def.Command)
	}

	return nil
}

// specializeBinary enriches a binary-command match.
func specializeBinary(def *models.ProtocolDefinition, response []byte) map[string]string {
	if strings.Contains(def.ID, "jkbms") {
		return jkbmsMetadata(response)
	}

	return nil
}

// pytesMetadata pulls the model and firmware lines out of a Pytes
// "info" response. Pytes units answer info/bat/pwr line commands; the
// identification probe already consumed one response, so we issue a
// fresh "info" for the richer fields.
func pytesMetadata(t Transport, matched string, spec *models.CommandSpec) map[string]string {
	meta := map[string]string{}

	harvest := func(text string) {
		for _, line := range strings.Split(text, "\n") {
			key, value, found := strings.Cut(line, ":")
			if !found {
				continue
			}

			switch strings.ToLower(strings.TrimSpace(key)) {
			case "device name", "devicename":
				meta["model"] = strings.TrimSpace(value)
			case "board version":
				meta["board_version"] = strings.TrimSpace(value)
			case "main soft version", "soft version":
				meta["firmware"] = strings.TrimSpace(value)
			}
		}
	}

	harvest(matched)

	if len(meta) == 0 {
		if info, err := sendTextCommand(t, "info", spec); err == nil {
			harvest(info)
		}
	}

	if len(meta) == 0 {
		return nil
	}

	return meta
}

// jkbmsMetadata records the 4E 57 frame header and declared frame
// length from a JK-BMS response.
func jkbmsMetadata(response []byte) map[string]string {
	if len(response) < 4 {
		return nil
	}

	return map[string]string{
		"frame_header": strings.ToUpper(hex.EncodeToString(response[:2])),
		"frame_length": strings.ToUpper(hex.EncodeToString(response[2:4])),
	}
}
