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
	"errors"

	"github.com/gridpulse/deviceserver/pkg/modbus"
	"github.com/gridpulse/deviceserver/pkg/models"
)

var errEmptySerial = errors.New("decoded serial is empty")

// probeModbus reads the identification registers and tests the first
// word against the expected values. An in-band Modbus exception is a
// definitive miss: the device answered and refused, so there is no
// point retrying this protocol.
func (p *Prober) probeModbus(def *models.ProtocolDefinition, t Transport) (bool, map[string]string) {
	client := modbus.NewClient(t, def.Modbus.UnitID)

	words, err := client.ReadHoldingRegisters(def.Identification.Register, def.Identification.Size)
	if err != nil {
		if modbus.IsException(err) {
			p.logger.Debug().
				Str("protocol_id", def.ID).
				Err(err).
				Msg("device refused identification read")
		}

		return false, nil
	}

	if len(words) == 0 {
		return false, nil
	}

	if len(def.Identification.ExpectedValues) == 0 {
		// No expected values configured: any well-formed response to
		// the identification read counts as a match.
		return true, nil
	}

	for _, want := range def.Identification.ExpectedValues {
		if words[0] == want {
			return true, nil
		}
	}

	return false, nil
}

// serialFromRegisters reads and decodes the serial-number registers.
func (p *Prober) serialFromRegisters(def *models.ProtocolDefinition, t Transport) (string, error) {
	client := modbus.NewClient(t, def.Modbus.UnitID)

	words, err := client.ReadHoldingRegisters(def.SerialNumber.Register, def.SerialNumber.Size)
	if err != nil {
		return "", err
	}

	var serial string

	switch def.SerialNumber.Encoding {
	case models.SerialEncodingHex:
		serial = modbus.WordsToHex(words)
	case models.SerialEncodingRaw:
		serial = modbus.WordsToHex(words)
	default:
		serial = modbus.WordsToASCII(words)
	}

	if serial == "" {
		return "", errEmptySerial
	}

	return serial, nil
}
