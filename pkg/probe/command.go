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
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gridpulse/deviceserver/pkg/models"
)

const maxResponseBytes = 4096

var errEmptyResponse = errors.New("empty command response")

// probeCommand sends the identification command and matches the
// response. Commands written as "\x4E\x57" or as bare hex are sent as
// raw bytes; everything else is text terminated by the protocol's line
// ending.
func (p *Prober) probeCommand(def *models.ProtocolDefinition, t Transport) (bool, map[string]string) {
	id := &def.Identification

	if raw, ok := decodeBinaryCommand(id.Command); ok {
		return p.probeBinary(def, t, raw)
	}

	response, err := sendTextCommand(t, id.Command, &def.Command)
	if err != nil || response == "" {
		// An empty response to a text probe is a definitive miss.
		return false, nil
	}

	if !strings.Contains(strings.ToLower(response), strings.ToLower(id.ExpectedResponse)) {
		return false, nil
	}

	return true, specialize(def, t, response)
}

func (p *Prober) probeBinary(def *models.ProtocolDefinition, t Transport, raw []byte) (bool, map[string]string) {
	want, ok := decodeBinaryCommand(def.Identification.ExpectedResponse)
	if !ok {
		want = []byte(def.Identification.ExpectedResponse)
	}

	if _, err := t.Write(raw); err != nil {
		return false, nil
	}

	buf := make([]byte, maxResponseBytes)

	n, err := t.Read(buf)
	if err != nil || n == 0 {
		return false, nil
	}

	if !bytes.HasPrefix(buf[:n], want) {
		return false, nil
	}

	return true, specializeBinary(def, buf[:n])
}

// serialFromCommand sends the serial command and applies the parse
// regex, taking its single capture group.
func (p *Prober) serialFromCommand(def *models.ProtocolDefinition, t Transport) (string, error) {
	sn := &def.SerialNumber

	response, err := sendTextCommand(t, sn.Command, &def.Command)
	if err != nil {
		return "", err
	}

	if response == "" {
		return "", errEmptyResponse
	}

	if sn.Pattern == nil {
		return "", errors.New("no parse regex compiled")
	}

	m := sn.Pattern.FindStringSubmatch(response)
	if len(m) < 2 || m[1] == "" {
		return "", errors.New("parse regex did not match response")
	}

	return strings.TrimSpace(m[1]), nil
}

// sendTextCommand writes command plus the line ending and collects
// response lines until a prompt line (leading '>'), an empty line, or
// the transport deadline. The deadline set by the caller doubles as the
// response timeout.
func sendTextCommand(t Transport, command string, spec *models.CommandSpec) (string, error) {
	_ = t.SetDeadline(time.Now().Add(spec.ResponseTimeout.Duration()))

	if _, err := t.Write([]byte(command + spec.LineEnding)); err != nil {
		return "", err
	}

	var lines []string
	total := 0

	for total < maxResponseBytes {
		line, err := readLine(t, maxResponseBytes-total)
		if err != nil {
			break
		}

		total += len(line) + 1

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			break
		}

		lines = append(lines, trimmed)
	}

	return strings.Join(lines, "\n"), nil
}

// readLine reads a single text line byte-wise. Sessions buffer reads
// internally, so this stays cheap without risking over-read across
// probe phases.
func readLine(t Transport, limit int) (string, error) {
	var b strings.Builder
	one := make([]byte, 1)

	for b.Len() < limit {
		if _, err := t.Read(one); err != nil {
			if b.Len() > 0 {
				return b.String(), nil
			}

			return "", err
		}

		if one[0] == '\n' {
			return b.String(), nil
		}

		if one[0] != '\r' {
			b.WriteByte(one[0])
		}
	}

	return b.String(), nil
}

// decodeBinaryCommand recognizes the two binary spellings used by the
// protocol catalogue: "\x4E\x57" escape sequences and bare even-length
// hex strings.
func decodeBinaryCommand(command string) ([]byte, bool) {
	if command == "" {
		return nil, false
	}

	if strings.HasPrefix(command, `\x`) {
		parts := strings.Split(command, `\x`)
		out := make([]byte, 0, len(parts))

		for _, part := range parts[1:] {
			b, err := hex.DecodeString(part)
			if err != nil {
				return nil, false
			}

			out = append(out, b...)
		}

		return out, true
	}

	if len(command)%2 == 0 && isHexString(command) {
		out, err := hex.DecodeString(command)
		if err != nil {
			return nil, false
		}

		return out, true
	}

	return nil, false
}

func isHexString(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return len(s) > 0
}
