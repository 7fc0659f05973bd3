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

package modbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gridpulse/deviceserver/pkg/models"
)

var errWordCount = errors.New("modbus: word count does not match register size")

// DecodeValue decodes raw register words per the descriptor's type and
// applies its scale. Numeric results are float64; ascii results are
// strings.
func DecodeValue(desc *models.RegisterDescriptor, words []uint16) (interface{}, error) {
	if len(words) < int(desc.Size) {
		return nil, fmt.Errorf("%w: %s has %d words, needs %d", errWordCount, desc.ID, len(words), desc.Size)
	}

	if desc.Encoder == "ascii" || desc.Type == models.RegisterTypeASCII {
		return WordsToASCII(words[:desc.Size]), nil
	}

	var value float64

	switch desc.Type {
	case models.RegisterTypeU16:
		value = float64(words[0])
	case models.RegisterTypeS16:
		v := int32(words[0])
		if words[0] >= 0x8000 {
			v -= 0x10000
		}

		value = float64(v)
	case models.RegisterTypeU32:
		value = float64(uint32(words[0])<<16 | uint32(words[1]))
	case models.RegisterTypeS32:
		raw := uint32(words[0])<<16 | uint32(words[1])
		value = float64(int32(raw))
	default:
		return nil, fmt.Errorf("modbus: unknown register type %q for %s", desc.Type, desc.ID)
	}

	if desc.Scale != nil {
		value *= *desc.Scale
	}

	return value, nil
}

// WordsToASCII decodes registers high-byte-then-low-byte into a string,
// truncated at the first NUL and trimmed of whitespace.
func WordsToASCII(words []uint16) string {
	buf := make([]byte, 0, len(words)*2)

	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w&0xFF))
	}

	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		buf = buf[:i]
	}

	return strings.TrimSpace(string(buf))
}

// WordsToHex formats register bytes as uppercase hex.
func WordsToHex(words []uint16) string {
	var b strings.Builder

	for _, w := range words {
		fmt.Fprintf(&b, "%02X%02X", byte(w>>8), byte(w&0xFF))
	}

	return b.String()
}

// ASCIIToWords packs a string into size registers, high byte first,
// NUL-padded. The inverse of WordsToASCII for clean input.
func ASCIIToWords(s string, size int) []uint16 {
	words := make([]uint16, size)

	for i := 0; i < size; i++ {
		var hi, lo byte

		if i*2 < len(s) {
			hi = s[i*2]
		}

		if i*2+1 < len(s) {
			lo = s[i*2+1]
		}

		words[i] = uint16(hi)<<8 | uint16(lo)
	}

	return words
}

// Int32ToWords splits a signed 32-bit value into two big-endian words.
func Int32ToWords(v int32) []uint16 {
	raw := uint32(v)
	return []uint16{uint16(raw >> 16), uint16(raw & 0xFFFF)}
}
