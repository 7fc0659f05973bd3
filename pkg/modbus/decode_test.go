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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/deviceserver/pkg/models"
)

func scale(v float64) *float64 { return &v }

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name  string
		desc  models.RegisterDescriptor
		words []uint16
		want  interface{}
	}{
		{
			name:  "u16 with scale",
			desc:  models.RegisterDescriptor{ID: "voltage", Size: 1, Type: models.RegisterTypeU16, Scale: scale(0.1)},
			words: []uint16{2405},
			want:  240.5,
		},
		{
			name:  "s16 negative",
			desc:  models.RegisterDescriptor{ID: "current", Size: 1, Type: models.RegisterTypeS16},
			words: []uint16{0xFFFE},
			want:  -2.0,
		},
		{
			name:  "u32",
			desc:  models.RegisterDescriptor{ID: "energy", Size: 2, Type: models.RegisterTypeU32},
			words: []uint16{0x0001, 0x0000},
			want:  65536.0,
		},
		{
			name:  "s32 negative",
			desc:  models.RegisterDescriptor{ID: "power", Size: 2, Type: models.RegisterTypeS32},
			words: []uint16{0xFFFF, 0xFFFF},
			want:  -1.0,
		},
		{
			name:  "ascii",
			desc:  models.RegisterDescriptor{ID: "model", Size: 3, Type: models.RegisterTypeASCII},
			words: []uint16{0x5359, 0x4B32, 0x0000},
			want:  "SYK2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue(&tt.desc, tt.words)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeValueShortInput(t *testing.T) {
	desc := models.RegisterDescriptor{ID: "energy", Size: 2, Type: models.RegisterTypeU32}

	_, err := DecodeValue(&desc, []uint16{1})
	assert.ErrorIs(t, err, errWordCount)
}

func TestWordsToASCIIStopsAtNUL(t *testing.T) {
	assert.Equal(t, "AB", WordsToASCII([]uint16{0x4142, 0x0043}))
}

func TestWordsToHex(t *testing.T) {
	assert.Equal(t, "12AB34CD", WordsToHex([]uint16{0x12AB, 0x34CD}))
}

func TestASCIIToWordsRoundTrip(t *testing.T) {
	words := ASCIIToWords("PYTES123", 5)
	assert.Equal(t, "PYTES123", WordsToASCII(words))
}

func TestInt32ToWords(t *testing.T) {
	assert.Equal(t, []uint16{0xFFFF, 0xFFFF}, Int32ToWords(-1))
	assert.Equal(t, []uint16{0x0001, 0x0000}, Int32ToWords(65536))
}
