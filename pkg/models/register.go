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

// RegisterKind is the Modbus table a register lives in.
type RegisterKind string

const (
	RegisterKindHolding RegisterKind = "holding"
	RegisterKindInput   RegisterKind = "input"
)

// RegisterType is the decoded value type of a register group.
type RegisterType string

const (
	RegisterTypeU16   RegisterType = "u16"
	RegisterTypeS16   RegisterType = "s16"
	RegisterTypeU32   RegisterType = "u32"
	RegisterTypeS32   RegisterType = "s32"
	RegisterTypeASCII RegisterType = "ascii"
)

// RegisterAccess is the read/write capability of a register.
type RegisterAccess string

const (
	RegisterReadOnly  RegisterAccess = "RO"
	RegisterReadWrite RegisterAccess = "RW"
	RegisterWriteOnly RegisterAccess = "WO"
)

// RegisterDescriptor describes one named register group from a register
// map sidecar file.
type RegisterDescriptor struct {
	ID      string         `json:"id"`
	Addr    uint16         `json:"addr"`
	Size    uint16         `json:"size"`
	Kind    RegisterKind   `json:"kind"`
	Type    RegisterType   `json:"type"`
	Access  RegisterAccess `json:"rw"`
	Scale   *float64       `json:"scale,omitempty"`
	Encoder string         `json:"encoder,omitempty"`
}

// Pollable reports whether the register is read during a poll cycle.
// Write-only registers and registers outside the holding/input tables
// are skipped.
func (r *RegisterDescriptor) Pollable() bool {
	if r.Access == RegisterWriteOnly {
		return false
	}

	return r.Kind == RegisterKindHolding || r.Kind == RegisterKindInput
}

// Writable reports whether the register accepts command-driven writes.
func (r *RegisterDescriptor) Writable() bool {
	return r.Access == RegisterReadWrite || r.Access == RegisterWriteOnly
}

// RegisterMap is the ordered register catalogue of one device family.
type RegisterMap []RegisterDescriptor

// ByID returns the descriptor with the given id, or nil.
func (m RegisterMap) ByID(id string) *RegisterDescriptor {
	for i := range m {
		if m[i].ID == id {
			return &m[i]
		}
	}

	return nil
}
