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

// Package models provides the data models shared across the device server.
package models

import "regexp"

// DeviceType classifies the equipment behind a protocol.
type DeviceType string

const (
	DeviceTypeInverter DeviceType = "inverter"
	DeviceTypeMeter    DeviceType = "meter"
	DeviceTypeBattery  DeviceType = "battery"
	DeviceTypeLogger   DeviceType = "logger"
	DeviceTypeUnknown  DeviceType = "unknown"
)

// Transport names the wire protocol family a definition speaks.
type Transport string

const (
	TransportModbusTCP Transport = "modbus_tcp"
	TransportModbusRTU Transport = "modbus_rtu"
	TransportCommand   Transport = "command"
	TransportBLE       Transport = "ble"
)

// IsModbus reports whether the transport is a Modbus variant.
func (t Transport) IsModbus() bool {
	return t == TransportModbusTCP || t == TransportModbusRTU
}

// IdentificationKind discriminates the IdentificationSpec union.
type IdentificationKind string

const (
	IdentifyByRegister IdentificationKind = "register"
	IdentifyByCommand  IdentificationKind = "command"
)

// IdentificationSpec describes how to recognize a device family on a
// live connection. Exactly one of the register or command forms is
// populated; Kind is resolved when the definition is loaded.
type IdentificationSpec struct {
	Kind IdentificationKind

	// Register probe form.
	Register       uint16
	Size           uint16
	ExpectedValues []uint16

	// Command probe form.
	Command          string
	ExpectedResponse string

	Timeout Duration
}

// SerialEncoding selects how serial-number registers decode to text.
type SerialEncoding string

const (
	SerialEncodingASCII SerialEncoding = "ascii"
	SerialEncodingHex   SerialEncoding = "hex"
	SerialEncodingRaw   SerialEncoding = "raw"
)

// SerialNumberSpec describes how to extract the device serial. Like
// IdentificationSpec it is a tagged union resolved at load time.
type SerialNumberSpec struct {
	Kind IdentificationKind

	// Register extract form.
	Register uint16
	Size     uint16
	Encoding SerialEncoding

	// Command extract form. Pattern is the compiled ParseRegex and has
	// exactly one capture group.
	Command    string
	ParseRegex string
	Pattern    *regexp.Regexp
}

// PollingSpec carries the per-protocol polling cadence.
type PollingSpec struct {
	DefaultInterval        Duration
	MinInterval            Duration
	MaxInterval            Duration
	Timeout                Duration
	MaxConsecutiveFailures int
	RetryDelay             Duration
}

// ModbusSpec carries the Modbus transport sub-config. The serial-line
// fields are accepted for RTU definitions and otherwise unused.
type ModbusSpec struct {
	UnitID     uint8
	Timeout    Duration
	Retries    int
	RetryDelay Duration
	Baudrate   int
	Parity     string
	Stopbits   int
	Bytesize   int
}

// CommandSpec carries the line/binary command transport sub-config.
type CommandSpec struct {
	LineEnding      string
	ResponseTimeout Duration
	CommandDelay    Duration
}

// ProtocolDefinition is one entry of the protocol catalogue. Immutable
// after load.
type ProtocolDefinition struct {
	ID              string
	Name            string
	DeviceType      DeviceType
	Transport       Transport
	Priority        int
	RegisterMapFile string
	Manufacturer    string
	ModelPattern    string
	Description     string
	AdapterClass    string

	Identification IdentificationSpec
	SerialNumber   SerialNumberSpec
	Polling        PollingSpec
	Modbus         ModbusSpec
	Command        CommandSpec
}
