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

package protocols

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridpulse/deviceserver/pkg/models"
)

var (
	errMissingProtocolID = errors.New("protocol entry missing id")
	errNoIdentification  = errors.New("identification needs either a register or a command probe")
	errNoSerialSpec      = errors.New("serial_number needs either a register or a command extractor")
	errBadSerialRegex    = errors.New("serial_number.parse_regex must have exactly one capture group")
	errUnknownTransport  = errors.New("unknown protocol_type")
	errUnknownDeviceType = errors.New("unknown device_type")
)

// document is the top-level shape of one protocol YAML file. Unknown
// keys are ignored by the decoder, which keeps old configs loadable.
type document struct {
	Protocols []entry `yaml:"protocols"`
}

type entry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	DeviceType   string `yaml:"device_type"`
	ProtocolType string `yaml:"protocol_type"`
	CommandBased bool   `yaml:"command_based"`
	Priority     *int   `yaml:"priority"`
	RegisterMap  string `yaml:"register_map"`
	Manufacturer string `yaml:"manufacturer"`
	ModelPattern string `yaml:"model_pattern"`
	Description  string `yaml:"description"`
	AdapterClass string `yaml:"adapter_class"`

	Identification struct {
		Register       *uint16          `yaml:"register"`
		Size           *uint16          `yaml:"size"`
		ExpectedValues []uint16         `yaml:"expected_values"`
		Command        string           `yaml:"command"`
		ExpectedResp   string           `yaml:"expected_response"`
		Timeout        *models.Duration `yaml:"timeout"`
	} `yaml:"identification"`

	SerialNumber struct {
		Register   *uint16 `yaml:"register"`
		Size       *uint16 `yaml:"size"`
		Encoding   string  `yaml:"encoding"`
		Command    string  `yaml:"command"`
		ParseRegex string  `yaml:"parse_regex"`
	} `yaml:"serial_number"`

	Polling struct {
		DefaultInterval        *models.Duration `yaml:"default_interval"`
		MinInterval            *models.Duration `yaml:"min_interval"`
		MaxInterval            *models.Duration `yaml:"max_interval"`
		Timeout                *models.Duration `yaml:"timeout"`
		MaxConsecutiveFailures *int             `yaml:"max_consecutive_failures"`
		RetryDelay             *models.Duration `yaml:"retry_delay"`
	} `yaml:"polling"`

	Modbus struct {
		UnitID     *uint8           `yaml:"unit_id"`
		Timeout    *models.Duration `yaml:"timeout"`
		Retries    *int             `yaml:"retries"`
		RetryDelay *models.Duration `yaml:"retry_delay"`
		Baudrate   int              `yaml:"baudrate"`
		Parity     string           `yaml:"parity"`
		Stopbits   int              `yaml:"stopbits"`
		Bytesize   int              `yaml:"bytesize"`
	} `yaml:"modbus"`

	Command struct {
		LineEnding      string           `yaml:"line_ending"`
		ResponseTimeout *models.Duration `yaml:"response_timeout"`
		CommandDelay    *models.Duration `yaml:"command_delay"`
	} `yaml:"command"`
}

func parseDocument(data []byte, defaults *models.PollingSettings) ([]*models.ProtocolDefinition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed protocol document: %w", err)
	}

	defs := make([]*models.ProtocolDefinition, 0, len(doc.Protocols))

	for i := range doc.Protocols {
		def, err := doc.Protocols[i].toDefinition(defaults)
		if err != nil {
			return nil, fmt.Errorf("protocol %q: %w", doc.Protocols[i].ID, err)
		}

		defs = append(defs, def)
	}

	return defs, nil
}

func (e *entry) toDefinition(defaults *models.PollingSettings) (*models.ProtocolDefinition, error) {
	if e.ID == "" {
		return nil, errMissingProtocolID
	}

	transport, err := e.inferTransport()
	if err != nil {
		return nil, err
	}

	deviceType, err := parseDeviceType(e.DeviceType)
	if err != nil {
		return nil, err
	}

	def := &models.ProtocolDefinition{
		ID:              e.ID,
		Name:            e.Name,
		DeviceType:      deviceType,
		Transport:       transport,
		Priority:        100,
		RegisterMapFile: e.RegisterMap,
		Manufacturer:    e.Manufacturer,
		ModelPattern:    e.ModelPattern,
		Description:     e.Description,
		AdapterClass:    e.AdapterClass,
	}

	if e.Priority != nil {
		def.Priority = *e.Priority
	}

	if err := e.fillIdentification(def); err != nil {
		return nil, err
	}

	if err := e.fillSerialNumber(def); err != nil {
		return nil, err
	}

	e.fillPolling(def, defaults)
	e.fillTransportConfig(def)

	return def, nil
}

// inferTransport resolves the transport for definitions written before
// protocol_type existed: a command identification or the command_based
// flag means command, everything else defaults to Modbus-TCP.
func (e *entry) inferTransport() (models.Transport, error) {
	switch e.ProtocolType {
	case "":
		if e.Identification.Command != "" || e.CommandBased {
			return models.TransportCommand, nil
		}

		return models.TransportModbusTCP, nil
	case string(models.TransportModbusTCP), string(models.TransportModbusRTU),
		string(models.TransportCommand), string(models.TransportBLE):
		return models.Transport(e.ProtocolType), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownTransport, e.ProtocolType)
	}
}

func parseDeviceType(raw string) (models.DeviceType, error) {
	switch raw {
	case "", string(models.DeviceTypeUnknown):
		return models.DeviceTypeUnknown, nil
	case string(models.DeviceTypeInverter), string(models.DeviceTypeMeter),
		string(models.DeviceTypeBattery), string(models.DeviceTypeLogger):
		return models.DeviceType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownDeviceType, raw)
	}
}

func (e *entry) fillIdentification(def *models.ProtocolDefinition) error {
	id := &def.Identification
	id.Timeout = models.Duration(5 * time.Second)

	if e.Identification.Timeout != nil {
		id.Timeout = *e.Identification.Timeout
	}

	switch {
	case e.Identification.Command != "":
		id.Kind = models.IdentifyByCommand
		id.Command = e.Identification.Command
		id.ExpectedResponse = e.Identification.ExpectedResp
	case e.Identification.Register != nil:
		id.Kind = models.IdentifyByRegister
		id.Register = *e.Identification.Register
		id.Size = 1

		if e.Identification.Size != nil {
			id.Size = *e.Identification.Size
		}

		id.ExpectedValues = e.Identification.ExpectedValues
	default:
		return errNoIdentification
	}

	return nil
}

func (e *entry) fillSerialNumber(def *models.ProtocolDefinition) error {
	sn := &def.SerialNumber

	switch {
	case e.SerialNumber.Command != "":
		sn.Kind = models.IdentifyByCommand
		sn.Command = e.SerialNumber.Command
		sn.ParseRegex = e.SerialNumber.ParseRegex

		if sn.ParseRegex == "" {
			return errNoSerialSpec
		}

		pattern, err := regexp.Compile(sn.ParseRegex)
		if err != nil {
			return fmt.Errorf("serial_number.parse_regex: %w", err)
		}

		if pattern.NumSubexp() != 1 {
			return errBadSerialRegex
		}

		sn.Pattern = pattern
	case e.SerialNumber.Register != nil:
		sn.Kind = models.IdentifyByRegister
		sn.Register = *e.SerialNumber.Register
		sn.Size = 5

		if e.SerialNumber.Size != nil {
			sn.Size = *e.SerialNumber.Size
		}

		sn.Encoding = models.SerialEncodingASCII

		if e.SerialNumber.Encoding != "" {
			sn.Encoding = models.SerialEncoding(e.SerialNumber.Encoding)
		}
	default:
		return errNoSerialSpec
	}

	return nil
}

func (e *entry) fillPolling(def *models.ProtocolDefinition, defaults *models.PollingSettings) {
	p := &def.Polling
	p.DefaultInterval = defaults.DefaultInterval
	p.MinInterval = defaults.MinInterval
	p.MaxInterval = defaults.MaxInterval
	p.Timeout = defaults.Timeout
	p.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	p.RetryDelay = models.Duration(5 * time.Second)

	if e.Polling.DefaultInterval != nil {
		p.DefaultInterval = *e.Polling.DefaultInterval
	}

	if e.Polling.MinInterval != nil {
		p.MinInterval = *e.Polling.MinInterval
	}

	if e.Polling.MaxInterval != nil {
		p.MaxInterval = *e.Polling.MaxInterval
	}

	if e.Polling.Timeout != nil {
		p.Timeout = *e.Polling.Timeout
	}

	if e.Polling.MaxConsecutiveFailures != nil {
		p.MaxConsecutiveFailures = *e.Polling.MaxConsecutiveFailures
	}

	if e.Polling.RetryDelay != nil {
		p.RetryDelay = *e.Polling.RetryDelay
	}
}

func (e *entry) fillTransportConfig(def *models.ProtocolDefinition) {
	m := &def.Modbus
	m.UnitID = 1
	m.Timeout = models.Duration(5 * time.Second)
	m.Retries = 2
	m.RetryDelay = models.Duration(time.Second)
	m.Baudrate = e.Modbus.Baudrate
	m.Parity = e.Modbus.Parity
	m.Stopbits = e.Modbus.Stopbits
	m.Bytesize = e.Modbus.Bytesize

	if e.Modbus.UnitID != nil {
		m.UnitID = *e.Modbus.UnitID
	}

	if e.Modbus.Timeout != nil {
		m.Timeout = *e.Modbus.Timeout
	}

	if e.Modbus.Retries != nil {
		m.Retries = *e.Modbus.Retries
	}

	if e.Modbus.RetryDelay != nil {
		m.RetryDelay = *e.Modbus.RetryDelay
	}

	c := &def.Command
	c.LineEnding = "\n"
	c.ResponseTimeout = models.Duration(2 * time.Second)
	c.CommandDelay = models.Duration(500 * time.Millisecond)

	if e.Command.LineEnding != "" {
		c.LineEnding = e.Command.LineEnding
	}

	if e.Command.ResponseTimeout != nil {
		c.ResponseTimeout = *e.Command.ResponseTimeout
	}

	if e.Command.CommandDelay != nil {
		c.CommandDelay = *e.Command.CommandDelay
	}
}
