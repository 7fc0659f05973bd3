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
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/modbus"
	"github.com/gridpulse/deviceserver/pkg/models"
)

var (
	errAllReadsFailed   = errors.New("adapter: every register read failed")
	errUnknownRegister  = errors.New("adapter: unknown register id")
	errRegisterReadOnly = errors.New("adapter: register is not writable")
	errBadCommandParams = errors.New("adapter: bad command params")
	errUnknownCommand   = errors.New("adapter: unsupported command type")
)

// modbusPoller reads every pollable register of the map sequentially.
// mu serializes Poll and Execute so only one task drives the socket.
type modbusPoller struct {
	mu     sync.Mutex
	conn   Conn
	client *modbus.Client
	def    *models.ProtocolDefinition
	regmap models.RegisterMap
	logger logger.Logger
}

func newModbusPoller(conn Conn, def *models.ProtocolDefinition, regmap models.RegisterMap, log logger.Logger) Poller {
	return &modbusPoller{
		conn:   conn,
		client: modbus.NewClient(conn, def.Modbus.UnitID),
		def:    def,
		regmap: regmap,
		logger: log,
	}
}

// Poll reads each pollable register group in map order. A single failed
// read is logged at debug and omitted; the poll as a whole fails only
// when nothing could be read at all.
func (m *modbusPoller) Poll(ctx context.Context) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyDeadline(ctx)
	defer func() { _ = m.conn.SetDeadline(time.Time{}) }()

	metrics := make(map[string]interface{}, len(m.regmap))

	var firstErr error

	attempted := 0

	for i := range m.regmap {
		desc := &m.regmap[i]
		if !desc.Pollable() {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		attempted++

		value, err := m.readRegister(desc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			m.logger.Debug().
				Err(err).
				Str("register_id", desc.ID).
				Str("protocol_id", m.def.ID).
				Msg("register read failed")

			continue
		}

		metrics[desc.ID] = value
	}

	if len(metrics) == 0 && attempted > 0 {
		if firstErr == nil {
			firstErr = ctx.Err()
		}

		if firstErr == nil {
			firstErr = errAllReadsFailed
		}

		return nil, ClassifyPollError(firstErr)
	}

	return metrics, nil
}

func (m *modbusPoller) readRegister(desc *models.RegisterDescriptor) (interface{}, error) {
	var (
		words []uint16
		err   error
	)

	if desc.Kind == models.RegisterKindInput {
		words, err = m.client.ReadInputRegisters(desc.Addr, desc.Size)
	} else {
		words, err = m.client.ReadHoldingRegisters(desc.Addr, desc.Size)
	}

	if err != nil {
		return nil, err
	}

	return modbus.DecodeValue(desc, words)
}

// Execute carries a control-plane register write to the device.
func (m *modbusPoller) Execute(ctx context.Context, cmd *models.Command) (map[string]interface{}, error) {
	if cmd.CommandType != "write_register" {
		return nil, fmt.Errorf("%w: %s", errUnknownCommand, cmd.CommandType)
	}

	registerID, _ := cmd.CommandParams["register"].(string)

	rawValue, ok := toFloat(cmd.CommandParams["value"])
	if !ok || registerID == "" {
		return nil, errBadCommandParams
	}

	desc := m.regmap.ByID(registerID)
	if desc == nil {
		return nil, fmt.Errorf("%w: %s", errUnknownRegister, registerID)
	}

	if !desc.Writable() {
		return nil, fmt.Errorf("%w: %s", errRegisterReadOnly, registerID)
	}

	// The wire carries the unscaled integer; the configured scale maps
	// engineering units back to register counts.
	wire := rawValue
	if desc.Scale != nil && *desc.Scale != 0 {
		wire = rawValue / *desc.Scale
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyDeadline(ctx)
	defer func() { _ = m.conn.SetDeadline(time.Time{}) }()

	var err error

	if desc.Size <= 1 {
		err = m.client.WriteSingleRegister(desc.Addr, uint16(int64(math.Round(wire))&0xFFFF))
	} else {
		words := modbus.Int32ToWords(int32(math.Round(wire)))
		err = m.client.WriteMultipleRegisters(desc.Addr, words)
	}

	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"register": registerID,
		"value":    rawValue,
	}, nil
}

func (m *modbusPoller) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = m.conn.SetDeadline(dl)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
