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

// Package adapter binds an identified session to a protocol-specific
// poller. The adapter_class string from the catalogue selects a factory
// from a registry closed at build time.
package adapter

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/modbus"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// Conn is the slice of a session an adapter drives.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDeadline(t time.Time) error
}

// Poller is the sole public contract of an adapter: one complete read
// of the device producing a metric map.
type Poller interface {
	Poll(ctx context.Context) (map[string]interface{}, error)
}

// CommandExecutor is implemented by adapters that can carry
// control-plane commands to the device. Execution shares the adapter's
// internal lock with Poll, so command I/O never interleaves with a
// poll on the same socket.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd *models.Command) (map[string]interface{}, error)
}

// PollErrorKind classifies a failed poll; the kinds drive separate
// failure counters.
type PollErrorKind string

const (
	PollErrTimeout   PollErrorKind = "timeout"
	PollErrIO        PollErrorKind = "io"
	PollErrException PollErrorKind = "exception"
)

// PollError wraps a poll failure with its kind.
type PollError struct {
	Kind PollErrorKind
	Err  error
}

func (e *PollError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }

func (e *PollError) Unwrap() error { return e.Err }

// ClassifyPollError wraps err in a PollError by inspecting it.
func ClassifyPollError(err error) *PollError {
	var netErr net.Error

	switch {
	case modbus.IsException(err):
		return &PollError{Kind: PollErrException, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &PollError{Kind: PollErrTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &PollError{Kind: PollErrTimeout, Err: err}
	default:
		return &PollError{Kind: PollErrIO, Err: err}
	}
}

// FactoryFunc builds a poller for one identified session.
type FactoryFunc func(conn Conn, def *models.ProtocolDefinition, regmap models.RegisterMap, log logger.Logger) Poller

// Factory maps adapter_class strings to constructors. The built-in
// classes cover the generic Modbus and command adapters plus the known
// device families; unknown classes fall back to the transport default.
type Factory struct {
	mu      sync.RWMutex
	byClass map[string]FactoryFunc
	logger  logger.Logger
}

// NewFactory creates a factory pre-populated with the built-in
// adapters.
func NewFactory(log logger.Logger) *Factory {
	f := &Factory{
		byClass: make(map[string]FactoryFunc),
		logger:  log.WithComponent("adapter"),
	}

	f.Register("modbus", newModbusPoller)
	f.Register("command", newCommandPoller)
	f.Register("pytes", newPytesPoller)

	return f
}

// Register adds or replaces a factory for an adapter class.
func (f *Factory) Register(class string, fn FactoryFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.byClass[class] = fn
}

// New builds the poller for a session. The adapter_class is opaque
// catalogue metadata; when it names no registered factory, the
// transport decides.
func (f *Factory) New(conn Conn, def *models.ProtocolDefinition, regmap models.RegisterMap) Poller {
	f.mu.RLock()
	fn, ok := f.byClass[def.AdapterClass]
	f.mu.RUnlock()

	if !ok {
		if def.Transport.IsModbus() {
			fn = newModbusPoller
		} else {
			fn = newCommandPoller
		}

		if def.AdapterClass != "" {
			f.logger.Debug().
				Str("adapter_class", def.AdapterClass).
				Str("protocol_id", def.ID).
				Msg("unknown adapter class, using transport default")
		}
	}

	return fn(conn, def, regmap, f.logger)
}
