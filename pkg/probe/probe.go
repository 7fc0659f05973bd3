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

// Package probe matches a live connection against the protocol
// catalogue and extracts the device serial number.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// ErrNoMatch means no registered protocol matched the peer.
var ErrNoMatch = errors.New("probe: no protocol matched")

// Transport is the slice of a session the prober needs. Both
// server.Session and a raw net.Conn satisfy it.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Result is a successful identification.
type Result struct {
	Protocol     *models.ProtocolDefinition
	SerialNumber string
	// Synthesized marks a fallback serial built from the protocol id
	// and remote endpoint because extraction failed.
	Synthesized bool
	// Metadata carries extras a device-family specialization gathered
	// (model name, firmware header). Never part of the match decision.
	Metadata map[string]string
}

// Catalogue is the registry view the prober iterates.
type Catalogue interface {
	ModbusByPriority() []*models.ProtocolDefinition
	CommandByPriority() []*models.ProtocolDefinition
}

// Prober tries candidate protocols against a connection: all Modbus
// definitions in priority order first, then all command definitions.
// First success wins.
type Prober struct {
	catalogue Catalogue
	settings  models.IdentificationSettings
	logger    logger.Logger
}

// New creates a prober over the given catalogue.
func New(catalogue Catalogue, settings models.IdentificationSettings, log logger.Logger) *Prober {
	return &Prober{
		catalogue: catalogue,
		settings:  settings,
		logger:    log.WithComponent("probe"),
	}
}

// Identify runs one identification pass. Each candidate probe is
// bounded by the protocol's identification timeout plus the configured
// slack, so a hung probe cannot eat the next candidate's slice.
func (p *Prober) Identify(ctx context.Context, t Transport) (*Result, error) {
	candidates := append(p.catalogue.ModbusByPriority(), p.catalogue.CommandByPriority()...)

	for _, def := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		budget := def.Identification.Timeout.Duration() + p.settings.ProbeSlack.Duration()
		_ = t.SetDeadline(time.Now().Add(budget))

		matched, meta := p.probeOne(def, t)
		if !matched {
			continue
		}

		p.logger.Debug().
			Str("protocol_id", def.ID).
			Str("remote", t.RemoteAddr().String()).
			Msg("probe matched")

		result := &Result{Protocol: def, Metadata: meta}
		p.extractSerial(def, t, result)
		_ = t.SetDeadline(time.Time{})

		return result, nil
	}

	_ = t.SetDeadline(time.Time{})

	return nil, ErrNoMatch
}

func (p *Prober) probeOne(def *models.ProtocolDefinition, t Transport) (bool, map[string]string) {
	switch def.Identification.Kind {
	case models.IdentifyByRegister:
		return p.probeModbus(def, t)
	case models.IdentifyByCommand:
		return p.probeCommand(def, t)
	default:
		return false, nil
	}
}

// extractSerial fills in the serial number, synthesizing a
// deterministic fallback from the remote endpoint when the configured
// extraction fails. The synthesized path is degraded identification
// and is logged at WARN.
func (p *Prober) extractSerial(def *models.ProtocolDefinition, t Transport, result *Result) {
	budget := def.Identification.Timeout.Duration() + p.settings.ProbeSlack.Duration()
	_ = t.SetDeadline(time.Now().Add(budget))

	var (
		serial string
		err    error
	)

	switch def.SerialNumber.Kind {
	case models.IdentifyByRegister:
		serial, err = p.serialFromRegisters(def, t)
	case models.IdentifyByCommand:
		serial, err = p.serialFromCommand(def, t)
	default:
		err = errors.New("no serial extractor configured")
	}

	if err == nil && serial != "" {
		result.SerialNumber = serial
		return
	}

	result.SerialNumber = synthesizeSerial(def.ID, t.RemoteAddr())
	result.Synthesized = true

	p.logger.Warn().
		Err(err).
		Str("protocol_id", def.ID).
		Str("fallback_serial", result.SerialNumber).
		Msg("serial extraction failed, using synthesized serial")
}

func synthesizeSerial(protocolID string, addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return fmt.Sprintf("%s_%s", protocolID, addr.String())
	}

	return fmt.Sprintf("%s_%s_%s", protocolID, host, port)
}
