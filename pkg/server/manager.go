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

package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/gridpulse/deviceserver/pkg/adapter"
	"github.com/gridpulse/deviceserver/pkg/controlplane"
	"github.com/gridpulse/deviceserver/pkg/devices"
	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/metrics"
	"github.com/gridpulse/deviceserver/pkg/models"
	"github.com/gridpulse/deviceserver/pkg/probe"
)

// Identifier matches a connection to a protocol definition.
type Identifier interface {
	Identify(ctx context.Context, t probe.Transport) (*probe.Result, error)
}

// Catalogue is the registry view the connection manager needs.
type Catalogue interface {
	RegisterMap(def *models.ProtocolDefinition) models.RegisterMap
}

// AdapterFactory builds the poller for an identified session.
type AdapterFactory interface {
	New(conn adapter.Conn, def *models.ProtocolDefinition, regmap models.RegisterMap) adapter.Poller
}

// PollScheduler starts and stops per-device polling tasks.
type PollScheduler interface {
	Start(ctx context.Context, deviceID string)
	Stop(deviceID string)
}

// ConnectionManager walks each accepted session through its lifecycle:
// stabilization wait, identification with retries, registration,
// adapter binding, polling. It implements SessionSink.
type ConnectionManager struct {
	connection     models.ConnectionSettings
	identification models.IdentificationSettings
	siteID         string

	prober    Identifier
	catalogue Catalogue
	adapters  AdapterFactory
	devices   *devices.Manager
	scheduler PollScheduler
	client    controlplane.Client
	metrics   *metrics.Metrics
	logger    logger.Logger
}

var _ SessionSink = (*ConnectionManager)(nil)

// ManagerDeps bundles the collaborators of a ConnectionManager.
type ManagerDeps struct {
	Prober    Identifier
	Catalogue Catalogue
	Adapters  AdapterFactory
	Devices   *devices.Manager
	Scheduler PollScheduler
	Client    controlplane.Client
	Metrics   *metrics.Metrics
	Logger    logger.Logger
}

// NewConnectionManager wires a connection manager.
func NewConnectionManager(connection models.ConnectionSettings, identification models.IdentificationSettings, siteID string, deps ManagerDeps) *ConnectionManager {
	return &ConnectionManager{
		connection:     connection,
		identification: identification,
		siteID:         siteID,
		prober:         deps.Prober,
		catalogue:      deps.Catalogue,
		adapters:       deps.Adapters,
		devices:        deps.Devices,
		scheduler:      deps.Scheduler,
		client:         deps.Client,
		metrics:        deps.Metrics,
		logger:         deps.Logger.WithComponent("connections"),
	}
}

// HandleSession runs the session lifecycle on its own goroutine.
func (m *ConnectionManager) HandleSession(ctx context.Context, session *Session) {
	session.OnClose(m.onSessionClosed)

	go m.watchCancel(ctx, session)
	go m.runSession(ctx, session)
}

// watchCancel ties the session to the server context: graceful stop
// cancels the context, and every live session closes with it instead of
// lingering until the process exits.
func (m *ConnectionManager) watchCancel(ctx context.Context, session *Session) {
	closed := make(chan struct{})
	session.OnClose(func(*Session) { close(closed) })

	select {
	case <-ctx.Done():
		_ = session.Close()
	case <-closed:
	}
}

func (m *ConnectionManager) runSession(ctx context.Context, session *Session) {
	log := m.logger.With().
		Str("session_id", session.ID()).
		Str("remote", session.RemoteAddr().String()).
		Logger()

	// Data loggers send banners or garbage right after connecting; wait
	// for the line to settle before the first probe touches it.
	if delay := m.connection.StabilizationDelay.Duration(); delay > 0 {
		select {
		case <-ctx.Done():
			_ = session.Close()
			return
		case <-time.After(delay):
		}
	}

	session.SetState(models.SessionIdentifying)

	result, err := m.identify(ctx, session)
	if err != nil {
		m.metrics.IdentificationsFailed.Inc()
		log.Warn().Err(err).Msg("identification failed, closing session")
		_ = session.Close()

		return
	}

	m.metrics.IdentificationsOK.Inc()
	session.SetState(models.SessionIdentified)

	log.Info().
		Str("protocol_id", result.Protocol.ID).
		Str("serial_number", result.SerialNumber).
		Bool("synthesized_serial", result.Synthesized).
		Msg("device identified")

	device := m.registerDevice(ctx, session, result)

	regmap := m.catalogue.RegisterMap(result.Protocol)
	poller := m.adapters.New(session, result.Protocol, regmap)

	device = m.devices.Add(device, session, poller)

	session.SetState(models.SessionPolling)
	m.scheduler.Start(ctx, device.DeviceID)
}

// identify runs the configured number of identification attempts with
// the configured delay between them. A cancelled context aborts; every
// other error is retried.
func (m *ConnectionManager) identify(ctx context.Context, session *Session) (*probe.Result, error) {
	attempts := m.identification.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.identification.RetryDelay.Duration()):
			}
		}

		result, err := m.prober.Identify(ctx, session)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		lastErr = err

		m.logger.Debug().
			Err(err).
			Str("session_id", session.ID()).
			Int("attempt", attempt).
			Int("attempts", attempts).
			Msg("identification attempt failed")
	}

	return nil, lastErr
}

// registerDevice produces the device record for an identified session.
// A serial this process already knows keeps its id and site; otherwise
// the control plane assigns one, and when it cannot be reached a local
// id is used so polling proceeds regardless.
func (m *ConnectionManager) registerDevice(ctx context.Context, session *Session, result *probe.Result) *models.Device {
	def := result.Protocol

	device := &models.Device{
		SerialNumber: result.SerialNumber,
		ProtocolID:   def.ID,
		DeviceType:   def.DeviceType,
		Status:       models.DeviceInitializing,
		PollInterval: def.Polling.DefaultInterval.Duration(),
		PollTimeout:  def.Polling.Timeout.Duration(),
		MaxFailures:  def.Polling.MaxConsecutiveFailures,
		ConnectedAt:  time.Now().UTC(),
	}

	if existing, ok := m.devices.GetBySerial(result.SerialNumber); ok {
		device.DeviceID = existing.DeviceID
		device.SiteID = existing.SiteID
		device.RegisteredRemotely = existing.RegisteredRemotely

		return device
	}

	device.SiteID = m.resolveSite(ctx, session)

	deviceID, err := m.client.RegisterDevice(ctx, &controlplane.RegisterRequest{
		SiteID:       device.SiteID,
		SerialNumber: result.SerialNumber,
		DeviceType:   def.DeviceType,
		Protocol:     def.ID,
		Manufacturer: def.Manufacturer,
	})

	switch {
	case err == nil:
		device.DeviceID = deviceID
		device.RegisteredRemotely = true
	case errors.Is(err, controlplane.ErrDisabled):
		device.DeviceID = uuid.New().String()
	default:
		device.DeviceID = uuid.New().String()

		m.logger.Warn().
			Err(err).
			Str("serial_number", result.SerialNumber).
			Str("local_device_id", device.DeviceID).
			Msg("registration failed, continuing with local device id")
	}

	return device
}

// resolveSite picks the site for a new device: the statically
// configured site wins, otherwise the control plane is asked to map the
// peer address. Both failing leaves the device unassigned.
func (m *ConnectionManager) resolveSite(ctx context.Context, session *Session) string {
	if m.siteID != "" {
		return m.siteID
	}

	host, _, err := net.SplitHostPort(session.RemoteAddr().String())
	if err != nil {
		host = session.RemoteAddr().String()
	}

	siteID, err := m.client.GetSiteForDevice(ctx, host)
	if err != nil {
		if !errors.Is(err, controlplane.ErrDisabled) {
			m.logger.Debug().Err(err).Str("remote", host).Msg("site lookup failed")
		}

		return ""
	}

	return siteID
}

// onSessionClosed tears down whatever the session had built up: the
// polling task stops and the device leaves the indexes. A session
// replaced by a reconnect finds its mapping gone and does nothing.
func (m *ConnectionManager) onSessionClosed(session *Session) {
	device, ok := m.devices.GetBySession(session.ID())
	if !ok {
		return
	}

	m.logger.Info().
		Str("session_id", session.ID()).
		Str("device_id", device.DeviceID).
		Uint64("bytes_in", session.BytesIn()).
		Uint64("bytes_out", session.BytesOut()).
		Msg("session closed, stopping polling")

	m.scheduler.Stop(device.DeviceID)
	m.devices.RemoveBySession(session.ID())
}
