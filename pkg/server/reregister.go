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
	"time"

	"github.com/gridpulse/deviceserver/pkg/controlplane"
	"github.com/gridpulse/deviceserver/pkg/devices"
	"github.com/gridpulse/deviceserver/pkg/logger"
)

const defaultReregisterInterval = time.Minute

// Registrar retries control-plane registration for devices that came up
// on a local id because registration failed at connect time. Polling
// never waited for the control plane; the registrar brings the id back
// in line once the control plane is reachable again.
type Registrar struct {
	client    controlplane.Client
	devices   *devices.Manager
	scheduler PollScheduler
	interval  time.Duration
	logger    logger.Logger
}

// NewRegistrar wires a registrar. interval <= 0 selects the default.
func NewRegistrar(client controlplane.Client, dm *devices.Manager, sched PollScheduler, interval time.Duration, log logger.Logger) *Registrar {
	if interval <= 0 {
		interval = defaultReregisterInterval
	}

	return &Registrar{
		client:    client,
		devices:   dm,
		scheduler: sched,
		interval:  interval,
		logger:    log.WithComponent("registrar"),
	}
}

// Run retries registrations on a fixed cadence until ctx is cancelled.
func (r *Registrar) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick makes one registration attempt for every device still on a
// local id. A disabled client aborts the whole sweep; other errors are
// logged and retried on the next tick.
func (r *Registrar) Tick(ctx context.Context) {
	for _, device := range r.devices.List() {
		if device.RegisteredRemotely {
			continue
		}

		remoteID, err := r.client.RegisterDevice(ctx, &controlplane.RegisterRequest{
			SiteID:       device.SiteID,
			SerialNumber: device.SerialNumber,
			DeviceType:   device.DeviceType,
			Protocol:     device.ProtocolID,
		})

		if errors.Is(err, controlplane.ErrDisabled) {
			return
		}

		if err != nil {
			r.logger.Debug().
				Err(err).
				Str("serial_number", device.SerialNumber).
				Str("local_device_id", device.DeviceID).
				Msg("registration retry failed")

			continue
		}

		r.promote(ctx, device.DeviceID, remoteID)
	}
}

// promote swaps the local id for the control-plane one. The polling
// task is keyed by device id, so it restarts under the new key when the
// id actually changes.
func (r *Registrar) promote(ctx context.Context, localID, remoteID string) {
	if localID != remoteID {
		r.scheduler.Stop(localID)
	}

	if !r.devices.PromoteRegistration(localID, remoteID) {
		r.logger.Warn().
			Str("local_device_id", localID).
			Str("device_id", remoteID).
			Msg("device vanished before promotion")

		return
	}

	if localID != remoteID {
		r.scheduler.Start(ctx, remoteID)
	}

	r.logger.Info().
		Str("local_device_id", localID).
		Str("device_id", remoteID).
		Msg("device registered with control plane")
}
