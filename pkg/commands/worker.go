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

// Package commands drains the control-plane command queue: it polls
// pending commands for every connected device and dispatches them
// through the device's adapter.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gridpulse/deviceserver/pkg/adapter"
	"github.com/gridpulse/deviceserver/pkg/controlplane"
	"github.com/gridpulse/deviceserver/pkg/devices"
	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultExecTimeout  = 30 * time.Second
)

// Worker fetches and executes queued commands.
type Worker struct {
	client   controlplane.Client
	devices  *devices.Manager
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger
}

// NewWorker builds a command worker. Zero durations fall back to the
// defaults (poll 15s, execution 30s).
func NewWorker(client controlplane.Client, mgr *devices.Manager, interval, timeout time.Duration, log logger.Logger) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	return &Worker{
		client:   client,
		devices:  mgr,
		interval: interval,
		timeout:  timeout,
		logger:   log.WithComponent("commands"),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one pass over every connected, remotely registered device.
func (w *Worker) Tick(ctx context.Context) {
	for _, device := range w.devices.List() {
		if !device.RegisteredRemotely {
			continue
		}

		if err := w.drainDevice(ctx, device); err != nil {
			if errors.Is(err, controlplane.ErrDisabled) {
				return
			}

			w.logger.Warn().
				Err(err).
				Str("device_id", device.DeviceID).
				Msg("command queue poll failed")
		}
	}
}

func (w *Worker) drainDevice(ctx context.Context, device *models.Device) error {
	pending, err := w.client.PendingCommands(ctx, device.DeviceID)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority > pending[j].Priority
	})

	for i := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.dispatch(ctx, device, &pending[i])
	}

	return nil
}

// dispatch carries one command to the device and reports the outcome.
// Expired commands are reported timed_out without touching the device;
// commands past their retry budget are reported failed.
func (w *Worker) dispatch(ctx context.Context, device *models.Device, cmd *models.Command) {
	if cmd.Expired(time.Now()) {
		w.report(ctx, cmd.ID, models.CommandTimedOut, nil, "command expired before dispatch")
		return
	}

	if cmd.MaxRetries > 0 && cmd.RetryCount >= cmd.MaxRetries {
		w.report(ctx, cmd.ID, models.CommandFailed, nil, "retry budget exhausted")
		return
	}

	poller, ok := w.devices.Poller(device.DeviceID)
	if !ok {
		w.report(ctx, cmd.ID, models.CommandFailed, nil, "device no longer connected")
		return
	}

	executor, ok := poller.(adapter.CommandExecutor)
	if !ok {
		w.report(ctx, cmd.ID, models.CommandFailed, nil,
			fmt.Sprintf("adapter for %s does not execute commands", device.ProtocolID))

		return
	}

	w.report(ctx, cmd.ID, models.CommandSent, nil, "")

	execCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result, err := executor.Execute(execCtx, cmd)
	if err != nil {
		status := models.CommandFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = models.CommandTimedOut
		}

		w.logger.Warn().
			Err(err).
			Str("device_id", device.DeviceID).
			Str("command_id", cmd.ID).
			Str("command_type", cmd.CommandType).
			Msg("command execution failed")

		w.report(ctx, cmd.ID, status, nil, err.Error())

		return
	}

	w.logger.Info().
		Str("device_id", device.DeviceID).
		Str("command_id", cmd.ID).
		Str("command_type", cmd.CommandType).
		Msg("command executed")

	w.report(ctx, cmd.ID, models.CommandCompleted, result, "")
}

func (w *Worker) report(ctx context.Context, commandID string, status models.CommandStatus, result map[string]interface{}, errMsg string) {
	if err := w.client.UpdateCommand(ctx, commandID, status, result, errMsg); err != nil {
		w.logger.Warn().
			Err(err).
			Str("command_id", commandID).
			Str("status", string(status)).
			Msg("command status report failed")
	}
}
