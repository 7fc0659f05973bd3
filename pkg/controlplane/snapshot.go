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

package controlplane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gridpulse/deviceserver/pkg/logger"
	"github.com/gridpulse/deviceserver/pkg/models"
)

// defaultSnapshotInterval is the per-device throttle between snapshot
// pushes.
const defaultSnapshotInterval = 30 * time.Second

// Sink is the telemetry submission surface the pusher wraps.
type Sink interface {
	Submit(sample *models.TelemetrySample) bool
}

// SnapshotPusher forwards every sample to the wrapped sink and pushes a
// throttled last-telemetry snapshot per device to the control plane.
// The push is fire-and-forget: storage never waits on the HTTP call.
type SnapshotPusher struct {
	next     Sink
	client   Client
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger

	mu       sync.Mutex
	lastPush map[string]time.Time
}

// NewSnapshotPusher wraps next. A zero interval uses the 30s default.
func NewSnapshotPusher(next Sink, client Client, interval time.Duration, log logger.Logger) *SnapshotPusher {
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}

	return &SnapshotPusher{
		next:     next,
		client:   client,
		interval: interval,
		timeout:  10 * time.Second,
		logger:   log.WithComponent("snapshot"),
		lastPush: make(map[string]time.Time),
	}
}

// Submit forwards the sample and, at most once per interval per device,
// pushes the snapshot upstream.
func (p *SnapshotPusher) Submit(sample *models.TelemetrySample) bool {
	ok := p.next.Submit(sample)

	if !p.due(sample.DeviceID) {
		return ok
	}

	go p.push(sample)

	return ok
}

func (p *SnapshotPusher) due(deviceID string) bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if last, seen := p.lastPush[deviceID]; seen && now.Sub(last) < p.interval {
		return false
	}

	p.lastPush[deviceID] = now

	return true
}

// Forget drops the throttle state for a device that went away.
func (p *SnapshotPusher) Forget(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.lastPush, deviceID)
}

func (p *SnapshotPusher) push(sample *models.TelemetrySample) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.client.UpdateDeviceSnapshot(ctx, sample.DeviceID, sample.Metrics)
	if err != nil && !errors.Is(err, ErrDisabled) {
		p.logger.Debug().
			Err(err).
			Str("device_id", sample.DeviceID).
			Msg("snapshot push failed")
	}
}
